package lifecycle

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestPoolConsumeIsAtMostOnce(t *testing.T) {
	pool := NewPool(nil)
	if err := pool.Add(PoolEntry{ClientID: "client-1", InboxID: "plv1a"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	entry, ok, err := pool.Consume()
	if err != nil || !ok {
		t.Fatalf("consume: ok=%v err=%v", ok, err)
	}
	if entry.ClientID != "client-1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if _, ok, _ := pool.Consume(); ok {
		t.Fatal("entry handed out twice")
	}
}

func TestPoolConsumeUnderConcurrency(t *testing.T) {
	pool := NewPool(nil)
	for _, id := range []string{"client-1", "client-2", "client-3"} {
		if err := pool.Add(PoolEntry{ClientID: id}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	const workers = 12
	var wg sync.WaitGroup
	results := make(chan PoolEntry, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if entry, ok, err := pool.Consume(); err == nil && ok {
				results <- entry
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]int{}
	for entry := range results {
		seen[entry.ClientID]++
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct entries consumed, got %d", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("entry %s consumed %d times", id, count)
		}
	}
	if pool.Size() != 0 {
		t.Fatalf("pool size = %d, want 0", pool.Size())
	}
}

func TestPoolPersistsConsumptionBeforeHandout(t *testing.T) {
	store := NewMemoryPoolStore()
	if err := store.Save([]PoolEntry{{ClientID: "client-1"}, {ClientID: "client-2"}}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	pool := NewPool(store)

	if _, ok, err := pool.Consume(); err != nil || !ok {
		t.Fatalf("consume: ok=%v err=%v", ok, err)
	}
	// A pool rebuilt from the same store must not see the consumed entry.
	restarted := NewPool(store)
	entry, ok, err := restarted.Consume()
	if err != nil || !ok {
		t.Fatalf("consume after restart: ok=%v err=%v", ok, err)
	}
	if entry.ClientID != "client-2" {
		t.Fatalf("restarted pool returned %q, want client-2", entry.ClientID)
	}
}

func TestEncryptedPoolStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.enc")
	store := NewEncryptedPoolStore(path, "test-secret")

	entries := []PoolEntry{{
		ClientID:            "client-1",
		InboxID:             "plv1a",
		ConversationID:      "conv-1",
		DraftConversationID: "draft-1",
	}}
	if err := store.Save(entries); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0] != entries[0] {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestEncryptedPoolStoreMissingFileIsEmpty(t *testing.T) {
	store := NewEncryptedPoolStore(filepath.Join(t.TempDir(), "absent.enc"), "test-secret")
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected empty pool, got %d entries", len(loaded))
	}
}
