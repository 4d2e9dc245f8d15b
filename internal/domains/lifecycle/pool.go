package lifecycle

import (
	"encoding/json"
	"errors"
	"io/fs"
	"sync"

	"palaver-chat/core/internal/securestore"
)

// PoolEntry is one pre-provisioned, not-yet-visible inbox: its identity,
// its binding, and its single unused conversation.
type PoolEntry struct {
	ClientID            string `json:"client_id"`
	InboxID             string `json:"inbox_id"`
	ConversationID      string `json:"conversation_id"`
	DraftConversationID string `json:"draft_conversation_id"`
}

// PoolStore is the pool's own tracking store. Consumed entries must be
// cleared from it so a pooled identity is never issued twice.
type PoolStore interface {
	Load() ([]PoolEntry, error)
	Save(entries []PoolEntry) error
}

// EncryptedPoolStore persists the pool through the securestore envelope
// so pooled identities survive restart.
type EncryptedPoolStore struct {
	path   string
	secret string
}

func NewEncryptedPoolStore(path, secret string) *EncryptedPoolStore {
	path, secret = securestore.NormalizeStorageConfig(path, secret)
	return &EncryptedPoolStore{path: path, secret: secret}
}

type persistedPoolState struct {
	Version int         `json:"version"`
	Entries []PoolEntry `json:"entries"`
}

func (s *EncryptedPoolStore) Load() ([]PoolEntry, error) {
	if !securestore.IsStorageConfigured(s.path, s.secret) {
		return nil, nil
	}
	plaintext, err := securestore.ReadDecryptedFile(s.path, s.secret)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state persistedPoolState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, err
	}
	if state.Version != 1 {
		return nil, errors.New("pool persistence payload is invalid")
	}
	return state.Entries, nil
}

func (s *EncryptedPoolStore) Save(entries []PoolEntry) error {
	if !securestore.IsStorageConfigured(s.path, s.secret) {
		return nil
	}
	return securestore.WriteEncryptedJSON(s.path, s.secret, persistedPoolState{
		Version: 1,
		Entries: entries,
	})
}

// MemoryPoolStore keeps the pool in memory only; tests use it.
type MemoryPoolStore struct {
	mu      sync.Mutex
	entries []PoolEntry
}

func NewMemoryPoolStore() *MemoryPoolStore {
	return &MemoryPoolStore{}
}

func (s *MemoryPoolStore) Load() ([]PoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PoolEntry(nil), s.entries...), nil
}

func (s *MemoryPoolStore) Save(entries []PoolEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]PoolEntry(nil), entries...)
	return nil
}

// Pool hands out pre-provisioned inboxes at most once each. Consumption
// removes the entry from the tracking store before the entry is
// returned, so two concurrent consumers can never receive the same
// pooled identity.
type Pool struct {
	mu      sync.Mutex
	entries []PoolEntry
	store   PoolStore
	loaded  bool
}

func NewPool(store PoolStore) *Pool {
	if store == nil {
		store = NewMemoryPoolStore()
	}
	return &Pool{store: store}
}

func (p *Pool) Consume() (PoolEntry, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureLoadedLocked(); err != nil {
		return PoolEntry{}, false, err
	}
	if len(p.entries) == 0 {
		return PoolEntry{}, false, nil
	}
	entry := p.entries[0]
	remaining := append([]PoolEntry(nil), p.entries[1:]...)
	if err := p.store.Save(remaining); err != nil {
		return PoolEntry{}, false, err
	}
	p.entries = remaining
	return entry, true, nil
}

func (p *Pool) Add(entry PoolEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureLoadedLocked(); err != nil {
		return err
	}
	next := append(append([]PoolEntry(nil), p.entries...), entry)
	if err := p.store.Save(next); err != nil {
		return err
	}
	p.entries = next
	return nil
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureLoadedLocked(); err != nil {
		return 0
	}
	return len(p.entries)
}

func (p *Pool) ensureLoadedLocked() error {
	if p.loaded {
		return nil
	}
	entries, err := p.store.Load()
	if err != nil {
		return err
	}
	p.entries = entries
	p.loaded = true
	return nil
}
