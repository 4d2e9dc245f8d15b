package inbox

import "testing"

func TestStateHubDeliversOnlyFutureStates(t *testing.T) {
	hub := NewStateHub()
	hub.Publish(State{Phase: PhaseRegistering})

	states, cancel := hub.Subscribe()
	defer cancel()
	hub.Publish(State{Phase: PhaseReady})

	got := <-states
	if got.Phase != PhaseReady {
		t.Fatalf("first delivered state = %s, want %s", got.Phase, PhaseReady)
	}
}

func TestStateHubDropsSlowSubscriber(t *testing.T) {
	hub := NewStateHub()
	states, cancel := hub.Subscribe()
	defer cancel()

	// Fill the buffer and overflow by one; the subscriber is dropped and
	// its channel closed rather than blocking the emitter.
	for i := 0; i < 65; i++ {
		hub.Publish(State{Phase: PhaseReady})
	}
	delivered := 0
	for range states {
		delivered++
	}
	if delivered != 64 {
		t.Fatalf("delivered = %d, want 64", delivered)
	}
}

func TestStateHubCloseClosesSubscribers(t *testing.T) {
	hub := NewStateHub()
	states, cancel := hub.Subscribe()
	defer cancel()
	hub.Close()
	if _, ok := <-states; ok {
		t.Fatal("channel should be closed")
	}
	// Publishing after close is a no-op.
	hub.Publish(State{Phase: PhaseReady})
}

func TestStateHubCancelStopsDelivery(t *testing.T) {
	hub := NewStateHub()
	states, cancel := hub.Subscribe()
	cancel()
	hub.Publish(State{Phase: PhaseReady})
	if _, ok := <-states; ok {
		t.Fatal("cancelled subscriber should not receive states")
	}
}
