package appevents

import (
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus()
	events, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Kind: KindDidEnterBackground})
	select {
	case event := <-events:
		if event.Kind != KindDidEnterBackground {
			t.Fatalf("kind = %q", event.Kind)
		}
		if event.At.IsZero() {
			t.Fatal("timestamp should be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Kind: KindDidEnterBackground})

	events, cancel := bus.Subscribe()
	defer cancel()
	select {
	case event := <-events:
		t.Fatalf("unexpected replayed event: %+v", event)
	default:
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := NewBus()
	events, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 33; i++ {
		bus.Publish(Event{Kind: KindWillEnterForeground})
	}
	delivered := 0
	for range events {
		delivered++
	}
	if delivered != 32 {
		t.Fatalf("delivered = %d, want 32", delivered)
	}
}

func TestNetworkMonitorPublishesOnChangeOnly(t *testing.T) {
	bus := NewBus()
	monitor := NewNetworkMonitor(bus)
	events, cancel := bus.Subscribe()
	defer cancel()

	monitor.SetConnection(ConnectionWiFi)
	if !monitor.Connected() {
		t.Fatal("wifi should count as connected")
	}
	// A repeated identical report publishes nothing.
	monitor.SetConnection(ConnectionWiFi)
	monitor.SetConnection(ConnectionNone)
	if monitor.Connected() {
		t.Fatal("none should count as disconnected")
	}

	received := 0
	timeout := time.After(time.Second)
	for received < 2 {
		select {
		case <-events:
			received++
		case <-timeout:
			t.Fatalf("received %d events, want 2", received)
		}
	}
	select {
	case event := <-events:
		t.Fatalf("unexpected extra event: %+v", event)
	default:
	}
}
