// Package appevents carries discrete platform events into the core:
// app-lifecycle transitions and connectivity changes. Core components
// subscribe here instead of polling platform APIs.
package appevents

import (
	"sync"
	"time"
)

const (
	KindDidEnterBackground  = "didEnterBackground"
	KindWillEnterForeground = "willEnterForeground"
	KindConnectivityChanged = "connectivityChanged"

	ConnectionNone     = "none"
	ConnectionWiFi     = "wifi"
	ConnectionCellular = "cellular"
	ConnectionWired    = "wired"
)

type Event struct {
	Kind           string
	ConnectionType string
	At             time.Time
}

// Bus broadcasts events to any number of subscribers. Late subscribers
// see only events published after they subscribe. A subscriber that
// stops draining its channel is dropped rather than blocking emitters.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(b.subs, id)
		}
	}
}

func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, 32)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			close(sub)
			delete(b.subs, id)
		}
	}
	return ch, cancel
}
