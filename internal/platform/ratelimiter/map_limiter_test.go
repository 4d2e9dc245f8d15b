package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowEnforcesBurstPerKey(t *testing.T) {
	l := New(0.001, 2, time.Hour)
	now := time.Now()

	if !l.Allow("client-1", now) || !l.Allow("client-1", now) {
		t.Fatal("burst tokens should be granted")
	}
	if l.Allow("client-1", now) {
		t.Fatal("third request should be throttled")
	}
	// Keys are isolated.
	if !l.Allow("client-2", now) {
		t.Fatal("separate key should have its own bucket")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New(1, 1, time.Hour)
	now := time.Now()
	if !l.Allow("client-1", now) {
		t.Fatal("first request should pass")
	}
	if l.Allow("client-1", now) {
		t.Fatal("bucket should be empty")
	}
	if !l.Allow("client-1", now.Add(2*time.Second)) {
		t.Fatal("token should refill after the interval")
	}
}

func TestNilAndBlankKeysAlwaysAllowed(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("client-1", time.Now()) {
		t.Fatal("nil limiter must not throttle")
	}
	active := New(0.001, 1, time.Hour)
	if !active.Allow("", time.Now()) || !active.Allow("  ", time.Now()) {
		t.Fatal("blank keys bypass limiting")
	}
	if New(0, 1, time.Hour) != nil || New(1, 0, time.Hour) != nil {
		t.Fatal("invalid args should return nil")
	}
}
