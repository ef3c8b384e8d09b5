package inflight

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

func key(alarm int) domain.Key {
	return domain.Key{ContextID: 1, AccountID: 0, EventID: "42", AlarmID: alarm}
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	r := New()

	if r.TryAdd(key(7)) == nil {
		t.Fatal("first TryAdd should succeed")
	}
	if r.TryAdd(key(7)) != nil {
		t.Fatal("second TryAdd for the same key should be rejected")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_RemoveThenAdd(t *testing.T) {
	r := New()
	r.TryAdd(key(7))

	if !r.Remove(key(7)) {
		t.Fatal("Remove should report the key as present")
	}
	if r.Remove(key(7)) {
		t.Fatal("second Remove should report the key as absent")
	}
	if r.TryAdd(key(7)) == nil {
		t.Fatal("TryAdd after Remove should succeed")
	}
}

func TestRegistry_ConcurrentTryAdd(t *testing.T) {
	r := New()
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryAdd(key(7)) != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
}

func TestRegistry_CancelPending(t *testing.T) {
	r := New()
	var stopped atomic.Int32

	pending := r.TryAdd(key(7))
	pending.Arm(func() bool { stopped.Add(1); return true })

	running := r.TryAdd(key(8))
	running.Arm(func() bool { stopped.Add(1); return true })
	if !running.Start() {
		t.Fatal("Start should succeed once")
	}

	other := domain.Key{ContextID: 1, AccountID: 0, EventID: "99", AlarmID: 9}
	r.TryAdd(other)

	cancelled := r.Cancel(func(k domain.Key) bool { return k.EventID == "42" })

	if len(cancelled) != 1 || cancelled[0] != key(7) {
		t.Fatalf("cancelled = %v, want [%v]", cancelled, key(7))
	}
	if stopped.Load() != 1 {
		t.Errorf("stop calls = %d, want 1", stopped.Load())
	}
	if r.Contains(key(7)) {
		t.Error("cancelled key should be released")
	}
	if !r.Contains(key(8)) {
		t.Error("running key must stay until its task releases it")
	}
	if !r.Contains(other) {
		t.Error("unmatched key must stay")
	}
}

func TestRegistry_CancelAfterTimerFired(t *testing.T) {
	r := New()
	e := r.TryAdd(key(7))
	e.Arm(func() bool { return false })

	if got := r.Cancel(func(domain.Key) bool { return true }); len(got) != 0 {
		t.Fatalf("cancelled = %v, want none", got)
	}
	if !r.Contains(key(7)) {
		t.Error("key whose timer already fired must stay registered")
	}
}

func TestEntry_StartOnce(t *testing.T) {
	e := &Entry{}
	if !e.Start() {
		t.Fatal("first Start should succeed")
	}
	if e.Start() {
		t.Fatal("second Start should fail")
	}
}

func TestRegistry_OnReleaseRunsAfterRemove(t *testing.T) {
	r := New()
	running := r.TryAdd(key(7))
	running.Start()

	var reclaimed *Entry
	if !r.OnRelease(key(7), func() { reclaimed = r.TryAdd(key(7)) }) {
		t.Fatal("OnRelease should attach to an owned key")
	}
	if reclaimed != nil {
		t.Fatal("callback ran before the key was released")
	}

	r.Remove(key(7))

	if reclaimed == nil {
		t.Fatal("callback should claim the key once it is free")
	}
	if !r.Contains(key(7)) {
		t.Error("key claimed by the callback should be owned")
	}

	// The callback fires once.
	r.Remove(key(7))
	if r.Contains(key(7)) {
		t.Error("second Remove should leave the key free")
	}
}

func TestRegistry_OnReleaseFreeKey(t *testing.T) {
	r := New()
	called := false
	if r.OnRelease(key(7), func() { called = true }) {
		t.Fatal("OnRelease on a free key should report false")
	}
	r.TryAdd(key(7))
	r.Remove(key(7))
	if called {
		t.Error("callback refused by OnRelease must never run")
	}
}

func TestRegistry_OnReleaseLatestWins(t *testing.T) {
	r := New()
	r.TryAdd(key(7)).Start()

	var got []int
	r.OnRelease(key(7), func() { got = append(got, 1) })
	r.OnRelease(key(7), func() { got = append(got, 2) })
	r.Remove(key(7))

	if len(got) != 1 || got[0] != 2 {
		t.Errorf("callbacks run = %v, want [2]", got)
	}
}

func TestRegistry_CancelDropsOnRelease(t *testing.T) {
	r := New()
	e := r.TryAdd(key(7))
	e.Arm(func() bool { return true })

	called := false
	r.OnRelease(key(7), func() { called = true })
	r.Cancel(func(domain.Key) bool { return true })

	if called {
		t.Error("cancelled entry must not run its release callback")
	}
	r.TryAdd(key(7))
	r.Remove(key(7))
	if called {
		t.Error("callback of a cancelled entry leaked to the next owner")
	}
}
