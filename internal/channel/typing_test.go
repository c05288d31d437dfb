package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"govorilka/internal/fanout"
	"govorilka/internal/models"
)

// recordingTypingStore records every Set transition in order.
type recordingTypingStore struct {
	mu     sync.Mutex
	writes []bool
}

func (r *recordingTypingStore) Set(_ context.Context, _, _ string, typing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, typing)
	return nil
}

func (r *recordingTypingStore) Watch(string) (<-chan models.TypingSignal, func()) {
	ch := make(chan models.TypingSignal)
	return ch, func() { close(ch) }
}

func (r *recordingTypingStore) recorded() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.writes...)
}

func newTypingChannel(t *testing.T, rec *recordingTypingStore, quiet time.Duration) *Channel {
	t.Helper()
	f := newFixture(t)
	c := New(f.store, rec, f.uploader, fanout.New(f.store, nil), "a", quiet)
	t.Cleanup(c.Close)
	c.Open(f.convID)
	return c
}

func TestSetTyping_Debounce(t *testing.T) {
	rec := &recordingTypingStore{}
	c := newTypingChannel(t, rec, 50*time.Millisecond)

	// A burst of keystrokes produces exactly one start.
	for i := 0; i < 5; i++ {
		c.SetTyping(true)
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.recorded(); len(got) != 1 || !got[0] {
		t.Fatalf("expected exactly one start write, got %v", got)
	}

	// The quiet period elapses and produces exactly one stop.
	deadline := time.After(2 * time.Second)
	for {
		got := rec.recorded()
		if len(got) == 2 {
			if got[1] {
				t.Fatalf("expected a stop transition, got %v", got)
			}
			break
		}
		if len(got) > 2 {
			t.Fatalf("too many writes: %v", got)
		}
		select {
		case <-deadline:
			t.Fatalf("stop transition never written, got %v", rec.recorded())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A fresh burst starts a new cycle.
	c.SetTyping(true)
	if got := rec.recorded(); len(got) != 3 || !got[2] {
		t.Fatalf("expected a new start write, got %v", got)
	}
}

func TestSetTyping_ExplicitStop(t *testing.T) {
	rec := &recordingTypingStore{}
	c := newTypingChannel(t, rec, time.Hour)

	c.SetTyping(true)
	c.SetTyping(false)

	got := rec.recorded()
	if len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("expected start then immediate stop, got %v", got)
	}

	// Stop when not typing writes nothing.
	c.SetTyping(false)
	if got := rec.recorded(); len(got) != 2 {
		t.Fatalf("redundant stop must not write, got %v", got)
	}
}

func TestSetTyping_ClearedOnClose(t *testing.T) {
	rec := &recordingTypingStore{}
	c := newTypingChannel(t, rec, time.Hour)

	c.SetTyping(true)
	c.Close()

	got := rec.recorded()
	if len(got) != 2 || got[1] {
		t.Fatalf("Close must clear an active typing signal, got %v", got)
	}
}

func TestSetTyping_NoConversation(t *testing.T) {
	rec := &recordingTypingStore{}
	f := newFixture(t)
	c := New(f.store, rec, f.uploader, fanout.New(f.store, nil), "a", time.Hour)
	t.Cleanup(c.Close)

	c.SetTyping(true)
	if got := rec.recorded(); len(got) != 0 {
		t.Fatalf("typing without a conversation must write nothing, got %v", got)
	}
}
