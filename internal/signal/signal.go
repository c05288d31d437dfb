// Package signal stores ephemeral typing indicators. Signals are keyed by
// (conversation, actor), last-writer-wins, and never retained historically.
package signal

import (
	"context"
	"log/slog"

	"govorilka/internal/models"
	"govorilka/internal/store"
)

// TypingStore reads and writes typing signals for a conversation.
type TypingStore interface {
	// Set writes the actor's typing state for the conversation.
	Set(ctx context.Context, conversationID, actorID string, typing bool) error

	// Watch streams the conversation's typing state. The current state is
	// delivered first. The release func must be called on teardown.
	Watch(conversationID string) (<-chan models.TypingSignal, func())
}

// DocStore keeps typing signals in typing/{conversationId} documents of
// the document store. Field-level last-write-wins is the only concurrency
// control, same as every other shared document.
type DocStore struct {
	store store.Store
}

func NewDocStore(st store.Store) *DocStore {
	return &DocStore{store: st}
}

func (d *DocStore) Set(ctx context.Context, conversationID, actorID string, typing bool) error {
	snap, err := d.store.Get(ctx, store.CollTyping, conversationID)
	if err != nil {
		return err
	}
	sig := models.TypingSignal{Typing: map[string]bool{}}
	if snap.Exists {
		if err := snap.Decode(&sig); err != nil {
			return err
		}
		if sig.Typing == nil {
			sig.Typing = map[string]bool{}
		}
	}
	sig.Typing[actorID] = typing
	return d.store.Set(ctx, store.CollTyping, conversationID, sig)
}

func (d *DocStore) Watch(conversationID string) (<-chan models.TypingSignal, func()) {
	snaps, release := d.store.Subscribe(store.CollTyping, conversationID)

	out := make(chan models.TypingSignal, 8)
	go func() {
		defer close(out)
		for snap := range snaps {
			sig := models.TypingSignal{Typing: map[string]bool{}}
			if snap.Exists {
				if err := snap.Decode(&sig); err != nil {
					slog.Warn("failed to decode typing signal", "conversation_id", conversationID, "error", err)
					continue
				}
			}
			select {
			case out <- sig:
			default:
			}
		}
	}()

	var released bool
	return out, func() {
		if released {
			return
		}
		released = true
		release()
	}
}
