// Package fanout propagates a sent message's denormalized summary into
// every participant's conversation index.
//
// The legs are N independent read-modify-write operations, issued
// sequentially and each awaited, with no transaction, retry or rollback.
// A failure partway through leaves the already-updated indices new and the
// rest stale until a later write repairs them. This divergence is inherent
// to the multi-document design and is reported, not compensated.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"govorilka/internal/metrics"
	"govorilka/internal/models"
	"govorilka/internal/store"
)

// PreviewMaxLen is the preview truncation length, in runes.
const PreviewMaxLen = 30

type Fanout struct {
	store store.Store
	push  *Push
	now   func() time.Time
}

// New creates a Fanout. push may be nil to disable notifications.
func New(st store.Store, push *Push) *Fanout {
	return &Fanout{store: st, push: push, now: time.Now}
}

// Deliver updates every participant's index entry for the conversation:
// lastMessage, updatedAt, and seen (true only for the sender). The first
// failed leg aborts the remaining ones.
func (f *Fanout) Deliver(ctx context.Context, conv *models.Conversation, preview, senderID string) error {
	preview = Truncate(preview, PreviewMaxLen)

	for _, participant := range conv.Participants {
		if err := f.updateIndex(ctx, participant, conv.ID, preview, participant == senderID); err != nil {
			metrics.FanoutLegs.WithLabelValues("failed").Inc()
			return fmt.Errorf("fan-out to %s: %w", participant, err)
		}
		metrics.FanoutLegs.WithLabelValues("ok").Inc()
	}

	if f.push != nil {
		// Best effort, after the index legs. Failures are logged inside.
		f.push.NotifyOffline(ctx, conv, preview, senderID)
	}

	return nil
}

func (f *Fanout) updateIndex(ctx context.Context, actorID, conversationID, preview string, seen bool) error {
	snap, err := f.store.Get(ctx, store.CollUserChats, actorID)
	if err != nil {
		return err
	}
	var data models.ChatData
	if err := snap.Decode(&data); err != nil {
		return err
	}

	found := false
	for i := range data.ChatData {
		if data.ChatData[i].ConversationID != conversationID {
			continue
		}
		data.ChatData[i].LastMessage = preview
		data.ChatData[i].UpdatedAt = f.now().UnixMilli()
		data.ChatData[i].Seen = seen
		found = true
		break
	}
	if !found {
		// Should not happen: every participant gets an entry at creation.
		slog.Warn("index entry missing during fan-out", "actor_id", actorID, "conversation_id", conversationID)
		return nil
	}

	return f.store.Update(ctx, store.CollUserChats, actorID, map[string]any{
		"chatData": data.ChatData,
	})
}

// Preview builds the index preview for a message: attachment kinds map to
// a fixed icon and label, text is truncated.
func Preview(kind models.MessageKind, text string) string {
	switch kind {
	case models.MessageImage:
		return "\U0001F4F7 Photo"
	case models.MessageVideo:
		return "\U0001F3A5 Video"
	case models.MessageAudio:
		return "\U0001F3B5 Audio"
	case models.MessageFile:
		return "\U0001F4CE File"
	default:
		return Truncate(text, PreviewMaxLen)
	}
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
