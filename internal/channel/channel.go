// Package channel drives a single active conversation: its live message
// stream, the peer's typing signal, sending and read receipts.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"govorilka/internal/content"
	"govorilka/internal/fanout"
	"govorilka/internal/media"
	"govorilka/internal/metrics"
	"govorilka/internal/models"
	"govorilka/internal/signal"
	"govorilka/internal/store"

	"github.com/google/uuid"
)

var (
	ErrNoConversation = errors.New("no conversation selected")
	ErrEmptyMessage   = errors.New("message needs text or an attachment")
)

// UploadPreset identifies chat attachments at the media store.
const UploadPreset = "chat-app"

// State of the channel over its active conversation id.
type State int

const (
	Idle State = iota
	Loading
	Active
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Active:
		return "active"
	default:
		return "idle"
	}
}

type Channel struct {
	store    store.Store
	typing   signal.TypingStore
	uploader media.Uploader
	fan      *fanout.Fanout
	actorID  string
	quiet    time.Duration

	mu         sync.Mutex
	state      State
	convID     string
	conv       *models.Conversation
	releases   []func()
	messagesCh chan []models.Message
	typingCh   chan bool

	// Latest typing signal observed while the conversation was still
	// loading, replayed once the first message snapshot lands.
	pendingTyping *models.TypingSignal

	typingActive bool
	typingTimer  *time.Timer

	now func() time.Time
}

func New(st store.Store, typ signal.TypingStore, up media.Uploader, fan *fanout.Fanout, actorID string, quiet time.Duration) *Channel {
	return &Channel{
		store:      st,
		typing:     typ,
		uploader:   up,
		fan:        fan,
		actorID:    actorID,
		quiet:      quiet,
		messagesCh: make(chan []models.Message, 1),
		typingCh:   make(chan bool, 1),
		now:        time.Now,
	}
}

// Open focuses the channel on a conversation. A different id releases the
// previous subscriptions and transitions through Loading; an empty id is
// equivalent to Close.
func (c *Channel) Open(conversationID string) {
	if conversationID == "" {
		c.Close()
		return
	}

	c.mu.Lock()
	if c.convID == conversationID {
		c.mu.Unlock()
		return
	}
	c.releaseLocked()
	c.convID = conversationID
	c.state = Loading
	c.conv = nil

	msgSnaps, msgRelease := c.store.Subscribe(store.CollMessages, conversationID)
	typSignals, typRelease := c.typing.Watch(conversationID)
	metrics.ActiveSubscriptions.Add(2)
	c.releases = []func(){msgRelease, typRelease, func() { metrics.ActiveSubscriptions.Sub(2) }}
	c.mu.Unlock()

	go c.pumpMessages(conversationID, msgSnaps)
	go c.pumpTyping(conversationID, typSignals)
}

// Close returns the channel to Idle, releasing both subscriptions and
// clearing the caller's typing signal if it was set.
func (c *Channel) Close() {
	c.mu.Lock()
	convID := c.convID
	wasTyping := c.typingActive
	c.releaseLocked()
	c.convID = ""
	c.conv = nil
	c.state = Idle
	c.mu.Unlock()

	if wasTyping && convID != "" {
		c.writeTyping(convID, false)
	}
}

func (c *Channel) releaseLocked() {
	for _, release := range c.releases {
		release()
	}
	c.releases = nil
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingActive = false
	c.pendingTyping = nil
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationID returns the focused conversation id, or "".
func (c *Channel) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convID
}

// Messages returns a latest-value stream of the ordered message history.
func (c *Channel) Messages() <-chan []models.Message {
	return c.messagesCh
}

// PeerTyping returns a latest-value stream of the peer's typing state.
// Group conversations never emit.
func (c *Channel) PeerTyping() <-chan bool {
	return c.typingCh
}

func (c *Channel) pumpMessages(conversationID string, snaps <-chan store.Snapshot) {
	for snap := range snaps {
		var conv models.Conversation
		if snap.Exists {
			if err := snap.Decode(&conv); err != nil {
				slog.Error("failed to decode conversation", "conversation_id", conversationID, "error", err)
				continue
			}
		}

		// Store-assigned timestamps are the ordering authority; the
		// append order already matches but a sort keeps the invariant
		// explicit.
		msgs := append([]models.Message(nil), conv.Messages...)
		sort.SliceStable(msgs, func(i, j int) bool {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		})

		c.mu.Lock()
		if c.convID != conversationID {
			c.mu.Unlock()
			return
		}
		c.conv = &conv
		c.state = Active
		pending := c.pendingTyping
		c.pendingTyping = nil
		c.mu.Unlock()

		emitLatest(c.messagesCh, msgs)

		// A peer already typing when the channel opened was observed
		// before the conversation was known.
		if pending != nil && conv.Kind == models.ConversationDirect {
			emitLatest(c.typingCh, pending.Typing[conv.PeerOf(c.actorID)])
		}
	}
}

func (c *Channel) pumpTyping(conversationID string, signals <-chan models.TypingSignal) {
	for sig := range signals {
		c.mu.Lock()
		if c.convID != conversationID {
			c.mu.Unlock()
			return
		}
		conv := c.conv
		if conv == nil {
			// Conversation still loading; keep only the newest signal.
			pending := sig
			c.pendingTyping = &pending
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()

		// Typing indication applies to direct conversations only.
		if conv.Kind != models.ConversationDirect {
			continue
		}
		peer := conv.PeerOf(c.actorID)
		emitLatest(c.typingCh, sig.Typing[peer])
	}
}

// Send validates, uploads the attachment if present, appends the message
// with a store-assigned timestamp, bumps the conversation's last-activity
// time and fans the preview out to every participant's index. An upload
// failure aborts the send with nothing written.
func (c *Channel) Send(ctx context.Context, text string, att *media.Attachment) error {
	started := c.now()

	c.mu.Lock()
	convID := c.convID
	c.mu.Unlock()
	if convID == "" {
		return ErrNoConversation
	}

	text = content.Sanitize(text)
	if text == "" && att == nil {
		return ErrEmptyMessage
	}

	kind := models.MessageText
	attachmentURL := ""
	if att != nil {
		url, err := c.uploader.Upload(ctx, att.Name, att.Payload, UploadPreset)
		if err != nil {
			return fmt.Errorf("failed to upload attachment: %w", err)
		}
		attachmentURL = url
		kind = media.Kind(att.Payload, "")
	}

	err := c.store.ArrayAppend(ctx, store.CollMessages, convID, "messages", map[string]any{
		"id":            uuid.NewString(),
		"senderId":      c.actorID,
		"kind":          string(kind),
		"text":          text,
		"attachmentUrl": attachmentURL,
		"createdAt":     store.ServerTimestamp{},
		"read":          false,
	})
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	err = c.store.Update(ctx, store.CollMessages, convID, map[string]any{
		"updatedAt": store.ServerTimestamp{},
	})
	if err != nil {
		return fmt.Errorf("failed to bump conversation activity: %w", err)
	}

	snap, err := c.store.Get(ctx, store.CollMessages, convID)
	if err != nil {
		return fmt.Errorf("failed to read conversation: %w", err)
	}
	var conv models.Conversation
	if err := snap.Decode(&conv); err != nil {
		return fmt.Errorf("failed to decode conversation: %w", err)
	}

	if err := c.fan.Deliver(ctx, &conv, fanout.Preview(kind, text), c.actorID); err != nil {
		// The message is written; only some index copies are stale now.
		// No rollback, no retry: a later successful send repairs them.
		slog.Error("fan-out incomplete", "conversation_id", convID, "error", err)
	}

	metrics.MessagesSent.WithLabelValues(string(kind)).Inc()
	metrics.SendLatency.Observe(c.now().Sub(started).Seconds())
	return nil
}

// MarkIncomingAsRead flips the read flag of every message in the current
// view authored by someone else. Idempotent: a second call in a row
// produces no further writes.
func (c *Channel) MarkIncomingAsRead(ctx context.Context) error {
	c.mu.Lock()
	convID := c.convID
	c.mu.Unlock()
	if convID == "" {
		return ErrNoConversation
	}

	snap, err := c.store.Get(ctx, store.CollMessages, convID)
	if err != nil {
		return fmt.Errorf("failed to read conversation: %w", err)
	}
	var conv models.Conversation
	if err := snap.Decode(&conv); err != nil {
		return fmt.Errorf("failed to decode conversation: %w", err)
	}

	changed := false
	for i := range conv.Messages {
		if conv.Messages[i].SenderID != c.actorID && !conv.Messages[i].Read {
			conv.Messages[i].Read = true
			changed = true
		}
	}
	if !changed {
		return nil
	}

	err = c.store.Update(ctx, store.CollMessages, convID, map[string]any{
		"messages": conv.Messages,
	})
	if err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	return nil
}

// emitLatest replaces an unconsumed value so the consumer always observes
// the newest state.
func emitLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
