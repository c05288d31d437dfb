package channel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"govorilka/internal/fanout"
	"govorilka/internal/media"
	"govorilka/internal/models"
	"govorilka/internal/signal"
	"govorilka/internal/store"
)

type fakeUploader struct {
	mu      sync.Mutex
	uploads int
	fail    bool
}

func (u *fakeUploader) Upload(_ context.Context, name string, _ []byte, preset string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail {
		return "", errors.New("upload rejected")
	}
	u.uploads++
	return "http://media.local/" + preset + "/" + name, nil
}

// countingStore counts Update calls so tests can assert write suppression.
type countingStore struct {
	store.Store
	mu      sync.Mutex
	updates int
}

func (c *countingStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.Store.Update(ctx, collection, id, fields)
}

func (c *countingStore) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

type fixture struct {
	store    store.Store
	typing   *signal.DocStore
	uploader *fakeUploader
	convID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "channel_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	st, err := store.NewBboltStore(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	conv := models.Conversation{
		ID:           "c1",
		Kind:         models.ConversationDirect,
		Participants: []string{"a", "b"},
		Messages:     []models.Message{},
	}
	if err := st.Set(ctx, store.CollMessages, conv.ID, conv); err != nil {
		t.Fatal(err)
	}
	for _, id := range conv.Participants {
		err := st.Set(ctx, store.CollUserChats, id, models.ChatData{
			ChatData: []models.IndexEntry{{ConversationID: conv.ID, Seen: true}},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	return &fixture{
		store:    st,
		typing:   signal.NewDocStore(st),
		uploader: &fakeUploader{},
		convID:   conv.ID,
	}
}

func (f *fixture) channel(t *testing.T, st store.Store, actorID string, quiet time.Duration) *Channel {
	t.Helper()
	if st == nil {
		st = f.store
	}
	c := New(st, f.typing, f.uploader, fanout.New(st, nil), actorID, quiet)
	t.Cleanup(c.Close)
	return c
}

func (f *fixture) readConv(t *testing.T) models.Conversation {
	t.Helper()
	snap, err := f.store.Get(context.Background(), store.CollMessages, f.convID)
	if err != nil {
		t.Fatal(err)
	}
	var conv models.Conversation
	if err := snap.Decode(&conv); err != nil {
		t.Fatal(err)
	}
	return conv
}

func (f *fixture) readEntry(t *testing.T, actorID string) models.IndexEntry {
	t.Helper()
	snap, err := f.store.Get(context.Background(), store.CollUserChats, actorID)
	if err != nil {
		t.Fatal(err)
	}
	var data models.ChatData
	if err := snap.Decode(&data); err != nil {
		t.Fatal(err)
	}
	return data.ChatData[0]
}

func TestOpenClose(t *testing.T) {
	f := newFixture(t)
	c := f.channel(t, nil, "a", time.Second)

	if c.State() != Idle {
		t.Errorf("expected Idle, got %s", c.State())
	}

	c.Open(f.convID)
	if got := c.ConversationID(); got != f.convID {
		t.Errorf("expected focused conversation %s, got %s", f.convID, got)
	}

	// The first snapshot activates the channel.
	deadline := time.After(2 * time.Second)
	for c.State() != Active {
		select {
		case <-deadline:
			t.Fatalf("channel never became Active, stuck in %s", c.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Re-opening the same conversation is a no-op.
	c.Open(f.convID)
	if c.State() != Active {
		t.Errorf("re-open must not reset state, got %s", c.State())
	}

	c.Close()
	if c.State() != Idle || c.ConversationID() != "" {
		t.Errorf("expected Idle after Close, got %s %q", c.State(), c.ConversationID())
	}

	t.Run("EmptyIDClosesChannel", func(t *testing.T) {
		c.Open(f.convID)
		c.Open("")
		if c.State() != Idle {
			t.Errorf("expected Idle, got %s", c.State())
		}
	})
}

func TestSend(t *testing.T) {
	f := newFixture(t)
	c := f.channel(t, nil, "a", time.Second)
	ctx := context.Background()

	t.Run("NoConversation", func(t *testing.T) {
		if err := c.Send(ctx, "hi", nil); !errors.Is(err, ErrNoConversation) {
			t.Errorf("expected ErrNoConversation, got %v", err)
		}
	})

	c.Open(f.convID)

	t.Run("Empty", func(t *testing.T) {
		if err := c.Send(ctx, "   ", nil); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("expected ErrEmptyMessage, got %v", err)
		}
		if got := f.readConv(t); len(got.Messages) != 0 {
			t.Errorf("empty send must write nothing, got %d messages", len(got.Messages))
		}
	})

	t.Run("Text", func(t *testing.T) {
		if err := c.Send(ctx, "hello <script>x</script>there", nil); err != nil {
			t.Fatalf("Send failed: %v", err)
		}

		conv := f.readConv(t)
		if len(conv.Messages) != 1 {
			t.Fatalf("expected 1 message, got %d", len(conv.Messages))
		}
		msg := conv.Messages[0]
		if msg.SenderID != "a" || msg.Kind != models.MessageText {
			t.Errorf("unexpected message: %+v", msg)
		}
		if msg.Text == "" || msg.Text != "hello there" {
			t.Errorf("expected sanitized text, got %q", msg.Text)
		}
		if msg.CreatedAt <= 0 {
			t.Error("message must carry a server timestamp")
		}
		if msg.Read {
			t.Error("new message must start unread")
		}
		if conv.UpdatedAt < msg.CreatedAt {
			t.Error("conversation activity must be bumped past the message")
		}

		// Fan-out: sender seen, recipient not.
		if e := f.readEntry(t, "a"); !e.Seen || e.LastMessage != "hello there" {
			t.Errorf("unexpected sender entry: %+v", e)
		}
		if e := f.readEntry(t, "b"); e.Seen || e.LastMessage != "hello there" {
			t.Errorf("unexpected recipient entry: %+v", e)
		}
	})

	t.Run("Attachment", func(t *testing.T) {
		png := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 16)...)
		err := c.Send(ctx, "", &media.Attachment{Name: "pic.png", Payload: png})
		if err != nil {
			t.Fatalf("Send with attachment failed: %v", err)
		}

		conv := f.readConv(t)
		msg := conv.Messages[len(conv.Messages)-1]
		if msg.Kind != models.MessageImage {
			t.Errorf("expected image kind, got %s", msg.Kind)
		}
		if msg.AttachmentURL == "" {
			t.Error("expected an attachment URL")
		}
		if e := f.readEntry(t, "b"); e.LastMessage != "\U0001F4F7 Photo" {
			t.Errorf("expected photo preview, got %q", e.LastMessage)
		}
	})

	t.Run("UploadFailureAborts", func(t *testing.T) {
		before := len(f.readConv(t).Messages)
		f.uploader.fail = true
		defer func() { f.uploader.fail = false }()

		err := c.Send(ctx, "", &media.Attachment{Name: "x", Payload: []byte{1, 2, 3}})
		if err == nil {
			t.Fatal("expected upload failure to surface")
		}
		if got := len(f.readConv(t).Messages); got != before {
			t.Errorf("failed upload must write nothing, got %d messages", got)
		}
	})
}

func TestMessagesStreamOrdering(t *testing.T) {
	f := newFixture(t)
	c := f.channel(t, nil, "a", time.Second)
	ctx := context.Background()

	c.Open(f.convID)
	for _, text := range []string{"first", "second", "third"} {
		if err := c.Send(ctx, text, nil); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msgs := <-c.Messages():
			if len(msgs) < 3 {
				continue
			}
			for i := 1; i < len(msgs); i++ {
				if msgs[i].CreatedAt <= msgs[i-1].CreatedAt {
					t.Fatalf("messages out of order at %d: %+v", i, msgs)
				}
			}
			if msgs[0].Text != "first" || msgs[2].Text != "third" {
				t.Fatalf("unexpected order: %q %q %q", msgs[0].Text, msgs[1].Text, msgs[2].Text)
			}
			return
		case <-deadline:
			t.Fatal("timeout waiting for message stream")
		}
	}
}

func TestMarkIncomingAsRead(t *testing.T) {
	f := newFixture(t)
	counting := &countingStore{Store: f.store}
	cA := f.channel(t, nil, "a", time.Second)
	cB := f.channel(t, counting, "b", time.Second)
	ctx := context.Background()

	cA.Open(f.convID)
	if err := cA.Send(ctx, "hello", nil); err != nil {
		t.Fatal(err)
	}

	cB.Open(f.convID)
	if err := cB.MarkIncomingAsRead(ctx); err != nil {
		t.Fatalf("MarkIncomingAsRead failed: %v", err)
	}
	conv := f.readConv(t)
	if !conv.Messages[0].Read {
		t.Error("incoming message should be read")
	}

	// Idempotent: no further writes when nothing changed.
	before := counting.updateCount()
	if err := cB.MarkIncomingAsRead(ctx); err != nil {
		t.Fatal(err)
	}
	if counting.updateCount() != before {
		t.Error("second call must produce no writes")
	}

	// Own messages are never flipped by the sender.
	if err := cA.MarkIncomingAsRead(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestPeerTyping(t *testing.T) {
	f := newFixture(t)
	c := f.channel(t, nil, "a", time.Second)

	c.Open(f.convID)
	deadline := time.After(2 * time.Second)
	for c.State() != Active {
		select {
		case <-deadline:
			t.Fatal("channel never became Active")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The peer starts typing.
	if err := f.typing.Set(context.Background(), f.convID, "b", true); err != nil {
		t.Fatal(err)
	}
	waitTyping(t, c, true)

	if err := f.typing.Set(context.Background(), f.convID, "b", false); err != nil {
		t.Fatal(err)
	}
	waitTyping(t, c, false)
}

func TestPeerTyping_AlreadyTypingOnOpen(t *testing.T) {
	f := newFixture(t)

	// The peer is typing before this side opens the conversation; the
	// signal observed during loading must surface once it is loaded.
	if err := f.typing.Set(context.Background(), f.convID, "b", true); err != nil {
		t.Fatal(err)
	}

	c := f.channel(t, nil, "a", time.Second)
	c.Open(f.convID)
	waitTyping(t, c, true)
}

func waitTyping(t *testing.T, c *Channel, want bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-c.PeerTyping():
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("never observed peer typing=%v", want)
		}
	}
}
