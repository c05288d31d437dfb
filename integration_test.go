package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"govorilka/internal/auth"
	"govorilka/internal/channel"
	"govorilka/internal/fanout"
	"govorilka/internal/models"
	"govorilka/internal/presence"
	"govorilka/internal/roster"
	sig "govorilka/internal/signal"
	"govorilka/internal/store"

	"github.com/stretchr/testify/require"
)

type world struct {
	store   store.Store
	auth    *auth.Service
	tracker *presence.Tracker
	typing  sig.TypingStore
	fan     *fanout.Fanout
	ctx     context.Context
}

type nopUploader struct{}

func (nopUploader) Upload(_ context.Context, name string, _ []byte, preset string) (string, error) {
	return "http://media.local/" + preset + "/" + name, nil
}

func newWorld(t *testing.T) *world {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "integration_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	st, err := store.NewBboltStore(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &world{
		store:   st,
		auth:    auth.NewService(ctx, auth.Config{TokenExpiry: time.Minute}, st),
		tracker: presence.NewTracker(st, time.Hour),
		typing:  sig.NewDocStore(st),
		fan:     fanout.New(st, nil),
		ctx:     ctx,
	}
}

func (w *world) roster(t *testing.T, actorID string) *roster.Roster {
	t.Helper()
	return roster.New(w.ctx, w.store, w.tracker, actorID)
}

func (w *world) channel(t *testing.T, actorID string) *channel.Channel {
	t.Helper()
	c := channel.New(w.store, w.typing, nopUploader{}, w.fan, actorID, time.Second)
	t.Cleanup(c.Close)
	return c
}

func (w *world) indexEntry(t *testing.T, actorID, convID string) models.IndexEntry {
	t.Helper()
	snap, err := w.store.Get(context.Background(), store.CollUserChats, actorID)
	require.NoError(t, err)
	var data models.ChatData
	require.NoError(t, snap.Decode(&data))
	for _, e := range data.ChatData {
		if e.ConversationID == convID {
			return e
		}
	}
	t.Fatalf("no index entry for %s in %s's index", convID, actorID)
	return models.IndexEntry{}
}

// TestDirectConversationLifecycle walks the full two-actor flow: sign-up,
// discovery, conversation creation, messaging with fan-out, selection and
// read receipts.
func TestDirectConversationLifecycle(t *testing.T) {
	w := newWorld(t)
	r := require.New(t)
	ctx := context.Background()

	alice, _, err := w.auth.SignUp(ctx, "alice", "alice@example.com", "secret", "")
	r.NoError(err)
	bob, _, err := w.auth.SignUp(ctx, "bob", "bob@example.com", "secret", "")
	r.NoError(err)

	stopAlice := w.tracker.Start(ctx, alice.ID)
	defer stopAlice()

	// Alice finds Bob by exact username and starts a conversation.
	rosterA := w.roster(t, alice.ID)
	found, err := rosterA.Search(ctx, "bob")
	r.NoError(err)
	r.NotNil(found)
	r.Equal(bob.ID, found.ID)

	convID, err := rosterA.StartDirect(ctx, bob.ID)
	r.NoError(err)

	// Both sides now have a seen entry with an empty preview, and Bob no
	// longer shows up in Alice's search.
	r.True(w.indexEntry(t, alice.ID, convID).Seen)
	r.True(w.indexEntry(t, bob.ID, convID).Seen)
	r.Empty(w.indexEntry(t, bob.ID, convID).LastMessage)
	found, err = rosterA.Search(ctx, "bob")
	r.NoError(err)
	r.Nil(found)

	// Alice sends a message; the preview fans out, unseen for Bob only.
	chA := w.channel(t, alice.ID)
	chA.Open(convID)
	r.NoError(chA.Send(ctx, "hello bob, this is a fairly long greeting message", nil))

	entryB := w.indexEntry(t, bob.ID, convID)
	r.False(entryB.Seen)
	r.Len([]rune(entryB.LastMessage), fanout.PreviewMaxLen)
	r.True(w.indexEntry(t, alice.ID, convID).Seen)

	// Bob selects the conversation and reads it.
	rosterB := w.roster(t, bob.ID)
	selected, err := rosterB.Select(ctx, convID)
	r.NoError(err)
	r.Equal(convID, selected)
	r.True(w.indexEntry(t, bob.ID, convID).Seen)

	chB := w.channel(t, bob.ID)
	chB.Open(convID)
	r.NoError(chB.MarkIncomingAsRead(ctx))

	snap, err := w.store.Get(ctx, store.CollMessages, convID)
	r.NoError(err)
	var conv models.Conversation
	r.NoError(snap.Decode(&conv))
	r.Len(conv.Messages, 1)
	r.True(conv.Messages[0].Read)

	// Bob's live view converges on the read message.
	waitMessages(t, chB, func(msgs []models.Message) bool {
		return len(msgs) == 1 && msgs[0].Read
	})
}

// TestGroupConversationLifecycle covers group creation, the announce
// message and fan-out across more than two participants.
func TestGroupConversationLifecycle(t *testing.T) {
	w := newWorld(t)
	r := require.New(t)
	ctx := context.Background()

	alice, _, err := w.auth.SignUp(ctx, "alice", "alice@example.com", "secret", "")
	r.NoError(err)
	bob, _, err := w.auth.SignUp(ctx, "bob", "bob@example.com", "secret", "")
	r.NoError(err)
	carol, _, err := w.auth.SignUp(ctx, "carol", "carol@example.com", "secret", "")
	r.NoError(err)

	rosterA := w.roster(t, alice.ID)
	convID, err := rosterA.CreateGroup(ctx, "Team", "the team", "", []string{bob.ID, carol.ID})
	r.NoError(err)

	snap, err := w.store.Get(ctx, store.CollMessages, convID)
	r.NoError(err)
	var conv models.Conversation
	r.NoError(snap.Decode(&conv))
	r.Equal(models.ConversationGroup, conv.Kind)
	r.Len(conv.Participants, 3)
	r.Equal([]string{alice.ID}, conv.Group.Admins)
	r.Len(conv.Messages, 1)
	r.Equal(models.MessageSystem, conv.Messages[0].Kind)
	r.Equal(`alice created the group "Team"`, conv.Messages[0].Text)

	r.True(w.indexEntry(t, alice.ID, convID).Seen)
	r.False(w.indexEntry(t, bob.ID, convID).Seen)
	r.False(w.indexEntry(t, carol.ID, convID).Seen)

	// Bob posts; everyone's entry updates, seen only for Bob.
	chB := w.channel(t, bob.ID)
	chB.Open(convID)
	r.NoError(chB.Send(ctx, "hi all", nil))

	for _, tc := range []struct {
		id   string
		seen bool
	}{
		{alice.ID, false},
		{bob.ID, true},
		{carol.ID, false},
	} {
		e := w.indexEntry(t, tc.id, convID)
		r.Equal(tc.seen, e.Seen, "participant %s", tc.id)
		r.Equal("hi all", e.LastMessage)
	}
}

// TestTypingRoundTrip drives the debounced typing signal from one side
// and observes it on the other.
func TestTypingRoundTrip(t *testing.T) {
	w := newWorld(t)
	r := require.New(t)
	ctx := context.Background()

	alice, _, err := w.auth.SignUp(ctx, "alice", "alice@example.com", "secret", "")
	r.NoError(err)
	bob, _, err := w.auth.SignUp(ctx, "bob", "bob@example.com", "secret", "")
	r.NoError(err)

	rosterA := w.roster(t, alice.ID)
	convID, err := rosterA.StartDirect(ctx, bob.ID)
	r.NoError(err)

	chA := channel.New(w.store, w.typing, nopUploader{}, w.fan, alice.ID, 50*time.Millisecond)
	t.Cleanup(chA.Close)
	chB := w.channel(t, bob.ID)
	chA.Open(convID)
	chB.Open(convID)

	chA.SetTyping(true)
	waitPeerTyping(t, chB, true)

	// The quiet period elapses without further keystrokes.
	waitPeerTyping(t, chB, false)
}

func waitMessages(t *testing.T, c *channel.Channel, cond func([]models.Message) bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msgs := <-c.Messages():
			if cond(msgs) {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for message state")
		}
	}
}

func waitPeerTyping(t *testing.T, c *channel.Channel, want bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
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
