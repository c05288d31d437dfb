package fanout

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"govorilka/internal/models"
	"govorilka/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "fanout_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	st, err := store.NewBboltStore(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedIndex(t *testing.T, st store.Store, actorID, convID string) {
	t.Helper()
	err := st.Set(context.Background(), store.CollUserChats, actorID, models.ChatData{
		ChatData: []models.IndexEntry{{ConversationID: convID, Seen: true}},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func readEntry(t *testing.T, st store.Store, actorID, convID string) models.IndexEntry {
	t.Helper()
	snap, err := st.Get(context.Background(), store.CollUserChats, actorID)
	if err != nil {
		t.Fatal(err)
	}
	var data models.ChatData
	if err := snap.Decode(&data); err != nil {
		t.Fatal(err)
	}
	for _, e := range data.ChatData {
		if e.ConversationID == convID {
			return e
		}
	}
	t.Fatalf("no entry for %s in %s's index", convID, actorID)
	return models.IndexEntry{}
}

func TestDeliver(t *testing.T) {
	st := newTestStore(t)
	f := New(st, nil)

	conv := &models.Conversation{
		ID:           "c1",
		Kind:         models.ConversationGroup,
		Participants: []string{"a", "b", "c"},
	}
	for _, id := range conv.Participants {
		seedIndex(t, st, id, "c1")
	}

	if err := f.Deliver(context.Background(), conv, "hello everyone", "a"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	for _, id := range conv.Participants {
		e := readEntry(t, st, id, "c1")
		if e.LastMessage != "hello everyone" {
			t.Errorf("%s: expected preview, got %q", id, e.LastMessage)
		}
		if e.UpdatedAt <= 0 {
			t.Errorf("%s: updatedAt not bumped", id)
		}
		wantSeen := id == "a"
		if e.Seen != wantSeen {
			t.Errorf("%s: expected seen=%v, got %v", id, wantSeen, e.Seen)
		}
	}
}

// failingStore injects an Update failure for one actor's index document.
type failingStore struct {
	store.Store
	failID string
}

func (f *failingStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if collection == store.CollUserChats && id == f.failID {
		return errors.New("injected failure")
	}
	return f.Store.Update(ctx, collection, id, fields)
}

func TestDeliver_PartialFailure(t *testing.T) {
	st := newTestStore(t)
	f := New(&failingStore{Store: st, failID: "b"}, nil)

	conv := &models.Conversation{
		ID:           "c1",
		Kind:         models.ConversationGroup,
		Participants: []string{"a", "b", "c"},
	}
	for _, id := range conv.Participants {
		seedIndex(t, st, id, "c1")
	}

	err := f.Deliver(context.Background(), conv, "hello", "a")
	if err == nil {
		t.Fatal("expected the failed leg to surface")
	}

	// The leg before the failure landed, the failed one and everything
	// after it did not. The indices stay divergent until a later write.
	if e := readEntry(t, st, "a", "c1"); e.LastMessage != "hello" {
		t.Errorf("a's index should be updated, got %q", e.LastMessage)
	}
	if e := readEntry(t, st, "b", "c1"); e.LastMessage != "" {
		t.Errorf("b's index should be untouched, got %q", e.LastMessage)
	}
	if e := readEntry(t, st, "c", "c1"); e.LastMessage != "" {
		t.Errorf("c's index should be untouched, got %q", e.LastMessage)
	}
}

func TestDeliver_MissingEntry(t *testing.T) {
	st := newTestStore(t)
	f := New(st, nil)

	seedIndex(t, st, "a", "c1")
	// b has an index document but no entry for c1.
	if err := st.Set(context.Background(), store.CollUserChats, "b", models.ChatData{ChatData: []models.IndexEntry{}}); err != nil {
		t.Fatal(err)
	}

	conv := &models.Conversation{ID: "c1", Participants: []string{"a", "b"}}
	if err := f.Deliver(context.Background(), conv, "hi", "a"); err != nil {
		t.Fatalf("a missing entry must be skipped, not fatal: %v", err)
	}
}

func TestPreview(t *testing.T) {
	for _, tc := range []struct {
		kind models.MessageKind
		text string
		want string
	}{
		{models.MessageText, "short", "short"},
		{models.MessageText, strings.Repeat("x", 40), strings.Repeat("x", 30)},
		{models.MessageImage, "ignored", "\U0001F4F7 Photo"},
		{models.MessageVideo, "", "\U0001F3A5 Video"},
		{models.MessageAudio, "", "\U0001F3B5 Audio"},
		{models.MessageFile, "", "\U0001F4CE File"},
		{models.MessageSystem, "alice created the group", "alice created the group"},
	} {
		if got := Preview(tc.kind, tc.text); got != tc.want {
			t.Errorf("Preview(%s, %q) = %q, want %q", tc.kind, tc.text, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 30); got != "hello" {
		t.Errorf("short string should pass through, got %q", got)
	}
	// Truncation counts runes, not bytes.
	in := strings.Repeat("д", 35)
	if got := Truncate(in, 30); got != strings.Repeat("д", 30) {
		t.Errorf("expected 30 runes, got %d", len([]rune(got)))
	}
}
