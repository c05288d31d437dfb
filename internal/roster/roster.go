// Package roster maintains an actor's live, ordered conversation index:
// one denormalized entry per conversation, direct entries enriched with the
// peer's profile and presence.
package roster

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
	"govorilka/internal/metrics"
	"govorilka/internal/models"
	"govorilka/internal/presence"
	"govorilka/internal/store"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

var (
	ErrConversationExists = errors.New("conversation with this peer already exists")
	ErrEmptyGroupName     = errors.New("group name cannot be empty")
	ErrNoMembers          = errors.New("group needs at least one member")
)

// profileTTL bounds staleness of cached peer profiles. Presence is live
// through per-peer subscriptions; profile fields may lag up to this long.
const profileTTL = 30 * time.Second

// Entry is an index entry enriched for rendering.
type Entry struct {
	models.IndexEntry
	Peer     *models.Actor   // direct conversations only
	Presence models.Presence // direct conversations only
	Unread   bool
}

type peerPresence struct {
	peerID   string
	presence models.Presence
}

type Roster struct {
	store    store.Store
	tracker  *presence.Tracker
	actorID  string
	profiles geche.Geche[string, models.Actor]

	mu        sync.Mutex
	entries   []Entry
	peerWatch map[string]func()

	presenceCh chan peerPresence
	updates    chan []Entry

	now func() time.Time
}

func New(ctx context.Context, st store.Store, tracker *presence.Tracker, actorID string) *Roster {
	return &Roster{
		store:      st,
		tracker:    tracker,
		actorID:    actorID,
		profiles:   geche.NewMapTTLCache[string, models.Actor](ctx, profileTTL, profileTTL),
		peerWatch:  make(map[string]func()),
		presenceCh: make(chan peerPresence, 32),
		updates:    make(chan []Entry, 1),
		now:        time.Now,
	}
}

// Run subscribes to the actor's index document and keeps the entry list
// current until ctx is cancelled. Any change to the document triggers a
// full re-read and re-sort of all entries, not an incremental diff.
func (r *Roster) Run(ctx context.Context) error {
	snaps, release := r.store.Subscribe(store.CollUserChats, r.actorID)
	metrics.ActiveSubscriptions.Inc()
	defer func() {
		release()
		metrics.ActiveSubscriptions.Dec()
		r.releasePeerWatches(nil)
	}()

	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			r.rebuild(ctx, snap)
			r.emit()
		case ev := <-r.presenceCh:
			r.applyPresence(ev)
			r.emit()
		case <-ctx.Done():
			return nil
		}
	}
}

// Updates returns a latest-value stream of the sorted entry list.
func (r *Roster) Updates() <-chan []Entry {
	return r.updates
}

// Entries returns a copy of the current sorted entry list.
func (r *Roster) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

func (r *Roster) rebuild(ctx context.Context, snap store.Snapshot) {
	var data models.ChatData
	if snap.Exists {
		if err := snap.Decode(&data); err != nil {
			slog.Error("failed to decode index document", "actor_id", r.actorID, "error", err)
			return
		}
	}

	peers := make(map[string]bool)
	entries := make([]Entry, 0, len(data.ChatData))
	for _, raw := range data.ChatData {
		e := Entry{
			IndexEntry: raw,
			Unread:     !raw.Seen && raw.LastMessage != "",
		}
		if raw.PeerID != "" {
			peers[raw.PeerID] = true
			if actor, err := r.lookupPeer(ctx, raw.PeerID); err == nil {
				e.Peer = &actor
			} else {
				slog.Warn("failed to resolve peer profile", "peer_id", raw.PeerID, "error", err)
			}
			e.Presence = r.lookupPresence(ctx, raw.PeerID)
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].UpdatedAt > entries[j].UpdatedAt
	})

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	r.reconcilePeerWatches(peers)
}

// lookupPeer resolves a peer profile through the TTL cache.
func (r *Roster) lookupPeer(ctx context.Context, peerID string) (models.Actor, error) {
	if actor, err := r.profiles.Get(peerID); err == nil {
		return actor, nil
	}
	snap, err := r.store.Get(ctx, store.CollUsers, peerID)
	if err != nil {
		return models.Actor{}, err
	}
	var actor models.Actor
	if err := snap.Decode(&actor); err != nil {
		return models.Actor{}, err
	}
	r.profiles.Set(peerID, actor)
	return actor, nil
}

func (r *Roster) lookupPresence(ctx context.Context, peerID string) models.Presence {
	snap, err := r.store.Get(ctx, store.CollUserStatus, peerID)
	if err != nil || !snap.Exists {
		return models.Presence{}
	}
	var p models.Presence
	if err := snap.Decode(&p); err != nil {
		return models.Presence{}
	}
	return p
}

// reconcilePeerWatches keeps exactly one presence subscription per current
// direct peer, releasing subscriptions for peers that left the index.
func (r *Roster) reconcilePeerWatches(peers map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for peerID, release := range r.peerWatch {
		if !peers[peerID] {
			release()
			delete(r.peerWatch, peerID)
		}
	}

	for peerID := range peers {
		if _, ok := r.peerWatch[peerID]; ok {
			continue
		}
		ch, release := r.tracker.Watch(peerID)
		r.peerWatch[peerID] = release
		go func(peerID string) {
			for p := range ch {
				select {
				case r.presenceCh <- peerPresence{peerID: peerID, presence: p}:
				default:
				}
			}
		}(peerID)
	}
}

func (r *Roster) releasePeerWatches(keep map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for peerID, release := range r.peerWatch {
		if keep != nil && keep[peerID] {
			continue
		}
		release()
		delete(r.peerWatch, peerID)
	}
}

func (r *Roster) applyPresence(ev peerPresence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].PeerID == ev.peerID {
			r.entries[i].Presence = ev.presence
			if r.entries[i].Peer != nil {
				r.entries[i].Peer.LastSeen = ev.presence.LastSeen
			}
		}
	}
}

// emit publishes the current entry list, replacing an unconsumed previous
// value so the consumer always sees the latest state.
func (r *Roster) emit() {
	r.mu.Lock()
	entries := append([]Entry(nil), r.entries...)
	r.mu.Unlock()

	for {
		select {
		case r.updates <- entries:
			return
		default:
			select {
			case <-r.updates:
			default:
			}
		}
	}
}

// Search is an exact-match lookup against the actor directory, excluding
// the caller and anyone already present in the caller's index. At most one
// actor matches because usernames are unique.
func (r *Roster) Search(ctx context.Context, usernameQuery string) (*models.Actor, error) {
	username := content.NormalizeUsername(usernameQuery)
	if username == "" {
		return nil, nil
	}

	snaps, err := r.store.Query(ctx, store.CollUsers, "username", username)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}

	var actor models.Actor
	if err := snaps[0].Decode(&actor); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	if actor.ID == r.actorID {
		return nil, nil
	}

	indexed, err := r.readOwnIndex(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range indexed {
		if e.PeerID == actor.ID {
			return nil, nil
		}
	}

	return &actor, nil
}

// StartDirect creates a direct conversation with the peer and an index
// entry on both sides, with empty preview and seen=true. It is a no-op
// when a direct conversation with that peer already exists.
func (r *Roster) StartDirect(ctx context.Context, peerID string) (string, error) {
	indexed, err := r.readOwnIndex(ctx)
	if err != nil {
		return "", err
	}
	for _, e := range indexed {
		if e.PeerID == peerID {
			return "", ErrConversationExists
		}
	}

	conv := models.Conversation{
		ID:           uuid.NewString(),
		Kind:         models.ConversationDirect,
		CreatedAt:    r.now().UnixMilli(),
		UpdatedAt:    r.now().UnixMilli(),
		Participants: []string{r.actorID, peerID},
		Messages:     []models.Message{},
	}
	if err := r.store.Set(ctx, store.CollMessages, conv.ID, conv); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}

	now := r.now().UnixMilli()
	// Peer's entry first, then the caller's, matching the original write
	// order. A failure in between leaves a one-sided conversation.
	peerEntry := models.IndexEntry{
		ConversationID: conv.ID,
		PeerID:         r.actorID,
		LastMessage:    "",
		UpdatedAt:      now,
		Seen:           true,
	}
	if err := r.store.ArrayAppend(ctx, store.CollUserChats, peerID, "chatData", peerEntry); err != nil {
		return "", fmt.Errorf("failed to add peer index entry: %w", err)
	}
	ownEntry := models.IndexEntry{
		ConversationID: conv.ID,
		PeerID:         peerID,
		LastMessage:    "",
		UpdatedAt:      now,
		Seen:           true,
	}
	if err := r.store.ArrayAppend(ctx, store.CollUserChats, r.actorID, "chatData", ownEntry); err != nil {
		return "", fmt.Errorf("failed to add own index entry: %w", err)
	}

	return conv.ID, nil
}

// CreateGroup creates a group conversation with the caller as sole admin,
// appends a system message announcing creation, and adds an index entry to
// every member's index (seen only for the creator).
func (r *Roster) CreateGroup(ctx context.Context, name, description, imageURL string, memberIDs []string) (string, error) {
	name = content.Sanitize(name)
	if name == "" {
		return "", ErrEmptyGroupName
	}
	if len(memberIDs) == 0 {
		return "", ErrNoMembers
	}

	participants := []string{r.actorID}
	seen := map[string]bool{r.actorID: true}
	for _, id := range memberIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, id)
	}

	group := &models.GroupMeta{
		Name:        name,
		Description: content.Sanitize(description),
		ImageURL:    imageURL,
		Admins:      []string{r.actorID},
	}
	conv := models.Conversation{
		ID:           uuid.NewString(),
		Kind:         models.ConversationGroup,
		CreatedAt:    r.now().UnixMilli(),
		UpdatedAt:    r.now().UnixMilli(),
		Participants: participants,
		Group:        group,
		Messages:     []models.Message{},
	}
	if err := r.store.Set(ctx, store.CollMessages, conv.ID, conv); err != nil {
		return "", fmt.Errorf("failed to create group: %w", err)
	}

	creator := r.actorID
	if actor, err := r.lookupPeer(ctx, r.actorID); err == nil {
		creator = actor.Username
	}
	announce := fmt.Sprintf("%s created the group %q", creator, name)
	err := r.store.ArrayAppend(ctx, store.CollMessages, conv.ID, "messages", map[string]any{
		"id":        uuid.NewString(),
		"senderId":  r.actorID,
		"kind":      string(models.MessageSystem),
		"text":      announce,
		"createdAt": store.ServerTimestamp{},
		"read":      false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to append system message: %w", err)
	}

	now := r.now().UnixMilli()
	preview := fanout.Truncate(announce, fanout.PreviewMaxLen)
	for _, member := range participants {
		entry := models.IndexEntry{
			ConversationID: conv.ID,
			Group:          group,
			LastMessage:    preview,
			UpdatedAt:      now,
			Seen:           member == r.actorID,
		}
		if err := r.store.ArrayAppend(ctx, store.CollUserChats, member, "chatData", entry); err != nil {
			return "", fmt.Errorf("failed to add index entry for %s: %w", member, err)
		}
	}

	return conv.ID, nil
}

// Select marks the conversation's index entry seen for the caller. The
// conversation id is returned so the caller can hand it to a channel.
func (r *Roster) Select(ctx context.Context, conversationID string) (string, error) {
	indexed, err := r.readOwnIndex(ctx)
	if err != nil {
		return "", err
	}

	changed := false
	for i := range indexed {
		if indexed[i].ConversationID == conversationID && !indexed[i].Seen {
			indexed[i].Seen = true
			changed = true
		}
	}
	if changed {
		err := r.store.Update(ctx, store.CollUserChats, r.actorID, map[string]any{
			"chatData": indexed,
		})
		if err != nil {
			return "", fmt.Errorf("failed to mark entry seen: %w", err)
		}
	}

	return conversationID, nil
}

func (r *Roster) readOwnIndex(ctx context.Context) ([]models.IndexEntry, error) {
	snap, err := r.store.Get(ctx, store.CollUserChats, r.actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	var data models.ChatData
	if snap.Exists {
		if err := snap.Decode(&data); err != nil {
			return nil, fmt.Errorf("failed to decode index: %w", err)
		}
	}
	return data.ChatData, nil
}
