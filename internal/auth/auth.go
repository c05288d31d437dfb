package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"govorilka/internal/content"
	"govorilka/internal/models"
	"govorilka/internal/store"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	defaultBio         = "Hey there! I am using Chat App"

	collCredentials = "credentials"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

type credentials struct {
	ActorID      string `msgpack:"actorId"`
	Email        string `msgpack:"email"`
	PasswordHash string `msgpack:"passwordHash"`
}

type Config struct {
	TokenExpiry time.Duration
}

// Service is the authentication collaborator: credential issuance plus a
// current-actor notification stream. Sign-up also provisions the actor's
// profile, empty conversation index and status documents.
type Service struct {
	cfg   Config
	store store.Store

	liveTokens geche.Geche[string, string]

	mu      sync.Mutex
	current string
	subs    []*actorSub

	now func() time.Time
}

type actorSub struct {
	ch     chan string
	closed bool
}

func NewService(ctx context.Context, cfg Config, st store.Store) *Service {
	if cfg.TokenExpiry <= 0 {
		cfg.TokenExpiry = DefaultTokenExpiry
	}
	return &Service{
		cfg:        cfg,
		store:      st,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, cfg.TokenExpiry, time.Minute),
		now:        time.Now,
	}
}

// SignUp registers a new actor and signs them in. The username must be
// unique after case normalization.
func (s *Service) SignUp(ctx context.Context, username, email, password, avatarURL string) (models.Actor, string, error) {
	username = content.NormalizeUsername(username)
	if err := content.ValidateUsername(username); err != nil {
		return models.Actor{}, "", err
	}
	if email == "" || password == "" {
		return models.Actor{}, "", errors.New("email and password are required")
	}

	taken, err := s.store.Query(ctx, store.CollUsers, "username", username)
	if err != nil {
		return models.Actor{}, "", fmt.Errorf("failed to check username: %w", err)
	}
	if len(taken) > 0 {
		return models.Actor{}, "", ErrUserExists
	}
	taken, err = s.store.Query(ctx, collCredentials, "email", email)
	if err != nil {
		return models.Actor{}, "", fmt.Errorf("failed to check email: %w", err)
	}
	if len(taken) > 0 {
		return models.Actor{}, "", ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Actor{}, "", fmt.Errorf("failed to hash password: %w", err)
	}

	actor := models.Actor{
		ID:          uuid.NewString(),
		Username:    username,
		Email:       email,
		DisplayName: username,
		Bio:         defaultBio,
		AvatarURL:   avatarURL,
		LastSeen:    s.now().UnixMilli(),
	}

	if err := s.store.Set(ctx, collCredentials, actor.ID, credentials{
		ActorID:      actor.ID,
		Email:        email,
		PasswordHash: string(hash),
	}); err != nil {
		return models.Actor{}, "", fmt.Errorf("failed to store credentials: %w", err)
	}
	if err := s.store.Set(ctx, store.CollUsers, actor.ID, actor); err != nil {
		return models.Actor{}, "", fmt.Errorf("failed to store profile: %w", err)
	}
	if err := s.store.Set(ctx, store.CollUserChats, actor.ID, models.ChatData{ChatData: []models.IndexEntry{}}); err != nil {
		return models.Actor{}, "", fmt.Errorf("failed to store index: %w", err)
	}
	if err := s.store.Set(ctx, store.CollUserStatus, actor.ID, models.Presence{
		Online:   false,
		LastSeen: actor.LastSeen,
	}); err != nil {
		return models.Actor{}, "", fmt.Errorf("failed to store status: %w", err)
	}

	token := s.issueToken(actor.ID)
	s.setCurrent(actor.ID)
	return actor, token, nil
}

// LogIn authenticates by email and password and signs the actor in.
func (s *Service) LogIn(ctx context.Context, email, password string) (models.Actor, string, error) {
	snaps, err := s.store.Query(ctx, collCredentials, "email", email)
	if err != nil {
		return models.Actor{}, "", fmt.Errorf("failed to look up credentials: %w", err)
	}
	if len(snaps) == 0 {
		return models.Actor{}, "", ErrInvalidCredentials
	}

	var creds credentials
	if err := snaps[0].Decode(&creds); err != nil {
		return models.Actor{}, "", fmt.Errorf("failed to decode credentials: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)) != nil {
		slog.Warn("login failed", "email", email)
		return models.Actor{}, "", ErrInvalidCredentials
	}

	snap, err := s.store.Get(ctx, store.CollUsers, creds.ActorID)
	if err != nil {
		return models.Actor{}, "", fmt.Errorf("failed to load profile: %w", err)
	}
	var actor models.Actor
	if err := snap.Decode(&actor); err != nil {
		return models.Actor{}, "", fmt.Errorf("failed to decode profile: %w", err)
	}

	token := s.issueToken(actor.ID)
	s.setCurrent(actor.ID)
	return actor, token, nil
}

// UpdateProfile edits the actor's profile document. Empty arguments leave
// the corresponding field unchanged, so an edit without a new avatar keeps
// the old one. Text fields are sanitized before storage.
func (s *Service) UpdateProfile(ctx context.Context, actorID, displayName, bio, avatarURL string) (models.Actor, error) {
	snap, err := s.store.Get(ctx, store.CollUsers, actorID)
	if err != nil {
		return models.Actor{}, fmt.Errorf("failed to load profile: %w", err)
	}
	var actor models.Actor
	if err := snap.Decode(&actor); err != nil {
		return models.Actor{}, err
	}

	fields := map[string]any{}
	if v := content.Sanitize(displayName); v != "" {
		actor.DisplayName = v
		fields["displayName"] = v
	}
	if v := content.Sanitize(bio); v != "" {
		actor.Bio = v
		fields["bio"] = v
	}
	if avatarURL != "" {
		actor.AvatarURL = avatarURL
		fields["avatarUrl"] = avatarURL
	}
	if len(fields) == 0 {
		return actor, nil
	}

	if err := s.store.Update(ctx, store.CollUsers, actorID, fields); err != nil {
		return models.Actor{}, fmt.Errorf("failed to update profile: %w", err)
	}
	return actor, nil
}

// LogOut invalidates the token and clears the current actor.
func (s *Service) LogOut(token string) {
	if err := s.liveTokens.Del(token); err != nil {
		slog.Debug("token delete failed", "error", err)
	}
	s.setCurrent("")
}

// Authenticate resolves a live token to an actor id.
func (s *Service) Authenticate(token string) (string, bool) {
	actorID, err := s.liveTokens.Get(token)
	if err != nil {
		return "", false
	}
	return actorID, true
}

// Current returns a stream carrying the signed-in actor id, or "" when
// nobody is signed in. The present value is delivered first.
func (s *Service) Current() (<-chan string, func()) {
	sub := &actorSub{ch: make(chan string, 8)}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	sub.ch <- s.current
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(sub.ch)
		for i, c := range s.subs {
			if c == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
	}
	return sub.ch, release
}

func (s *Service) issueToken(actorID string) string {
	token := uuid.NewString()
	s.liveTokens.Set(token, actorID)
	return token
}

func (s *Service) setCurrent(actorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == actorID {
		return
	}
	s.current = actorID
	for _, sub := range s.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- actorID:
		default:
		}
	}
}
