package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"govorilka/internal/auth"
	"govorilka/internal/channel"
	"govorilka/internal/fanout"
	"govorilka/internal/media"
	"govorilka/internal/presence"
	"govorilka/internal/roster"
	"govorilka/internal/signal"
	"govorilka/internal/store"

	"github.com/gorilla/websocket"
)

// Server accepts browser websocket connections and assembles a per-actor
// session: presence tracking, a running roster and a conversation channel,
// all torn down together when the connection drops.
type Server struct {
	auth     *auth.Service
	store    store.Store
	tracker  *presence.Tracker
	typing   signal.TypingStore
	uploader media.Uploader
	fan      *fanout.Fanout
	quiet    time.Duration
	upgrader *websocket.Upgrader
}

func NewServer(authService *auth.Service, st store.Store, tracker *presence.Tracker, typing signal.TypingStore, uploader media.Uploader, fan *fanout.Fanout, quiet time.Duration) *Server {
	return &Server{
		auth:     authService,
		store:    st,
		tracker:  tracker,
		typing:   typing,
		uploader: uploader,
		fan:      fan,
		quiet:    quiet,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // same-origin is enforced at the API layer
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	actorID, ok := s.auth.Authenticate(token)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stopPresence := s.tracker.Start(ctx, actorID)
	defer stopPresence()

	ros := roster.New(ctx, s.store, s.tracker, actorID)
	go func() {
		if err := ros.Run(ctx); err != nil {
			slog.Error("roster stopped", "actor_id", actorID, "error", err)
		}
	}()

	ch := channel.New(s.store, s.typing, s.uploader, s.fan, actorID, s.quiet)

	if err := NewConnection(conn, ros, ch, actorID).Handle(ctx); err != nil {
		slog.Warn("connection closed", "actor_id", actorID, "error", err)
	}
}
