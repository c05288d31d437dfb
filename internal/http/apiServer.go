package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"govorilka/internal/api"
	"govorilka/internal/metrics"
	"govorilka/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(handlers *api.API, gateway *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/signup", api.RequireSameOrigin(handlers.SignupHandler))
	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(handlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(handlers.LogoffHandler))
	mux.HandleFunc("POST /api/upload", api.RequireSameOrigin(handlers.RequireAuth(func(_ string, w http.ResponseWriter, r *http.Request) {
		handlers.UploadHandler(w, r)
	})))
	mux.HandleFunc("POST /api/profile", api.RequireSameOrigin(handlers.RequireAuth(handlers.UpdateProfileHandler)))
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(handlers.RequireAuth(handlers.PushSubscribeHandler)))
	mux.HandleFunc("GET /media/{preset}/{hash}", handlers.GetMediaHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", gateway.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	slog.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
