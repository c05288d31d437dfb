package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"govorilka/internal/api"
	"govorilka/internal/auth"
	"govorilka/internal/commands"
	"govorilka/internal/config"
	"govorilka/internal/fanout"
	"govorilka/internal/http"
	"govorilka/internal/media"
	"govorilka/internal/presence"
	sig "govorilka/internal/signal"
	"govorilka/internal/store"
	"govorilka/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	addUser := flag.String("add-user", "", "Username to create (also requires -email and -password)")
	addEmail := flag.String("email", "", "Email for -add-user")
	addPassword := flag.String("password", "", "Password for -add-user")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(ctx, *addUser, *addEmail, *addPassword, cfg)
	}

	st, err := store.NewBboltStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	authService := auth.NewService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, st)
	tracker := presence.NewTracker(st, cfg.HeartbeatInterval)

	var typing sig.TypingStore
	if cfg.RedisAddr != "" {
		redisStore, err := sig.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() { _ = redisStore.Close() }()
		typing = redisStore
	} else {
		typing = sig.NewDocStore(st)
	}

	mediaStore, err := media.NewLocalStore(cfg.UploadsPath, cfg.BaseURL)
	if err != nil {
		return err
	}

	push := fanout.NewPush(fanout.PushConfig{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.PushContact,
	}, st)
	fan := fanout.New(st, push)

	gateway := ws.NewServer(authService, st, tracker, typing, mediaStore, fan, cfg.TypingQuiet)
	handlers := api.New(authService, st, mediaStore)
	apiServer := http.NewAPIServer(handlers, gateway, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
