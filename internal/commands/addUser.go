package commands

import (
	"context"
	"fmt"

	"govorilka/internal/auth"
	"govorilka/internal/config"
	"govorilka/internal/store"
)

// AddUser registers an actor directly against the local store, for
// bootstrapping a deployment before the web surface is reachable.
func AddUser(ctx context.Context, username, email, password string, cfg *config.Config) error {
	st, err := store.NewBboltStore(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	authService := auth.NewService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, st)
	actor, _, err := authService.SignUp(ctx, username, email, password, "")
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:  %s\n", actor.Username)
	fmt.Printf("Actor ID:  %s\n", actor.ID)
	fmt.Printf("\nThe user can now log in at %s with the chosen email and password.\n", cfg.BaseURL)
	return nil
}
