package main

import (
	"context"
	"log"

	"github.com/dvasilenko/authguard/internal/common"
	"github.com/dvasilenko/authguard/internal/server"
	"github.com/dvasilenko/authguard/internal/server/config"
	"github.com/dvasilenko/authguard/internal/server/engine"
)

func main() {
	ctx := context.Background()

	cfg := config.LoadConfig()

	// The engine delegates credential checks to the embedding program's
	// identity provider. The standalone binary has none, so every login is
	// refused until a real verifier is plugged in through server.NewApp.
	verifier := engine.VerifierFunc(func(ctx context.Context, identifier, secret string) (*engine.Principal, error) {
		return nil, common.ErrInvalidCredentials
	})

	app, err := server.NewApp(ctx, cfg, verifier)
	if err != nil {
		log.Printf("app init error: %v", err)
		return
	}

	app.Run(ctx)
}
