package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/canbridge/internal/api"
	"github.com/nerrad567/canbridge/internal/infrastructure/config"
)

// runToken prints a bearer token for the daemon's status API. The signing
// secret comes from the daemon's config, where CANBRIDGE_API_JWT_SECRET
// overrides the file.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", config.PathFromEnv(), "daemon config file")
	subject := fs.String("subject", "canbridgectl", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	secret := cfg.Server.HTTP.API.JWTSecret
	if secret == "" {
		return errors.New("no api jwt_secret configured; the API accepts requests without a token")
	}

	token, err := api.IssueToken(secret, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
