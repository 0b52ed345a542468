package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"

	"github.com/pandalabs/panda-mcp/internal/gate/credential"
	"github.com/pandalabs/panda-mcp/internal/storage/postgres"
)

func main() {
	var (
		identity    string
		scopesCSV   string
		pepper      string
		databaseURL string
	)

	flag.StringVar(&identity, "identity", "", "owner identity for the new key")
	flag.StringVar(&scopesCSV, "scopes", "", "comma-separated tool glob scopes (empty grants every tool)")
	flag.StringVar(&pepper, "pepper", "", "HMAC pepper for key hashing (or PANDA_GATE_KEY_PEPPER env)")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL URL to also store the credential (or DATABASE_URL env)")
	flag.Parse()

	if identity == "" {
		slog.Error("identity is required: set --identity")
		os.Exit(1)
	}
	if pepper == "" {
		pepper = os.Getenv("PANDA_GATE_KEY_PEPPER")
	}
	if pepper == "" {
		slog.Error("pepper is required: set --pepper or PANDA_GATE_KEY_PEPPER")
		os.Exit(1)
	}
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, identity, scopesCSV, pepper, databaseURL); err != nil {
		slog.Error("key generation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, identity, scopesCSV, pepper, databaseURL string) error {
	secret, err := newSecret()
	if err != nil {
		return errors.Wrap(err, "generate secret")
	}

	cred := credential.Credential{
		Identity:   identity,
		SecretHash: credential.HashSecret([]byte(pepper), secret),
	}
	for _, scope := range strings.Split(scopesCSV, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			cred.Scopes = append(cred.Scopes, scope)
		}
	}

	snippet, err := json.MarshalIndent([]credential.Credential{cred}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "render credentials snippet")
	}

	// The raw key is printed exactly once; only its hash survives anywhere.
	fmt.Printf("API key (shown once, store it now):\n\n  %s\n\nCredentials file entry:\n\n%s\n", secret, snippet)

	if databaseURL == "" {
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := postgres.NewCredentialRepository(pool).Upsert(ctx, cred); err != nil {
		return errors.Wrap(err, "upsert credential")
	}

	slog.Info("credential stored",
		slog.String("identity", identity),
		slog.String("key_hint", credential.KeyDigest(secret)),
	)
	return nil
}

// newSecret draws 16 random bytes and renders them in the published key
// format: a pk_live_ prefix over 32 hex characters.
func newSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "pk_live_" + hex.EncodeToString(buf), nil
}
