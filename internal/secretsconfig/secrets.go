// Package secretsconfig resolves the connection secrets the tag engine
// needs (the Postgres DSN, the Redis URL) from either the environment
// or an optional 1Password Connect vault. It is adapted from the
// teacher's internal/secrets package, which resolves SSH key material
// for agent enrollment — a concern this service does not have (no
// authentication, see spec.md's Non-goals) — repurposed here to resolve
// plain connection-string secrets instead.
package secretsconfig

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/1Password/connect-sdk-go/connect"
)

// Config configures secret resolution.
type Config struct {
	// Backend selects the resolution strategy: "1password", "env", or
	// "auto" (1Password if configured, otherwise env).
	Backend string

	OnePasswordHost  string
	OnePasswordToken string
	OnePasswordVault string
}

// ConfigFromEnv builds a Config from environment variables, following
// the teacher's ConfigFromEnv convention.
func ConfigFromEnv() Config {
	return Config{
		Backend:          getEnv("TAGENGINE_SECRETS_BACKEND", "auto"),
		OnePasswordHost:  os.Getenv("OP_CONNECT_HOST"),
		OnePasswordToken: os.Getenv("OP_CONNECT_TOKEN"),
		OnePasswordVault: getEnv("OP_VAULT_ID", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Resolver resolves named secrets by item title and field label.
type Resolver interface {
	Resolve(ctx context.Context, itemTitle, fieldLabel string) (string, error)
}

// NewResolver picks a Resolver per cfg.Backend, falling back from
// 1Password to the environment exactly as the teacher's NewKeyStore
// falls back from 1Password to local storage.
func NewResolver(cfg Config, logger *slog.Logger) (Resolver, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		if cfg.OnePasswordToken == "" || cfg.OnePasswordHost == "" {
			return nil, fmt.Errorf("1password secrets backend requested but OP_CONNECT_HOST/OP_CONNECT_TOKEN not set")
		}
		return newOnePasswordResolver(cfg), nil

	case "env":
		return envResolver{}, nil

	case "auto":
		if cfg.OnePasswordToken != "" && cfg.OnePasswordHost != "" {
			return newOnePasswordResolver(cfg), nil
		}
		logger.Info("OP_CONNECT_TOKEN not set, resolving secrets from the environment")
		return envResolver{}, nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

// envResolver resolves a secret as the literal value of the environment
// variable named fieldLabel; itemTitle is ignored, there being no vault
// to scope within.
type envResolver struct{}

func (envResolver) Resolve(_ context.Context, _ string, fieldLabel string) (string, error) {
	v, ok := os.LookupEnv(fieldLabel)
	if !ok {
		return "", fmt.Errorf("secretsconfig: environment variable %q not set", fieldLabel)
	}
	return v, nil
}

// onePasswordResolver fetches a named field off a named item in one
// vault via the 1Password Connect API.
type onePasswordResolver struct {
	client  connect.Client
	vaultID string
}

func newOnePasswordResolver(cfg Config) *onePasswordResolver {
	client := connect.NewClientWithUserAgent(cfg.OnePasswordHost, cfg.OnePasswordToken, "tagengine")
	return &onePasswordResolver{client: client, vaultID: cfg.OnePasswordVault}
}

func (r *onePasswordResolver) Resolve(_ context.Context, itemTitle, fieldLabel string) (string, error) {
	items, err := r.client.GetItemsByTitle(itemTitle, r.vaultID)
	if err != nil {
		return "", fmt.Errorf("secretsconfig: listing item %q: %w", itemTitle, err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("secretsconfig: item %q not found in vault", itemTitle)
	}

	item, err := r.client.GetItem(items[0].ID, r.vaultID)
	if err != nil {
		return "", fmt.Errorf("secretsconfig: fetching item %q: %w", itemTitle, err)
	}

	for _, field := range item.Fields {
		if field.Label == fieldLabel {
			return field.Value, nil
		}
	}
	return "", fmt.Errorf("secretsconfig: field %q not found on item %q", fieldLabel, itemTitle)
}

// ResolveConnectionStrings resolves the Postgres DSN and Redis URL,
// preferring explicit values already present in cfg (e.g. set directly
// in the YAML config or by TAGENGINE_* env overrides) and falling back
// to the resolver only for whichever is empty.
func ResolveConnectionStrings(ctx context.Context, resolver Resolver, postgresDSN, redisURL string) (resolvedDSN, resolvedRedisURL string, err error) {
	resolvedDSN = postgresDSN
	if resolvedDSN == "" {
		resolvedDSN, err = resolver.Resolve(ctx, "tagengine", "postgres_dsn")
		if err != nil {
			return "", "", fmt.Errorf("secretsconfig: resolving postgres DSN: %w", err)
		}
	}
	resolvedRedisURL = redisURL
	if resolvedRedisURL == "" {
		resolvedRedisURL, err = resolver.Resolve(ctx, "tagengine", "redis_url")
		if err != nil {
			return "", "", fmt.Errorf("secretsconfig: resolving redis URL: %w", err)
		}
	}
	return resolvedDSN, resolvedRedisURL, nil
}
