package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresKeys validates API keys stored as hashes in the api_keys table.
type PostgresKeys struct {
	db    rowQuerier
	ping  func(context.Context) error
	close func()
}

func NewPostgresKeys(ctx context.Context, databaseURL string) (*PostgresKeys, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresKeys{db: pool, ping: pool.Ping, close: pool.Close}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_hash TEXT PRIMARY KEY,
			caller_id TEXT NOT NULL,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_caller ON api_keys (caller_id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (p *PostgresKeys) ValidateCredential(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", unauthorized("missing credential")
	}

	var (
		callerID  string
		revoked   bool
		expiresAt *time.Time
	)
	err := p.db.QueryRow(ctx,
		`SELECT caller_id, revoked, expires_at FROM api_keys WHERE key_hash=$1`,
		HashKey(token),
	).Scan(&callerID, &revoked, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", unauthorized("unknown api key")
	}
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, "auth_lookup", fmt.Errorf("query api key: %w", err))
	}
	if revoked {
		return "", unauthorized("api key revoked")
	}
	if expiresAt != nil && !expiresAt.After(time.Now()) {
		return "", unauthorized("api key expired")
	}
	return callerID, nil
}

// Ping checks that the key store is reachable.
func (p *PostgresKeys) Ping(ctx context.Context) error {
	if p.ping == nil {
		return nil
	}
	return p.ping(ctx)
}

func (p *PostgresKeys) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}
