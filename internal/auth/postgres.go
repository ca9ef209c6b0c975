package auth

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	u "html2png/internal/utils"
)

const (
	createTokensTable = `CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		rate_limit INTEGER NOT NULL DEFAULT 60,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		comment TEXT
	);`
	createTokensIndex = `CREATE INDEX IF NOT EXISTS idx_tokens_created_at ON tokens (created_at);`
	selectTokens      = `SELECT token, rate_limit FROM tokens;`
)

// PostgresRepository reads tokens through the pgx database/sql driver.
// The connection is opened lazily and reused.
type PostgresRepository struct {
	cfg        u.PostgresConfig
	driverName string

	mu sync.Mutex
	db *sql.DB
}

// NewPostgresRepository returns a repository for cfg.
func NewPostgresRepository(cfg u.PostgresConfig) *PostgresRepository {
	return &PostgresRepository{cfg: cfg, driverName: "pgx"}
}

// LoadTokens ensures the schema exists and returns every token.
func (r *PostgresRepository) LoadTokens(ctx context.Context) (map[string]Entry, error) {
	db, err := r.open(ctx)
	if err != nil {
		return nil, err
	}

	for _, ddl := range []string{createTokensTable, createTokensIndex} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("ensure tokens schema: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, selectTokens)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]Entry)
	for rows.Next() {
		var (
			token string
			limit int
		)
		if err := rows.Scan(&token, &limit); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		entries[token] = Entry{RateLimit: limit}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *PostgresRepository) open(ctx context.Context) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db != nil {
		return r.db, nil
	}

	dsn, err := postgresDSN(r.cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(r.driverName, dsn)
	if err != nil {
		return nil, err
	}
	// Small control-plane table; a handful of connections is plenty.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	r.db = db
	return db, nil
}

func postgresDSN(cfg u.PostgresConfig) (string, error) {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host, nil
	}
	switch {
	case cfg.Host == "":
		return "", fmt.Errorf("postgres host is empty")
	case cfg.Database == "":
		return "", fmt.Errorf("postgres database is empty")
	case cfg.User == "":
		return "", fmt.Errorf("postgres user is empty")
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	hostPort := cfg.Host
	switch {
	case strings.HasPrefix(hostPort, "["):
		if !strings.Contains(hostPort, "]:") {
			hostPort = fmt.Sprintf("%s:%d", hostPort, port)
		}
	case strings.Count(hostPort, ":") >= 2:
		// bare IPv6 address
		hostPort = fmt.Sprintf("[%s]:%d", hostPort, port)
	case !strings.Contains(hostPort, ":"):
		hostPort = fmt.Sprintf("%s:%d", hostPort, port)
	}

	dsn := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + cfg.Database}
	if cfg.Password != "" {
		dsn.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		dsn.User = url.User(cfg.User)
	}
	q := dsn.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	dsn.RawQuery = q.Encode()
	return dsn.String(), nil
}
