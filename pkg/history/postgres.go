package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

// PostgresStore keeps signup history in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and creates the schema if needed.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signup_history (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			activity TEXT NOT NULL,
			age TEXT NOT NULL DEFAULT '',
			program_ref TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_signup_history_intent ON signup_history (provider, activity);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init history schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, rec Signup) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO signup_history (id, user_id, provider, activity, age, program_ref, title, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.UserID, normalize(rec.Provider), normalize(rec.Activity), rec.Age, rec.ProgramRef, rec.Title, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert signup: %w", err)
	}
	return nil
}

func (s *PostgresStore) Candidates(ctx context.Context, q triad.Query) ([]triad.Candidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT program_ref, MAX(title), COUNT(*)
		FROM signup_history
		WHERE provider = $1 AND activity = $2 AND ($3::text = '' OR age = '' OR age = $3)
		GROUP BY program_ref`,
		normalize(q.Provider), normalize(q.Activity), q.Age,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var tallies []tally
	for rows.Next() {
		var t tally
		if err := rows.Scan(&t.ref, &t.title, &t.count); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		tallies = append(tallies, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return score(tallies, q.Hint), nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
