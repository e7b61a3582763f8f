// Package checkpoint persists engine state to PostgreSQL: periodic
// checkpoints for warm restarts, and crash records written by the
// supervisor before a restart attempt.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mollendorff-ai/noesis/internal/salience"
)

// Checkpoint is a restorable snapshot of engine state. Written every N
// cycles, consulted exactly once at boot; the most recent row wins.
type Checkpoint struct {
	ID         int64            `json:"id"`
	Cycle      uint64           `json:"cycle"`
	Weights    salience.Weights `json:"weights"`
	DriveLevel float64          `json:"drive_level"`
	VetoCount  uint64           `json:"veto_count"`
	EpisodeID  uuid.UUID        `json:"episode_id"`
	CreatedAt  time.Time        `json:"created_at"`
}

// CrashRecord captures what the supervisor knew about a component at the
// moment it died.
type CrashRecord struct {
	ID        int64            `json:"id"`
	Component string           `json:"component"`
	Message   string           `json:"message"`
	Cycle     uint64           `json:"cycle"`
	Weights   salience.Weights `json:"weights"`
	CreatedAt time.Time        `json:"created_at"`
}

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Store with a pgx connection pool.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations
// directory in lexical order.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Save writes one checkpoint row.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	weights, err := json.Marshal(cp.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO checkpoints (cycle, weights, drive_level, veto_count, episode_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(cp.Cycle), weights, cp.DriveLevel, int64(cp.VetoCount), cp.EpisodeID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint at cycle %d: %w", cp.Cycle, err)
	}
	return nil
}

// Latest loads the most recent checkpoint, or nil when none exists. The
// restored weights are validated; a checkpoint carrying weights that
// violate the connection floor is a hard error, not something to limp
// on with.
func (s *Store) Latest(ctx context.Context) (*Checkpoint, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, cycle, weights, drive_level, veto_count, episode_id, created_at
		FROM checkpoints ORDER BY id DESC LIMIT 1`)

	var cp Checkpoint
	var cycle, vetoCount int64
	var weights []byte
	err := row.Scan(&cp.ID, &cycle, &weights, &cp.DriveLevel, &vetoCount, &cp.EpisodeID, &cp.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.Cycle = uint64(cycle)
	cp.VetoCount = uint64(vetoCount)

	if err := json.Unmarshal(weights, &cp.Weights); err != nil {
		return nil, fmt.Errorf("decode checkpoint weights: %w", err)
	}
	if err := cp.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %d carries invalid weights: %w", cp.ID, err)
	}
	return &cp, nil
}

// Prune deletes all but the newest keep checkpoints.
func (s *Store) Prune(ctx context.Context, keep int) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM checkpoints
		WHERE id NOT IN (SELECT id FROM checkpoints ORDER BY id DESC LIMIT $1)`, keep)
	if err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}

// RecordCrash flushes a crash record. Called by the supervisor before it
// attempts a restart, so the record survives even if the restart wedges.
func (s *Store) RecordCrash(ctx context.Context, cr *CrashRecord) error {
	weights, err := json.Marshal(cr.Weights)
	if err != nil {
		return fmt.Errorf("marshal crash weights: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO crash_records (component, message, cycle, weights, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		cr.Component, cr.Message, int64(cr.Cycle), weights, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record crash of %s: %w", cr.Component, err)
	}
	return nil
}

// LastCrash returns the most recent crash record, or nil when the last
// shutdown was clean.
func (s *Store) LastCrash(ctx context.Context) (*CrashRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, component, message, cycle, weights, created_at
		FROM crash_records ORDER BY id DESC LIMIT 1`)

	var cr CrashRecord
	var cycle int64
	var weights []byte
	err := row.Scan(&cr.ID, &cr.Component, &cr.Message, &cycle, &weights, &cr.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load crash record: %w", err)
	}
	cr.Cycle = uint64(cycle)
	if err := json.Unmarshal(weights, &cr.Weights); err != nil {
		return nil, fmt.Errorf("decode crash weights: %w", err)
	}
	return &cr, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
