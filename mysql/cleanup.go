package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/delivery"
)

const (
	defaultCleanupLimit      = 10000
	defaultCleanupEvery      = time.Hour
	defaultCleanupLockPrefix = "delivery:cleanup:"
)

// CleanupOptions defines which handled change rows to delete.
type CleanupOptions struct {
	// Before removes rows older than this timestamp (required).
	Before time.Time
	// Limit caps the number of rows deleted per call (0 uses the default).
	Limit int
	// IncludeDead removes dead rows too, using updated_at for the cutoff.
	IncludeDead bool
}

// CleanupResult reports how many rows were removed.
type CleanupResult struct {
	Processed int64
	Dead      int64
}

// CleanupMaintainerConfig controls periodic change log cleanup.
type CleanupMaintainerConfig struct {
	// Table is the document table name. Use schema.table for non-default schema.
	Table string
	// ChangeTable is the change log table name.
	ChangeTable string
	// Retention removes rows older than now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per run (0 uses the default).
	Limit int
	// IncludeDead removes dead rows in addition to processed rows.
	IncludeDead bool
	// LockName is the advisory lock name. Defaults to delivery:cleanup:<change table>.
	LockName string
	Clock    delivery.Clock
	Logger   delivery.Logger
}

// CleanupMaintainer periodically deletes handled change rows. Only one session across all
// instances runs a pass at a time.
type CleanupMaintainer struct {
	store *Store
	cfg   CleanupMaintainerConfig
}

// Cleanup removes processed change rows (and optionally dead ones) older than opts.Before.
// Documents are never deleted.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	if opts.Before.IsZero() {
		return CleanupResult{}, ErrCleanupBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultCleanupLimit
	}
	if limit < 0 {
		return CleanupResult{}, ErrCleanupLimitInvalid
	}

	processed, err := s.cleanupByStatus(ctx, delivery.ChangeStatusProcessed, "processed_at", opts.Before, limit)
	if err != nil {
		return CleanupResult{}, err
	}
	remaining := limit - int(processed)

	var dead int64
	if opts.IncludeDead && remaining > 0 {
		dead, err = s.cleanupByStatus(ctx, delivery.ChangeStatusDead, "updated_at", opts.Before, remaining)
		if err != nil {
			return CleanupResult{Processed: processed}, err
		}
	}

	return CleanupResult{Processed: processed, Dead: dead}, nil
}

// NewCleanupMaintainer creates a cleanup maintainer with defaults applied.
func NewCleanupMaintainer(db *sql.DB, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = delivery.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = delivery.NopLogger{}
	}

	store, err := NewStore(db, WithTable(cfg.Table), WithChangeTable(cfg.ChangeTable), WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + store.cfg.ChangeTable
	}

	return &CleanupMaintainer{store: store, cfg: cfg}, nil
}

// Run periodically deletes old change rows until the context is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	m.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *CleanupMaintainer) runOnce(ctx context.Context) {
	result, err := m.Ensure(ctx)
	if err != nil {
		m.cfg.Logger.Warn("delivery cleanup failed", "err", err)

		return
	}
	if result.Processed > 0 || result.Dead > 0 {
		m.cfg.Logger.Info("delivery cleanup done", "processed", result.Processed, "dead", result.Dead)
	}
}

// Ensure executes a single cleanup pass under the advisory lock.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (CleanupResult, error) {
	conn, err := m.store.db.Conn(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delivery mysql: cleanup conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return CleanupResult{}, err
	}
	if !locked {
		m.cfg.Logger.Debug("delivery cleanup lock held by another session", "lock", m.cfg.LockName)

		return CleanupResult{}, nil
	}
	defer m.releaseLock(ctx, conn)

	return m.store.Cleanup(ctx, CleanupOptions{
		Before:      m.cfg.Clock.Now().Add(-m.cfg.Retention),
		Limit:       m.cfg.Limit,
		IncludeDead: m.cfg.IncludeDead,
	})
}

func (s *Store) cleanupByStatus(ctx context.Context, status delivery.ChangeStatus, tsColumn string, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}

	// #nosec G201 -- table and column names are internal and validated.
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE status = ? AND %s IS NOT NULL AND %s <= ? ORDER BY id LIMIT ?",
		s.changeTable,
		tsColumn,
		tsColumn,
	)
	res, err := s.db.ExecContext(ctx, query, status, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delivery mysql: cleanup delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delivery mysql: cleanup rows failed: %w", err)
	}

	return affected, nil
}

func (m *CleanupMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("delivery mysql: acquire cleanup lock failed: %w", err)
	}

	return got.Valid && got.Int64 == 1, nil
}

func (m *CleanupMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("delivery cleanup release lock failed", "lock", m.cfg.LockName, "err", err)
	}
}
