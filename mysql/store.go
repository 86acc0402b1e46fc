package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/velmie/delivery"
)

const (
	defaultScanLimit = 1000

	errDuplicateEntry   = 1062
	errLockWaitTimeout  = 1205
	errDeadlockDetected = 1213
)

// Executor allows inserting documents within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store keeps documents in MySQL and records every committed write in a change log table.
//
// Document transactions lock the row with SELECT ... FOR UPDATE and commit the document write
// together with its change row, so the log never holds a change that was rolled back.
type Store struct {
	db          *sql.DB
	cfg         Config
	queries     queries
	table       string
	changeTable string
	tx          *delivery.Transactor
}

var (
	_ delivery.Backend        = (*Store)(nil)
	_ delivery.Watcher        = (*Store)(nil)
	_ delivery.LeaseScanner   = (*Store)(nil)
	_ delivery.Feed           = (*Store)(nil)
	_ delivery.PendingCounter = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration.
// The DSN must enable parseTime.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := quoteTable(cfg.Table)
	if err != nil {
		return nil, err
	}
	changeTable, err := quoteTable(cfg.ChangeTable)
	if err != nil {
		return nil, err
	}
	if table == changeTable {
		return nil, ErrSameTable
	}

	s := &Store{
		db:          db,
		cfg:         cfg,
		queries:     newQueries(table, changeTable),
		table:       table,
		changeTable: changeTable,
	}
	s.tx = delivery.NewTransactor(s, cfg.Tx)

	return s, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

type docTx struct {
	doc    delivery.Document
	exists bool
	put    *delivery.Document
}

func (t *docTx) Get(context.Context) (delivery.Document, bool, error) {
	if !t.exists {
		return delivery.Document{}, false, nil
	}

	return t.doc.Clone(), true, nil
}

func (t *docTx) Put(_ context.Context, doc delivery.Document) error {
	doc = doc.Clone()
	t.put = &doc

	return nil
}

// RunTx implements delivery.Backend.
func (s *Store) RunTx(ctx context.Context, ref delivery.Ref, fn delivery.TxFunc) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	return s.inTx(ctx, ref, func(tx *sql.Tx) error {
		before, version, exists, err := s.load(ctx, tx, s.queries.selectDocForUpdate, ref)
		if err != nil {
			return err
		}

		dtx := &docTx{doc: before, exists: exists}
		if err := fn(ctx, dtx); err != nil {
			return err
		}
		if dtx.put == nil {
			return nil
		}
		after := *dtx.put
		after.Ref = ref

		if err := s.write(ctx, tx, ref, version, exists, after); err != nil {
			return err
		}
		var prev *delivery.Document
		if exists {
			prev = &before
		}

		return s.appendChange(ctx, tx, delivery.NewChange(ref, prev, &after, s.cfg.Clock.Now()))
	})
}

// Get returns the current document.
func (s *Store) Get(ctx context.Context, ref delivery.Ref) (delivery.Document, error) {
	if err := ref.Validate(); err != nil {
		return delivery.Document{}, err
	}

	doc, _, ok, err := s.load(ctx, s.db, s.queries.selectDoc, ref)
	if err != nil {
		return delivery.Document{}, err
	}
	if !ok {
		return delivery.Document{}, fmt.Errorf("%w: %s", delivery.ErrNotFound, ref)
	}

	return doc, nil
}

// Create inserts a new document with the given payload and no delivery state.
func (s *Store) Create(ctx context.Context, ref delivery.Ref, payload []byte) error {
	return s.tx.Transact(ctx, ref, func(ctx context.Context, tx delivery.Tx) error {
		_, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", delivery.ErrAlreadyExists, ref)
		}

		return tx.Put(ctx, delivery.Document{Ref: ref, Payload: payload})
	})
}

// Insert creates a document using exec, typically a transaction that also writes the caller's
// own rows, so the job exists if and only if that transaction commits.
func (s *Store) Insert(ctx context.Context, exec Executor, ref delivery.Ref, payload []byte) error {
	if exec == nil {
		return ErrExecutorRequired
	}
	if err := ref.Validate(); err != nil {
		return err
	}

	doc := delivery.Document{Ref: ref, Payload: payload}
	if err := s.write(ctx, exec, ref, 0, false, doc); err != nil {
		var myErr *mysqldrv.MySQLError
		if errors.As(err, &myErr) && myErr.Number == errDuplicateEntry {
			return fmt.Errorf("%w: %s", delivery.ErrAlreadyExists, ref)
		}

		return err
	}

	return s.appendChange(ctx, exec, delivery.NewChange(ref, nil, &doc, s.cfg.Clock.Now()))
}

// Update applies fn to the current document and commits the result.
func (s *Store) Update(ctx context.Context, ref delivery.Ref, fn func(doc *delivery.Document) error) error {
	return s.tx.Transact(ctx, ref, func(ctx context.Context, tx delivery.Tx) error {
		doc, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", delivery.ErrNotFound, ref)
		}
		if err := fn(&doc); err != nil {
			return err
		}

		return tx.Put(ctx, doc)
	})
}

// Delete removes the document and records a delete change.
func (s *Store) Delete(ctx context.Context, ref delivery.Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	return s.inTx(ctx, ref, func(tx *sql.Tx) error {
		before, version, ok, err := s.load(ctx, tx, s.queries.selectDocForUpdate, ref)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", delivery.ErrNotFound, ref)
		}
		if _, err := tx.ExecContext(ctx, s.queries.deleteDoc, ref.Collection, ref.ID, version); err != nil {
			return fmt.Errorf("delivery mysql: delete failed: %w", err)
		}

		return s.appendChange(ctx, tx, delivery.NewChange(ref, &before, nil, s.cfg.Clock.Now()))
	})
}

// ExpiredLeases implements delivery.LeaseScanner.
func (s *Store) ExpiredLeases(ctx context.Context, collection string, now time.Time, limit int) ([]delivery.Ref, error) {
	if limit <= 0 {
		limit = defaultScanLimit
	}

	rows, err := s.db.QueryContext(ctx, s.queries.selectExpired, collection, delivery.StateProcessing.String(), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("delivery mysql: lease scan failed: %w", err)
	}
	defer rows.Close()

	var refs []delivery.Ref
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("delivery mysql: lease scan failed: %w", err)
		}
		refs = append(refs, delivery.Ref{Collection: collection, ID: id})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery mysql: lease scan failed: %w", err)
	}

	return refs, nil
}

// CountByState returns the number of documents per delivery state in collection.
// Documents without a delivery are counted under the empty string.
func (s *Store) CountByState(ctx context.Context, collection string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.countByState, collection)
	if err != nil {
		return nil, fmt.Errorf("delivery mysql: state count failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("delivery mysql: state count failed: %w", err)
		}
		counts[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery mysql: state count failed: %w", err)
	}

	return counts, nil
}

// Watch relays the change log of collection to handler until ctx ends.
func (s *Store) Watch(ctx context.Context, collection string, handler delivery.ChangeHandler) error {
	opts := append([]delivery.RelayOption{
		delivery.WithRelayLogger(s.cfg.Logger),
		delivery.WithRelayClock(s.cfg.Clock),
	}, s.cfg.Relay...)

	return delivery.NewRelay(s.Feed(collection), handler, opts...).Run(ctx)
}

func (s *Store) inTx(ctx context.Context, ref delivery.Ref, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delivery mysql: begin tx failed: %w", err)
	}

	if err := fn(tx); err != nil {
		rollbackErr := tx.Rollback()
		if errors.Is(rollbackErr, sql.ErrTxDone) {
			rollbackErr = nil
		}

		return translateErr(ref, errors.Join(err, rollbackErr))
	}
	if err := tx.Commit(); err != nil {
		return translateErr(ref, fmt.Errorf("delivery mysql: commit failed: %w", err))
	}

	return nil
}

func (s *Store) load(ctx context.Context, q querier, query string, ref delivery.Ref) (delivery.Document, uint64, bool, error) {
	var (
		body    []byte
		version uint64
	)
	err := q.QueryRowContext(ctx, query, ref.Collection, ref.ID).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Document{}, 0, false, nil
	}
	if err != nil {
		return delivery.Document{}, 0, false, fmt.Errorf("delivery mysql: load %s failed: %w", ref, err)
	}

	doc, err := delivery.UnmarshalDocument(ref, body)
	if err != nil {
		return delivery.Document{}, 0, false, err
	}

	return doc, version, true, nil
}

func (s *Store) write(ctx context.Context, exec Executor, ref delivery.Ref, version uint64, exists bool, doc delivery.Document) error {
	body, err := delivery.MarshalDocument(doc)
	if err != nil {
		return err
	}
	state, lease := indexColumns(doc.Delivery)

	if !exists {
		if _, err := exec.ExecContext(ctx, s.queries.insertDoc, ref.Collection, ref.ID, string(body), state, lease); err != nil {
			return fmt.Errorf("delivery mysql: insert failed: %w", err)
		}

		return nil
	}

	res, err := exec.ExecContext(ctx, s.queries.updateDoc, string(body), state, lease, ref.Collection, ref.ID, version)
	if err != nil {
		return fmt.Errorf("delivery mysql: update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delivery mysql: update rows failed: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("delivery mysql: %s version %d is stale: %w", ref, version, delivery.ErrConflict)
	}

	return nil
}

func (s *Store) appendChange(ctx context.Context, exec Executor, change delivery.Change) error {
	before, err := nullBody(change.Before)
	if err != nil {
		return err
	}
	after, err := nullBody(change.After)
	if err != nil {
		return err
	}

	id := change.ID
	if _, err := exec.ExecContext(ctx, s.queries.insertChange, id[:], change.Ref.Collection, change.Ref.ID, before, after); err != nil {
		return fmt.Errorf("delivery mysql: insert change failed: %w", err)
	}

	return nil
}

func indexColumns(d *delivery.Delivery) (sql.NullString, sql.NullTime) {
	if d == nil {
		return sql.NullString{}, sql.NullTime{}
	}

	state := sql.NullString{String: d.State.String(), Valid: true}
	if d.LeaseExpireTime == nil {
		return state, sql.NullTime{}
	}

	return state, sql.NullTime{Time: d.LeaseExpireTime.UTC(), Valid: true}
}

func nullBody(doc *delivery.Document) (sql.NullString, error) {
	if doc == nil {
		return sql.NullString{}, nil
	}

	body, err := delivery.MarshalDocument(*doc)
	if err != nil {
		return sql.NullString{}, err
	}

	return sql.NullString{String: string(body), Valid: true}, nil
}

// translateErr maps lock contention and racing inserts to delivery.ErrConflict.
func translateErr(ref delivery.Ref, err error) error {
	var myErr *mysqldrv.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}

	switch myErr.Number {
	case errDuplicateEntry, errLockWaitTimeout, errDeadlockDetected:
		return fmt.Errorf("delivery mysql: %s changed concurrently: %w: %w", ref, delivery.ErrConflict, err)
	default:
		return err
	}
}
