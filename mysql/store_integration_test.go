//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/mysql"
)

const (
	documentTable = "delivery_documents"
	changeTable   = "delivery_changes"
)

func TestStoreDocumentLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	ref := delivery.Ref{Collection: "mail", ID: "m-1"}
	require.NoError(t, store.Create(ctx, ref, json.RawMessage(`{"to":"a@example.com"}`)))
	require.ErrorIs(t, store.Create(ctx, ref, nil), delivery.ErrAlreadyExists)

	doc, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.JSONEq(t, `{"to":"a@example.com"}`, string(doc.Payload))
	require.Nil(t, doc.Delivery)

	start := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Update(ctx, ref, func(doc *delivery.Document) error {
		doc.Delivery = delivery.NewDelivery(start)

		return nil
	}))

	doc, err = store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, delivery.StatePending, doc.State())
	require.True(t, doc.Delivery.StartTime.Equal(start))

	counts, err := store.CountByState(ctx, "mail")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"PENDING": 1}, counts)

	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Get(ctx, ref)
	require.ErrorIs(t, err, delivery.ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, ref), delivery.ErrNotFound)

	require.Equal(t, 3, countChanges(t, ctx, db, delivery.ChangeStatusPending))
}

func TestStoreInsertFollowsCallerTxIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	rolledBack := delivery.Ref{Collection: "mail", ID: "rolled-back"}
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, tx, rolledBack, json.RawMessage(`{}`)))
	require.NoError(t, tx.Rollback())

	_, err = store.Get(ctx, rolledBack)
	require.ErrorIs(t, err, delivery.ErrNotFound)
	require.Equal(t, 0, countChanges(t, ctx, db, delivery.ChangeStatusPending))

	committed := delivery.Ref{Collection: "mail", ID: "committed"}
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, tx, committed, json.RawMessage(`{}`)))
	require.NoError(t, tx.Commit())

	_, err = store.Get(ctx, committed)
	require.NoError(t, err)
	require.Equal(t, 1, countChanges(t, ctx, db, delivery.ChangeStatusPending))

	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.ErrorIs(t, store.Insert(ctx, tx, committed, nil), delivery.ErrAlreadyExists)
	require.NoError(t, tx.Rollback())
}

func TestStoreRunTxAbortWritesNothingIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	ref := delivery.Ref{Collection: "mail", ID: "m-1"}
	require.NoError(t, store.Create(ctx, ref, nil))

	boom := errors.New("boom")
	err = store.RunTx(ctx, ref, func(ctx context.Context, tx delivery.Tx) error {
		doc, ok, err := tx.Get(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		doc.Delivery = delivery.NewDelivery(time.Now())
		require.NoError(t, tx.Put(ctx, doc))

		return boom
	})
	require.ErrorIs(t, err, boom)

	doc, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Nil(t, doc.Delivery)
	require.Equal(t, 1, countChanges(t, ctx, db, delivery.ChangeStatusPending))
}

func TestStoreRunTxSerializesWritersIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	ref := delivery.Ref{Collection: "counter", ID: "c-1"}
	require.NoError(t, store.Create(ctx, ref, json.RawMessage(`0`)))

	const writers = 8
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			errCh <- store.Update(ctx, ref, func(doc *delivery.Document) error {
				var n int
				if err := json.Unmarshal(doc.Payload, &n); err != nil {
					return err
				}
				doc.Payload = json.RawMessage(fmt.Sprint(n + 1))

				return nil
			})
		}()
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errCh)
	}

	doc, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprint(writers), string(doc.Payload))
}

func TestFeedFetchAckIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Create(ctx, delivery.Ref{Collection: "mail", ID: fmt.Sprint(i)}, nil))
	}
	require.NoError(t, store.Create(ctx, delivery.Ref{Collection: "sms", ID: "1"}, nil))

	feed := store.Feed("mail")
	count, err := feed.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	batch1, err := feed.Fetch(ctx, delivery.FetchOptions{BatchSize: 2})
	require.NoError(t, err)
	changes := batch1.Changes()
	require.Len(t, changes, 2)
	require.Equal(t, "1", changes[0].Ref.ID)
	require.Equal(t, delivery.ChangeCreated, changes[0].Kind())
	require.NoError(t, batch1.Ack(ctx, changeIDs(changes)))
	require.NoError(t, batch1.Commit())

	batch2, err := feed.Fetch(ctx, delivery.FetchOptions{BatchSize: 10})
	require.NoError(t, err)
	require.Len(t, batch2.Changes(), 1)
	require.NoError(t, batch2.Ack(ctx, changeIDs(batch2.Changes())))
	require.NoError(t, batch2.Commit())

	_, err = feed.Fetch(ctx, delivery.FetchOptions{BatchSize: 1})
	require.ErrorIs(t, err, delivery.ErrNoChanges)

	total, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, 3, countChanges(t, ctx, db, delivery.ChangeStatusProcessed))
}

func TestFeedSkipLockedIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	require.NoError(t, store.Create(ctx, delivery.Ref{Collection: "mail", ID: "1"}, nil))
	require.NoError(t, store.Create(ctx, delivery.Ref{Collection: "mail", ID: "2"}, nil))

	batch1, err := store.Fetch(ctx, delivery.FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	batch2, err := store.Fetch(ctx, delivery.FetchOptions{BatchSize: 1})
	require.NoError(t, err)

	require.NotEqual(t, batch1.Changes()[0].ID, batch2.Changes()[0].ID)

	id := batch1.Changes()[0].ID
	require.NoError(t, batch1.Rollback())
	require.NoError(t, batch2.Rollback())

	batch3, err := store.Fetch(ctx, delivery.FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	require.Equal(t, id, batch3.Changes()[0].ID)
	require.NoError(t, batch3.Rollback())
}

func TestFeedFailureAttemptsIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db, mysql.WithMaxAttempts(2))
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, delivery.Ref{Collection: "mail", ID: "1"}, nil))

	batch1, err := store.Fetch(ctx, delivery.FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	id := batch1.Changes()[0].ID
	longErr := errors.New(strings.Repeat("a", 1100))
	require.NoError(t, batch1.Fail(ctx, []delivery.Failure{{ID: id, Err: longErr}}))
	require.NoError(t, batch1.Commit())

	status, attempts, lastErr := fetchChange(t, ctx, db, id)
	require.Equal(t, delivery.ChangeStatusPending, status)
	require.Equal(t, 1, attempts)
	require.Len(t, lastErr.String, 1024)

	batch2, err := store.Fetch(ctx, delivery.FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	require.Equal(t, 1, batch2.Changes()[0].Attempts)
	require.NoError(t, batch2.Fail(ctx, []delivery.Failure{{ID: id, Err: errors.New("boom")}}))
	require.NoError(t, batch2.Commit())

	status, attempts, _ = fetchChange(t, ctx, db, id)
	require.Equal(t, delivery.ChangeStatusDead, status)
	require.Equal(t, 2, attempts)

	_, err = store.Fetch(ctx, delivery.FetchOptions{BatchSize: 1})
	require.ErrorIs(t, err, delivery.ErrNoChanges)
}

func TestStoreWatchDrivesMachineIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db, mysql.WithRelayOptions(delivery.WithPollInterval(20*time.Millisecond)))
	require.NoError(t, err)

	var calls atomic.Int32
	machine := delivery.NewMachine(store)
	deliver := delivery.DeliverFunc(func(_ context.Context, doc delivery.Document) (any, error) {
		calls.Add(1)

		return map[string]string{"status": "sent"}, nil
	})

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(watchCtx, "mail", machine.Handler(deliver))
	}()

	ref := delivery.Ref{Collection: "mail", ID: "m-1"}
	require.NoError(t, store.Create(ctx, ref, json.RawMessage(`{"to":"a@example.com"}`)))

	require.Eventually(t, func() bool {
		doc, err := store.Get(ctx, ref)

		return err == nil && doc.State() == delivery.StateSuccess
	}, 30*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	machine.Wait()

	doc, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"sent"}`, string(doc.Delivery.Result))
	require.Nil(t, doc.Delivery.LeaseExpireTime)
	require.Nil(t, doc.Delivery.Error)
	require.EqualValues(t, 1, calls.Load())
}

func TestStoreExpiredLeasesIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	now := time.Now().UTC()
	leases := map[string]time.Time{
		"stale": now.Add(-time.Minute),
		"live":  now.Add(time.Minute),
	}
	for id, lease := range leases {
		lease := lease
		ref := delivery.Ref{Collection: "mail", ID: id}
		require.NoError(t, store.Create(ctx, ref, nil))
		require.NoError(t, store.Update(ctx, ref, func(doc *delivery.Document) error {
			doc.Delivery = delivery.NewDelivery(now.Add(-time.Hour))
			doc.Delivery.State = delivery.StateProcessing
			doc.Delivery.LeaseExpireTime = &lease

			return nil
		}))
	}

	refs, err := store.ExpiredLeases(ctx, "mail", now, 10)
	require.NoError(t, err)
	require.Equal(t, []delivery.Ref{{Collection: "mail", ID: "stale"}}, refs)

	machine := delivery.NewMachine(store)
	sweeper, err := delivery.NewSweeper(store, machine, delivery.SweeperConfig{Collection: "mail"})
	require.NoError(t, err)

	result, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Expired)

	doc, err := store.Get(ctx, delivery.Ref{Collection: "mail", ID: "stale"})
	require.NoError(t, err)
	require.Equal(t, delivery.StateError, doc.State())
	require.Nil(t, doc.Delivery.LeaseExpireTime)

	counts, err := store.CountByState(ctx, "mail")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"ERROR": 1, "PROCESSING": 1}, counts)
}

func startMySQL(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	port := nat.Port("3306/tcp")
	dsn := func(host string, port nat.Port) string {
		return fmt.Sprintf("root:secret@tcp(%s:%s)/delivery?parseTime=true&multiStatements=true", host, port.Port())
	}
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0.36",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_DATABASE":      "delivery",
		},
		WaitingFor: wait.ForSQL(port, "mysql", dsn).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	db, err := sql.Open("mysql", dsn(host, mappedPort))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func setupSchema(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	schemas, err := mysql.Schemas(documentTable, changeTable)
	require.NoError(t, err)
	for _, schema := range schemas {
		_, err = db.ExecContext(ctx, schema)
		require.NoError(t, err)
	}
}

func changeIDs(changes []delivery.Change) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(changes))
	for _, change := range changes {
		ids = append(ids, change.ID)
	}

	return ids
}

func countChanges(t *testing.T, ctx context.Context, db *sql.DB, status delivery.ChangeStatus) int {
	t.Helper()
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+changeTable+" WHERE status = ?", status).Scan(&count)
	require.NoError(t, err)

	return count
}

func fetchChange(t *testing.T, ctx context.Context, db *sql.DB, id uuid.UUID) (delivery.ChangeStatus, int, sql.NullString) {
	t.Helper()
	var (
		status    delivery.ChangeStatus
		attempts  int
		lastError sql.NullString
	)
	err := db.QueryRowContext(ctx, "SELECT status, attempt_count, last_error FROM "+changeTable+" WHERE id = ?", id[:]).
		Scan(&status, &attempts, &lastError)
	require.NoError(t, err)

	return status, attempts, lastError
}
