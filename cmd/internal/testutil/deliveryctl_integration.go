//go:build integration

// Package testutil runs deliveryctl against a throwaway MySQL server in Docker.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/go-sql-driver/mysql"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/mysql"
)

const (
	mysqlImage    = "mysql:8.0.36"
	mysqlAlias    = "mysql"
	mysqlPort     = nat.Port("3306/tcp")
	mysqlPassword = "secret"
	database      = "delivery"
	changeTable   = "delivery_changes"

	runnerImage = "alpine:3.20"
	binaryPath  = "/deliveryctl"
	startupWait = 2 * time.Minute
	exitWait    = 2 * time.Minute
)

// Env is a delivery database with a deliveryctl binary built to run next to it.
//
// The test process talks to the database through DB and Store. The binary runs in its own
// container on the same Docker network and is pointed at the database with --dsn.
type Env struct {
	DB    *sql.DB
	Store *mysql.Store

	network  string
	innerDSN string
	binary   string
}

// Start builds deliveryctl from pkg and starts MySQL for it. The test is skipped when
// Docker is unavailable. Tables are not created; `deliveryctl schema --apply` does that.
func Start(t *testing.T, ctx context.Context, pkg string) *Env {
	t.Helper()

	binary := buildLinux(t, pkg)

	net, err := network.New(ctx)
	if err != nil {
		t.Skipf("create docker network: %v", err)
	}
	t.Cleanup(func() {
		_ = net.Remove(ctx)
	})

	server, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:          mysqlImage,
			ExposedPorts:   []string{string(mysqlPort)},
			Env:            map[string]string{"MYSQL_ROOT_PASSWORD": mysqlPassword, "MYSQL_DATABASE": database},
			Networks:       []string{net.Name},
			NetworkAliases: map[string][]string{net.Name: {mysqlAlias}},
			WaitingFor: wait.ForSQL(mysqlPort, "mysql", func(host string, port nat.Port) string {
				return dsn(host, port.Port())
			}).WithStartupTimeout(startupWait),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start mysql: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Terminate(ctx)
	})

	host, err := server.Host(ctx)
	if err != nil {
		t.Fatalf("mysql host: %v", err)
	}
	mapped, err := server.MappedPort(ctx, mysqlPort)
	if err != nil {
		t.Fatalf("mysql port: %v", err)
	}
	db, err := sql.Open("mysql", dsn(host, mapped.Port()))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := mysql.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	return &Env{
		DB:       db,
		Store:    store,
		network:  net.Name,
		innerDSN: dsn(mysqlAlias, mysqlPort.Port()),
		binary:   binary,
	}
}

func dsn(host, port string) string {
	return fmt.Sprintf("root:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=true", mysqlPassword, host, port, database)
}

// Seed creates the mail document id and gives it a delivery shaped by mutate.
func (e *Env) Seed(t *testing.T, ctx context.Context, id string, mutate func(d *delivery.Delivery)) delivery.Ref {
	t.Helper()

	ref := delivery.Ref{Collection: "mail", ID: id}
	if err := e.Store.Create(ctx, ref, nil); err != nil {
		t.Fatalf("create %s: %v", ref, err)
	}
	err := e.Store.Update(ctx, ref, func(doc *delivery.Document) error {
		doc.Delivery = delivery.NewDelivery(time.Now())
		mutate(doc.Delivery)

		return nil
	})
	if err != nil {
		t.Fatalf("update %s: %v", ref, err)
	}

	return ref
}

// State reads the delivery state of ref.
func (e *Env) State(t *testing.T, ctx context.Context, ref delivery.Ref) delivery.State {
	t.Helper()

	doc, err := e.Store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get %s: %v", ref, err)
	}

	return doc.State()
}

// AgeChanges marks every change as processed at processedAt.
func (e *Env) AgeChanges(t *testing.T, ctx context.Context, processedAt time.Time) {
	t.Helper()

	query := "UPDATE " + changeTable + " SET status = ?, processed_at = ?"
	if _, err := e.DB.ExecContext(ctx, query, delivery.ChangeStatusProcessed, processedAt.UTC()); err != nil {
		t.Fatalf("age changes: %v", err)
	}
}

// ChangeCount returns the number of rows left in the change log.
func (e *Env) ChangeCount(t *testing.T, ctx context.Context) int {
	t.Helper()

	var n int
	if err := e.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+changeTable).Scan(&n); err != nil {
		t.Fatalf("count changes: %v", err)
	}

	return n
}

// Deliveryctl runs the binary with args against the database and fails the test on a
// non-zero exit. It returns the combined output.
func (e *Env) Deliveryctl(t *testing.T, ctx context.Context, args ...string) string {
	t.Helper()

	code, out := e.run(t, ctx, append([]string{"--dsn", e.innerDSN}, args...))
	if code != 0 {
		t.Fatalf("deliveryctl %v exited %d: %s", args, code, out)
	}

	return out
}

func (e *Env) run(t *testing.T, ctx context.Context, args []string) (int, string) {
	t.Helper()

	runner, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      runnerImage,
			Entrypoint: []string{binaryPath},
			Cmd:        args,
			Networks:   []string{e.network},
			Files: []testcontainers.ContainerFile{
				{HostFilePath: e.binary, ContainerFilePath: binaryPath, FileMode: 0o755},
			},
			WaitingFor: wait.ForExit().WithExitTimeout(exitWait),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("run deliveryctl: %v", err)
	}
	t.Cleanup(func() {
		_ = runner.Terminate(ctx)
	})

	state, err := runner.State(ctx)
	if err != nil {
		t.Fatalf("deliveryctl state: %v", err)
	}
	logs, err := runner.Logs(ctx)
	if err != nil {
		t.Fatalf("deliveryctl logs: %v", err)
	}
	defer logs.Close()

	out, err := io.ReadAll(logs)
	if err != nil {
		t.Fatalf("deliveryctl logs: %v", err)
	}

	return state.ExitCode, string(out)
}

// buildLinux compiles pkg as a static linux binary for the runner container.
func buildLinux(t *testing.T, pkg string) string {
	t.Helper()

	bin := filepath.Join(t.TempDir(), "deliveryctl")
	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOOS=linux", "GOARCH="+runtime.GOARCH)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build %s: %v\n%s", pkg, err, out)
	}

	return bin
}
