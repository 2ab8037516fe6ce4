package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/craftd/craftd/internal/history"
)

// startClickHouseContainer starts a ClickHouse container and returns the
// native-protocol address. It skips the test when Docker is unavailable.
func startClickHouseContainer(t *testing.T) (addr string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := clickhouse.Run(ctx, "clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		cancel()
		t.Skipf("failed to start clickhouse container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("failed to get container host: %v", err)
		return "", nil
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("failed to get mapped port: %v", err)
		return "", nil
	}

	addr = host + ":" + port.Port()
	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return addr, terminate
}

// ensureTable creates the audit table the sink appends to. Schema choices
// stay with the operator in production, so the sink never issues DDL.
func ensureTable(t *testing.T, s *Sink, table string) {
	t.Helper()
	err := s.conn.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS `+table+` (
			type String,
			occurred_at DateTime64(6),
			project_id Int64,
			project String,
			state String,
			pid Int32,
			exit_code Int32,
			detail String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, project_id)
	`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
}

func TestClickHouseSinkAppendsEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	addr, terminate := startClickHouseContainer(t)
	defer terminate()

	sink, err := New(addr, "project_events", "default", "default", "")
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	ensureTable(t, sink, "project_events")

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventStarted, OccurredAt: time.Now().UTC(), ProjectID: 4, Project: "skyblock", State: "running", PID: 4242},
		{Type: history.EventStopped, OccurredAt: time.Now().UTC(), ProjectID: 4, Project: "skyblock", State: "stopped"},
		{Type: history.EventBackup, OccurredAt: time.Now().UTC(), ProjectID: 4, Project: "skyblock", Detail: "success 20240101-000000-manual.tar.gz"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	var n uint64
	row := sink.conn.QueryRow(ctx,
		"SELECT COUNT(*) FROM project_events WHERE project = ?", "skyblock")
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != uint64(len(events)) {
		t.Fatalf("rows = %d, want %d", n, len(events))
	}
}

func TestClickHouseSinkConnectError(t *testing.T) {
	if _, err := New("invalid-host:9000", "project_events", "", "", ""); err == nil {
		t.Fatal("expected connection error")
	}
}
