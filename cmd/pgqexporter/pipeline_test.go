package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tinytelemetry/pgqexporter/internal/aggregator"
	"github.com/tinytelemetry/pgqexporter/internal/httpserver"
	"github.com/tinytelemetry/pgqexporter/internal/poller"
	"github.com/tinytelemetry/pgqexporter/internal/socketrpc"
	"go.uber.org/zap/zaptest"
)

type pipelineStack struct {
	cfg     appConfig
	agg     *aggregator.Aggregator
	api     *httpserver.Server
	sock    *socketrpc.Server
	sockDir string
}

// startPipeline runs the serving side: aggregator, HTTP API and socket.
func startPipeline(t *testing.T) *pipelineStack {
	t.Helper()

	// Unix socket paths are length limited, keep the dir short.
	sockDir, err := os.MkdirTemp("", "pgqx")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	cfg := appConfig{
		DBDriver:          "duckdb",
		QueueInfoQuery:    `SELECT * FROM queue_info ORDER BY queue_name`,
		ConsumerInfoQuery: `SELECT * FROM consumer_info WHERE queue_name = $1 ORDER BY consumer_name`,
		QueryTimeout:      5 * time.Second,
		Interval:          20 * time.Millisecond,
		Type:              "pgq",
		Labels:            map[string]string{"env": "test"},
		MaxAge:            time.Minute,
		SocketPath:        filepath.Join(sockDir, "x.sock"),
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	logger := zaptest.NewLogger(t)
	agg, err := aggregator.New(reg, aggregator.WithMaxAge(cfg.MaxAge), aggregator.WithLogger(logger))
	if err != nil {
		t.Fatalf("aggregator: %v", err)
	}

	self := prometheus.NewRegistry()
	api := httpserver.NewServer("127.0.0.1:0", agg, logger, self)
	if err := api.Start(); err != nil {
		t.Fatalf("api start: %v", err)
	}
	t.Cleanup(func() { api.Stop() })

	sock := socketrpc.NewServer(cfg.SocketPath, agg, logger)
	if err := sock.Start(); err != nil {
		t.Fatalf("socket start: %v", err)
	}
	t.Cleanup(sock.Stop)

	return &pipelineStack{cfg: cfg, agg: agg, api: api, sock: sock, sockDir: sockDir}
}

// startPoller polls a seeded in-memory duckdb and ships events through the
// given transport.
func startPoller(t *testing.T, cfg appConfig) *poller.Metrics {
	t.Helper()
	logger := zaptest.NewLogger(t)

	caller, err := openCaller(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("openCaller: %v", err)
	}
	t.Cleanup(func() { caller.Close() })
	for _, stmt := range []string{
		`CREATE TABLE queue_info (queue_name VARCHAR, ev_new BIGINT, ev_per_sec DOUBLE)`,
		`INSERT INTO queue_info VALUES ('orders', 5, 0.5)`,
		`CREATE TABLE consumer_info (queue_name VARCHAR, consumer_name VARCHAR, pending_events BIGINT)`,
		`INSERT INTO consumer_info VALUES ('orders', 'billing', 18)`,
	} {
		if _, err := caller.DB().Exec(stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	plugin, err := buildSenderPlugin(cfg, nil, logger)
	if err != nil {
		t.Fatalf("buildSenderPlugin: %v", err)
	}
	sender, closer, err := plugin.Build(context.Background())
	if err != nil {
		t.Fatalf("build %s: %v", plugin.Name(), err)
	}
	t.Cleanup(func() { closer.Close() })

	metrics := poller.NewMetrics(prometheus.NewRegistry())
	proc := poller.New(poller.Config{Caller: caller, Registry: reg, Logger: logger, Metrics: metrics})
	if err := proc.Start(sender, cfg.Interval, cfg.Labels); err != nil {
		t.Fatalf("poller start: %v", err)
	}
	t.Cleanup(proc.Stop)
	return metrics
}

func scrape(t *testing.T, addr string) string {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}
	return string(body)
}

func waitEventually(t *testing.T, timeout, interval time.Duration, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("eventually timeout: %s", msg)
		}
		time.Sleep(interval)
	}
}

var pipelineWant = []string{
	`pgq_new_events{env="test",queue="orders"} 5`,
	`pgq_events_per_second{env="test",queue="orders"} 0.5`,
	`pgq_pending_events{consumer="billing",env="test",queue="orders"} 18`,
}

func containsAll(body string, want []string) bool {
	for _, w := range want {
		if !strings.Contains(body, w) {
			return false
		}
	}
	return true
}

func TestPipeline_HTTPTransport(t *testing.T) {
	stack := startPipeline(t)
	cfg := stack.cfg
	cfg.Transport = transportHTTP
	cfg.TransportURL = "http://" + stack.api.Addr()
	metrics := startPoller(t, cfg)

	waitEventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return containsAll(scrape(t, stack.api.Addr()), pipelineWant)
	}, "polled metrics never reached /metrics")

	if sent := testutil.ToFloat64(metrics.EventsSent); sent < 3 {
		t.Errorf("events sent = %v, want at least 3", sent)
	}
	if failed := testutil.ToFloat64(metrics.TickFailures); failed != 0 {
		t.Errorf("tick failures = %v, want 0", failed)
	}
}

func TestPipeline_SocketTransport(t *testing.T) {
	stack := startPipeline(t)
	cfg := stack.cfg
	cfg.Transport = transportSocket
	startPoller(t, cfg)

	client, err := socketrpc.Dial(cfg.SocketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	waitEventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		text, err := client.Metrics(ctx)
		return err == nil && containsAll(text, pipelineWant)
	}, "polled metrics never reached the socket server")

	st, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Buffered == 0 {
		t.Fatal("Status reports an empty buffer")
	}
}

func TestRunCollect_PrintsExposition(t *testing.T) {
	cfg := appConfig{
		DBDriver:       "duckdb",
		DBDSN:          ":memory:",
		QueueInfoQuery: `SELECT 'q' AS queue_name, 7 AS ev_new, CAST(NULL AS DOUBLE) AS ev_per_sec`,
		// No consumers: a query that yields no rows.
		ConsumerInfoQuery: `SELECT 'c' AS consumer_name, 1 AS pending_events WHERE $1 = 'none'`,
		QueryTimeout:      5 * time.Second,
		Type:              "pgq",
		MaxAge:            time.Minute,
	}
	var out strings.Builder
	if err := runCollect(context.Background(), cfg, zaptest.NewLogger(t), &out); err != nil {
		t.Fatalf("runCollect: %v", err)
	}
	for _, want := range []string{`pgq_new_events{queue="q"} 7`, `pgq_events_per_second{queue="q"} 0`} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("collect output missing %q:\n%s", want, out.String())
		}
	}
}
