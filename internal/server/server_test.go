package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camforge/camforge/internal/cloud"
	"github.com/camforge/camforge/internal/device/scan"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/state"
)

func newTestServer(t *testing.T) (*Server, *progress.Hub, *state.Store) {
	t.Helper()
	store, err := state.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hub := progress.NewHub()
	srv, err := New(Config{Hub: hub, Store: store})
	require.NoError(t, err)
	return srv, hub, store
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"ok"`)
}

func TestServer_RunListAndGet(t *testing.T) {
	t.Parallel()
	srv, _, store := newTestServer(t)
	ctx := context.Background()

	run := &state.Run{
		ID:      "run-1",
		Project: "demo-project",
		Status:  state.StatusRunning,
		Steps:   []state.StepState{{Key: "apis", Status: state.StepCompleted}},
		Secrets: map[string]string{"device.password": "hunter2"},
	}
	require.NoError(t, store.Create(ctx, run))

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var summaries []state.Summary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "run-1", summaries[0].ID)

	rr = httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs/run-1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"demo-project"`)
	// The run document never leaks sealed secrets.
	assert.NotContains(t, rr.Body.String(), "hunter2")
}

func TestServer_RunGetNotFound(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_EmptyRunListIsArray(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rr.Body.String()))
}

func TestServer_EventsStreamSkipsBacklog(t *testing.T) {
	t.Parallel()
	srv, hub, _ := newTestServer(t)

	// Events published before the client connects must not be replayed.
	hub.Publish(progress.Event{RunID: "run-1", Step: "apis", Status: progress.StatusRunning, Percent: 10, Message: "stale"})
	hub.Publish(progress.Event{RunID: "run-1", Step: "apis", Status: progress.StatusCompleted, Percent: 100, Message: "stale"})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/runs/run-1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readLine := func() string {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimRight(line, "\n")
	}

	assert.Equal(t, "retry: 2000", readLine())
	assert.Equal(t, ":connected", readLine())
	assert.Equal(t, "", readLine())

	// The subscription is live once the handshake is out.
	hub.Publish(progress.Event{RunID: "run-1", Step: "roles", Status: progress.StatusRunning, Percent: 40, Message: "binding roles"})

	assert.True(t, strings.HasPrefix(readLine(), "id: "))
	assert.Equal(t, "event: progress", readLine())

	data := readLine()
	require.True(t, strings.HasPrefix(data, "data: "))
	var ev progress.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &ev))
	assert.Equal(t, "roles", ev.Step)
	assert.Equal(t, 40, ev.Percent)
	assert.NotContains(t, data, "stale")
}

func TestServer_EventsStreamResumesFromCursor(t *testing.T) {
	t.Parallel()
	srv, hub, _ := newTestServer(t)

	hub.Publish(progress.Event{RunID: "run-1", Step: "apis", Status: progress.StatusRunning, Percent: 10})
	hub.Publish(progress.Event{RunID: "run-1", Step: "apis", Status: progress.StatusCompleted, Percent: 100})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/runs/run-1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	reader := bufio.NewReader(resp.Body)
	var frames []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		frames = append(frames, strings.TrimRight(line, "\n"))
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}

	joined := strings.Join(frames, "\n")
	assert.Contains(t, joined, "id: 2")
	assert.NotContains(t, joined, "id: 1\n")
}

func TestServer_EventsRejectsBadCursor(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/runs/run-1/events", nil)
	req.Header.Set("Last-Event-ID", "not-a-number")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	srv.Metrics().Observe(progress.Event{RunID: "run-1", Step: "apis", Status: progress.StatusRunning, Percent: 0})
	srv.Metrics().Observe(progress.Event{RunID: "run-1", Step: "apis", Status: progress.StatusCompleted, Percent: 100})

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "camforge_run_steps_started_total 1")
	assert.Contains(t, body, `camforge_run_steps_total{status="completed"} 1`)
}

func TestMetrics_CountsRetriesOnce(t *testing.T) {
	t.Parallel()
	m := NewMetrics()

	// First attempt, a retry, then the retry reported twice.
	m.Observe(progress.Event{RunID: "run-1", Step: "functions", Status: progress.StatusRunning, Attempt: 1})
	m.Observe(progress.Event{RunID: "run-1", Step: "functions", Status: progress.StatusRunning, Attempt: 2})
	m.Observe(progress.Event{RunID: "run-1", Step: "functions", Status: progress.StatusRunning, Attempt: 2})
	m.Observe(progress.Event{RunID: "run-1", Step: "functions", Status: progress.StatusCompleted, Percent: 100})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.retryAttempts))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stepsStarted))
}

func TestMetrics_RetryWatermarkResetsAfterTerminal(t *testing.T) {
	t.Parallel()
	m := NewMetrics()

	m.Observe(progress.Event{RunID: "run-1", Step: "gateway", Status: progress.StatusRunning, Attempt: 3})
	m.Observe(progress.Event{RunID: "run-1", Step: "gateway", Status: progress.StatusFailed})
	// A resumed execution starts counting attempts from one again.
	m.Observe(progress.Event{RunID: "run-1", Step: "gateway", Status: progress.StatusRunning, Attempt: 1})
	m.Observe(progress.Event{RunID: "run-1", Step: "gateway", Status: progress.StatusRunning, Attempt: 2})

	assert.Equal(t, float64(3), testutil.ToFloat64(m.retryAttempts))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.stepsStarted))
}

func TestMetrics_CountsDeviceOutcomes(t *testing.T) {
	t.Parallel()
	m := NewMetrics()

	m.Observe(progress.Event{RunID: "run-1", Step: cloud.StepDevices, Sub: "10.0.1.20", Status: progress.StatusRunning, Percent: 40})
	m.Observe(progress.Event{RunID: "run-1", Step: cloud.StepDevices, Sub: "10.0.1.20", Status: progress.StatusCompleted, Percent: 100})
	m.Observe(progress.Event{RunID: "run-1", Step: cloud.StepDevices, Sub: "10.0.1.21", Status: progress.StatusFailed, Percent: 100})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.devicesTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.devicesTotal.WithLabelValues("failed")))
}

func TestMetrics_CountsRunOutcomesAndScanProbes(t *testing.T) {
	t.Parallel()
	m := NewMetrics()

	m.Observe(progress.Event{RunID: "run-1", Status: progress.StatusCompleted, Message: "provisioning completed"})
	m.Observe(progress.Event{RunID: "run-2", Status: progress.StatusFailed, Message: "step gateway failed"})

	m.ObserveScan(scan.Event{Type: scan.EventScanning, Address: "10.0.1.5"})
	m.ObserveScan(scan.Event{Type: scan.EventFound, Address: "10.0.1.5"})
	m.ObserveScan(scan.Event{Type: scan.EventScanning, Address: "10.0.1.6"})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.scanProbes))
}

func TestValidateLoopback(t *testing.T) {
	t.Parallel()
	for _, addr := range []string{"127.0.0.1:8080", "localhost:9000", "[::1]:7777"} {
		assert.NoError(t, validateLoopback(addr), addr)
	}
	for _, addr := range []string{"0.0.0.0:8080", "10.0.0.1:80", "example.com:80", "no-port"} {
		assert.Error(t, validateLoopback(addr), addr)
	}
}
