package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/harvester/internal/resource"
	"github.com/roach88/harvester/internal/store"
	"github.com/roach88/harvester/internal/webhook"
)

// hookSink collects webhook payloads.
type hookSink struct {
	mu       sync.Mutex
	payloads []webhook.Payload
	got      chan struct{}
}

func newHookSink(t *testing.T) (*hookSink, *httptest.Server) {
	sink := &hookSink{got: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sink.mu.Lock()
		sink.payloads = append(sink.payloads, p)
		sink.mu.Unlock()
		sink.got <- struct{}{}
	}))
	t.Cleanup(srv.Close)
	return sink, srv
}

type serveRun struct {
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startServe(t *testing.T, root *RootOptions) *serveRun {
	t.Helper()
	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: root,
		Listen:      "127.0.0.1:0",
		ready:       func(addr string) { ready <- addr },
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(&bytes.Buffer{})

	run := &serveRun{cancel: cancel, done: make(chan error, 1)}
	go func() { run.done <- runServe(cmd, opts) }()

	select {
	case run.addr = <-ready:
	case err := <-run.done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-run.done:
		case <-time.After(5 * time.Second):
			t.Error("serve did not stop")
		}
	})
	return run
}

func (r *serveRun) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		r.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
		return nil
	}
}

func getHealth(t *testing.T, addr, base string) (int, healthStatus) {
	t.Helper()
	resp, err := http.Get("http://" + addr + base + healthPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	var status healthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return resp.StatusCode, status
}

func waitForState(t *testing.T, addr, base, state string) healthStatus {
	t.Helper()
	var last healthStatus
	require.Eventually(t, func() bool {
		_, last = getHealth(t, addr, base)
		return last.State == state
	}, 5*time.Second, 10*time.Millisecond, "harvester never reached %s", state)
	return last
}

func TestServe_HealthAndMetrics(t *testing.T) {
	run := startServe(t, &RootOptions{Format: "text", Database: testDB(t)})

	status := waitForState(t, run.addr, "", "reading")
	assert.Equal(t, "default", status.InstanceID)
	assert.Equal(t, 0, status.Subscribers)

	resp, err := http.Get("http://" + run.addr + metricsPath)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "harvester_throttle_queue_depth")

	require.NoError(t, run.stop(t))
}

func TestServe_WebhookDeliveryAndStream(t *testing.T) {
	sink, hooks := newHookSink(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "harvester.db")

	cfgPath := filepath.Join(dir, "harvester.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
database: `+db+`
base_url: /api
resources: [comment]
stream:
  poll_interval: 20ms
  tick_interval: 1h
retry:
  delay: 10ms
handlers:
  post:
    insert:
      url: `+hooks.URL+`
    update:
      url: `+hooks.URL+`
      filter: title
`), 0o644))

	run := startServe(t, &RootOptions{Format: "text", Config: cfgPath})
	waitForState(t, run.addr, "/api", "reading")

	streamResp, err := http.Get("http://" + run.addr + "/api/changes/stream?resources=post&limit=1")
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)

	// A second connection writes, as a separate client would.
	writer, err := store.Open(db)
	require.NoError(t, err)
	defer writer.Close()

	ctx := context.Background()
	_, err = writer.Create(ctx, "post", resource.Record{"id": "p1", "title": "hello"})
	require.NoError(t, err)
	require.NoError(t, writer.Update(ctx, "post", "p1", map[string]any{"body": "no title change"}))
	require.NoError(t, writer.Update(ctx, "post", "p1", map[string]any{"title": "changed"}))

	for i := 0; i < 2; i++ {
		select {
		case <-sink.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("webhook call %d not received", i+1)
		}
	}

	sink.mu.Lock()
	payloads := append([]webhook.Payload(nil), sink.payloads...)
	sink.mu.Unlock()
	require.Len(t, payloads, 2, "filtered update must be skipped")
	assert.Equal(t, "insert", string(payloads[0].Operation))
	assert.Equal(t, "p1", payloads[0].ID)
	assert.Equal(t, "update", string(payloads[1].Operation))
	assert.Equal(t, "changed", payloads[1].Document["title"])

	// limit=1 ends the stream after the insert frame.
	frames, err := io.ReadAll(streamResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(frames), "event: post_insert")
	assert.Equal(t, 1, strings.Count(string(frames), "event: "))

	require.Eventually(t, func() bool {
		_, status := getHealth(t, run.addr, "/api")
		return status.Checkpoint == payloads[1].Position
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, run.stop(t))
}
