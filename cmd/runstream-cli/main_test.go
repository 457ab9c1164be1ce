package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/runstream/pkg/redaction"
	"github.com/tcmartin/runstream/pkg/services"
)

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
metadata: {id: wf, workspace_id: ws}
nodes:
  a: {type: code, params: {script: "return 1"}}
`), 0600))
	graph := filepath.Join(dir, "graph.json")
	require.NoError(t, os.WriteFile(graph, []byte(`{"nodes": {"a": {"kind": "code", "config": {"script": "return 1"}}}}`), 0600))
	cyclic := filepath.Join(dir, "cyclic.yaml")
	require.NoError(t, os.WriteFile(cyclic, []byte(`
nodes:
  a: {kind: code, config: {script: x}}
  b: {kind: code, config: {script: x}}
edges:
  - {source: a, target: b}
  - {source: b, target: a}
`), 0600))

	assert.NoError(t, validateFile(good, false))
	assert.NoError(t, validateFile(graph, true))
	assert.Error(t, validateFile(graph, false))
	assert.Error(t, validateFile(cyclic, true))
	assert.Error(t, validateFile(filepath.Join(dir, "missing.yaml"), false))
}

func TestRedactTo(t *testing.T) {
	engine := redaction.New(redaction.Config{}, nil)

	var out bytes.Buffer
	require.NoError(t, redactTo(&out, engine, []byte(`{"user": "ann", "password": "hunter2"}`)))
	assert.Contains(t, out.String(), `"user": "ann"`)
	assert.Contains(t, out.String(), redaction.Placeholder)
	assert.NotContains(t, out.String(), "hunter2")

	out.Reset()
	require.NoError(t, redactTo(&out, engine, []byte("plain text")))
	assert.Equal(t, "plain text\n", out.String())
}

func TestTokenCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "ws-1", "--secret", "s3cret", "--config", filepath.Join(t.TempDir(), "none.json")})
	require.NoError(t, cmd.Execute())

	claims, err := services.NewJWTService("s3cret", 1).ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ws-1", claims.WorkspaceID)
}

func sseServer(t *testing.T, status string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/run-1/events", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []struct{ id, data string }{
			{"e1", `{"id":1,"run_id":"run-1","node_id":"a","event_id":"e1","kind":"log","level":"info","message":{"msg":"hi"}}`},
			{"e1", `{"id":1,"run_id":"run-1","node_id":"a","event_id":"e1","kind":"log","level":"info","message":{"msg":"hi"}}`},
			{"e2", fmt.Sprintf(`{"id":2,"run_id":"run-1","node_id":"$run","event_id":"e2","kind":"status","level":"info","message":{"status":%q}}`, status)},
		}
		fmt.Fprint(w, ": subscribed\n\n")
		for _, f := range frames {
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", f.id, "message", f.data)
		}
		w.(http.Flusher).Flush()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWatchStopsAtTerminalStatus(t *testing.T) {
	srv := sseServer(t, "success")
	serverURL, token = srv.URL, "tok"
	t.Cleanup(func() { serverURL, token = "", "" })

	var out bytes.Buffer
	require.NoError(t, watch(context.Background(), "run-1", &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"event_id":"e1"`)
	assert.Contains(t, lines[1], `"status":"success"`)
}

func TestWatchReportsFailedRun(t *testing.T) {
	srv := sseServer(t, "failed")
	serverURL, token = srv.URL, "tok"
	t.Cleanup(func() { serverURL, token = "", "" })

	err := watch(context.Background(), "run-1", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}
