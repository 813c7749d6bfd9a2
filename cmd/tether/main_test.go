package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--no-color"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir string, port int) string {
	t.Helper()
	cfg := fmt.Sprintf(`[discovery]
port_start = %[1]d
port_end = %[1]d
probe_timeout_ms = 1000

[store]
backend = "file"
path = %[2]q

[bus]
bind = "127.0.0.1:1"

[log]
file = %[3]q
`, port, filepath.Join(dir, "state.json"), filepath.Join(dir, "tether.log"))
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func fakeDaemon(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"app":"downloader","version":"1.4.0","status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestValidateCmd(t *testing.T) {
	out, err := execute(t, "validate", "port", "9090")
	require.NoError(t, err)
	require.Contains(t, out, "valid port")

	out, err = execute(t, "validate", "port", "70000")
	require.EqualError(t, err, "invalid value")
	require.Contains(t, out, "Port must be between 1 and 65535")

	_, err = execute(t, "validate", "colour", "red")
	require.ErrorContains(t, err, `unknown kind "colour"`)

	_, err = execute(t, "validate", "port")
	require.Error(t, err)
}

func TestDiscoverStatusReset(t *testing.T) {
	dir := t.TempDir()
	port := fakeDaemon(t)
	cfg := writeConfig(t, dir, port)

	out, err := execute(t, "--config", cfg, "discover")
	require.NoError(t, err)
	require.Contains(t, out, fmt.Sprintf("daemon on port %d (1 probed)", port))

	out, err = execute(t, "--config", cfg, "discover")
	require.NoError(t, err)
	require.Contains(t, out, fmt.Sprintf("daemon on port %d (cached)", port))

	out, err = execute(t, "--config", cfg, "status", "--json")
	require.NoError(t, err)
	var report struct {
		Port     *int `json:"port"`
		WorkerUp bool `json:"workerUp"`
		Health   *struct {
			App     string `json:"app"`
			Version string `json:"version"`
		} `json:"health"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.NotNil(t, report.Port)
	require.Equal(t, port, *report.Port)
	require.False(t, report.WorkerUp)
	require.NotNil(t, report.Health)
	require.Equal(t, "1.4.0", report.Health.Version)

	out, err = execute(t, "--config", cfg, "reset")
	require.NoError(t, err)
	require.Contains(t, out, "cleared persisted state")

	out, err = execute(t, "--config", cfg, "status")
	require.NoError(t, err)
	require.Contains(t, out, "daemon unreachable: no cached port")
}

func TestDiscoverCmd_NotFound(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = execute(t, "--config", writeConfig(t, dir, port), "discover", "--force")
	require.ErrorContains(t, err, "no reachable daemon")
}

func TestLogsCmd(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, 9090)
	lines := []string{
		`time=2026-10-17T10:00:00Z level=INFO msg="discovery started" context=worker`,
		`time=2026-10-17T10:00:01Z level=WARN msg="discovery failed" context=worker failures=1`,
		`time=2026-10-17T10:00:02Z level=DEBUG msg="bus publish failed" context=popup`,
		`time=2026-10-17T10:00:03Z level=ERROR msg="kv watch stopped" context=popup`,
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tether.log"), []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	out, err := execute(t, "--config", cfg, "logs", "-n", "3")
	require.NoError(t, err)
	require.Equal(t, strings.Join(lines[1:], "\n")+"\n", out)

	out, err = execute(t, "--config", cfg, "logs", "--level", "warn", "--context", "worker")
	require.NoError(t, err)
	require.Equal(t, lines[1]+"\n", out)

	_, err = execute(t, "--config", cfg, "logs", "--level", "loud")
	require.ErrorContains(t, err, "invalid log level")
}

func TestLogsCmd_NoFile(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "--config", writeConfig(t, dir, 9090), "logs")
	require.NoError(t, err)
	require.Contains(t, out, "no log output")
}
