package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("expected default listen addr %q, got %q", DefaultListenAddr, cfg.ListenAddr)
	}
	if cfg.NodeAddress != "127.0.0.1"+DefaultRelayAddr {
		t.Fatalf("expected node address derived from relay addr, got %q", cfg.NodeAddress)
	}
	if cfg.Heartbeat.Interval != DefaultHeartbeatInterval || cfg.Heartbeat.Timeout != 3*DefaultHeartbeatInterval {
		t.Fatalf("unexpected heartbeat defaults: %+v", cfg.Heartbeat)
	}
	if cfg.Retry.MaxAttempts != DefaultRetryMaxAttempts {
		t.Fatalf("expected default max attempts %d, got %d", DefaultRetryMaxAttempts, cfg.Retry.MaxAttempts)
	}
	require.Equal(t, DefaultRetryBackoff, cfg.Retry.Backoff)
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.Workers.Size != DefaultWorkerPoolSize || cfg.Workers.QueueDepth != DefaultWorkerQueueDepth {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Workers)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("IMCONNECT_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("IMCONNECT_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("IMCONNECT_HEARTBEAT_FAILURE_THRESHOLD", "5")
	t.Setenv("IMCONNECT_RETRY_BACKOFF", "1s, 2s,4s")
	t.Setenv("IMCONNECT_WORKERS_SIZE", "8")
	t.Setenv("IMCONNECT_NODE_ADDRESS", "10.0.0.7:8803")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddr)
	}
	require.Equal(t, []string{"https://example.com", "https://demo.local"}, cfg.AllowedOrigins)
	require.Equal(t, 5, cfg.Heartbeat.FailureThreshold)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, cfg.Retry.Backoff)
	require.Equal(t, 8, cfg.Workers.Size)
	require.Equal(t, "10.0.0.7:8803", cfg.NodeAddress)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":7000"
heartbeat:
  interval: 10s
  timeout: 30s
retry:
  max_attempts: 5
  backoff: [1s, 10s]
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.ListenAddr)
	require.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	require.Equal(t, 30*time.Second, cfg.Heartbeat.Timeout)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, []time.Duration{time.Second, 10 * time.Second}, cfg.Retry.Backoff)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	t.Setenv("IMCONNECT_BACKLOG", "0")
	t.Setenv("IMCONNECT_RETRY_BACKOFF", "abc")
	t.Setenv("IMCONNECT_WORKERS_QUEUE_DEPTH", "-1")
	t.Setenv("IMCONNECT_RELAY_TLS_CERT", "/tmp/cert.pem")

	_, err := Load("")
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"backlog", "retry.backoff", "workers.queue_depth", "relay.tls_cert"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error to mention %s, got %q", want, msg)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestWatchPublishesValidReloads(t *testing.T) {
	path := writeConfig(t, "heartbeat:\n  failure_threshold: 3\n")
	initial, err := Load(path)
	require.NoError(t, err)
	holder := NewHolder(initial)

	changes := make(chan *Config, 4)
	errs := make(chan error, 4)
	require.NoError(t, Watch(path, holder, func(_, next *Config) { changes <- next }, func(err error) { errs <- err }))

	replaceConfig(t, path, "heartbeat:\n  failure_threshold: 7\n")
	require.Eventually(t, func() bool {
		return holder.Current().Heartbeat.FailureThreshold == 7
	}, 5*time.Second, 20*time.Millisecond)

	replaceConfig(t, path, "heartbeat:\n  failure_threshold: 0\n")
	select {
	case err := <-errs:
		require.Contains(t, err.Error(), "heartbeat.failure_threshold")
	case <-time.After(5 * time.Second):
		t.Fatalf("expected reload error for invalid config")
	}
	require.Equal(t, 7, holder.Current().Heartbeat.FailureThreshold)
}

func TestRestartRequired(t *testing.T) {
	a, err := Load("")
	require.NoError(t, err)
	b := *a
	b.ListenAddr = ":9999"
	b.Heartbeat.FailureThreshold = 9
	require.Equal(t, []string{"listen_addr"}, RestartRequired(a, &b))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connect.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// replaceConfig swaps the file in with a rename so watchers never observe a truncated file.
func replaceConfig(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("replace config: %v", err)
	}
}
