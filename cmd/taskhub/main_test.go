package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/config"
	"github.com/taskhub/taskhub/pkg/logger"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{
		"-c", "taskhub.yaml",
		"--port", "9000",
		"--log-level", "debug",
		"--storage", "sqlite",
		"--sessions", "redis",
		"--debug",
	}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "taskhub.yaml", opts.configPath)
	assert.Equal(t, map[string]interface{}{
		"server.port":  9000,
		"log.level":    "debug",
		"storage.type": "sqlite",
		"session.type": "redis",
		"app.debug":    true,
	}, opts.overrides())
}

func TestParseFlags_Help(t *testing.T) {
	var out bytes.Buffer
	_, err := parseFlags([]string{"--help"}, &out)
	assert.True(t, errors.Is(err, pflag.ErrHelp))
	assert.Contains(t, out.String(), "TASKHUB_")
}

func TestParseFlags_NoOverrides(t *testing.T) {
	opts, err := parseFlags(nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Empty(t, opts.overrides())
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{"memory", func(c *config.Config) { c.Storage.Type = "memory" }, false},
		{"badger", func(c *config.Config) {
			c.Storage.Type = "badger"
			c.Storage.Badger.Path = filepath.Join(dir, "badger")
		}, false},
		{"sqlite", func(c *config.Config) {
			c.Storage.Type = "sqlite"
			c.Storage.SQLite.Path = filepath.Join(dir, "taskhub.db")
		}, false},
		{"unknown", func(c *config.Config) { c.Storage.Type = "postgres" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)

			store, err := openStorage(ctx, cfg, logger.NewNop())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer store.Close()
			assert.NoError(t, store.Ping(ctx))
		})
	}
}

func TestOpenSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.DefaultConfig()
	store, err := openSessions(ctx, cfg, logger.NewNop())
	require.NoError(t, err)
	defer store.Close()

	sess, err := store.Create(ctx, 1)
	require.NoError(t, err)
	got, err := store.Get(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UserID)

	cfg.Session.Type = "memcached"
	_, err = openSessions(ctx, cfg, logger.NewNop())
	assert.Error(t, err)
}

type recordingLimits struct {
	calls   int
	maxConn int
	rate    float64
	burst   int
}

func (r *recordingLimits) UpdateLimits(maxConnections int, relayRate float64, relayBurst int) {
	r.calls++
	r.maxConn, r.rate, r.burst = maxConnections, relayRate, relayBurst
}

func TestApplyReload(t *testing.T) {
	log := logger.NewNop()
	cfg := config.DefaultConfig()
	baseline := config.ExtractHotReloadable(cfg)
	limits := &recordingLimits{}

	same := applyReload(baseline, config.DefaultConfig(), log, limits)
	assert.Equal(t, baseline, same)
	assert.Zero(t, limits.calls)

	next := config.DefaultConfig()
	next.Log.Level = "debug"
	next.Live.MaxConnections = 5
	next.Live.RelayRate = 2
	next.Live.RelayBurst = 4

	updated := applyReload(baseline, next, log, limits)
	assert.Equal(t, 1, limits.calls)
	assert.Equal(t, 5, limits.maxConn)
	assert.Equal(t, 2.0, limits.rate)
	assert.Equal(t, 4, limits.burst)
	assert.Equal(t, "debug", updated.LogLevel)
	assert.Equal(t, logger.DebugLevel, log.GetLevel())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "taskhub.yaml")
	content := fmt.Sprintf(`server:
  host: 127.0.0.1
log:
  output: discard
storage:
  type: sqlite
  sqlite:
    path: %s
metrics:
  enabled: false
`, filepath.Join(dir, "taskhub.db"))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	opts := &options{configPath: configPath, port: freePort(t)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- runWithReady(ctx, opts, ready)
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := strings.NewReader(`{"email":"a@example.com","name":"A","password":"long-enough"}`)
	resp, err = http.Post("http://"+addr+"/api/v1/auth/register", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	opts := &options{storageType: "cassandra"}
	err := run(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load configuration")
}
