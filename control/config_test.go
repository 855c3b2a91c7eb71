package control

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 512, cfg.Registry.GrowStep)
	assert.Equal(t, 10*time.Millisecond, cfg.Registry.CloseRedelivery)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
registry:
  grow_step: 16
  max_sockets: 64
  close_redelivery: 25ms
tls:
  verify_mode: builtin
  session_ttl: 30m
resolver:
  servers: ["127.0.0.1:53"]
proxy:
  type: socks5
  address: 127.0.0.1:1080
log:
  level: debug
  format: json
`))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Registry.GrowStep)
	assert.Equal(t, 64, cfg.Registry.MaxSockets)
	assert.Equal(t, 25*time.Millisecond, cfg.Registry.CloseRedelivery)
	assert.Equal(t, "builtin", cfg.TLS.VerifyMode)
	assert.Equal(t, 30*time.Minute, cfg.TLS.SessionTTL)
	assert.Equal(t, []string{"127.0.0.1:53"}, cfg.Resolver.Servers)
	assert.Equal(t, "socks5", cfg.Proxy.Type)
	// untouched sections keep defaults
	assert.Equal(t, 64*1024, cfg.Socket.ReadBufferSize)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("tls:\n  verify_mode: sometimes\nproxy:\n  type: http\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verify_mode")
	assert.Contains(t, err.Error(), "proxy.address")

	_, err = Parse([]byte("registry: [1, 2"))
	require.Error(t, err)
}

func TestConfigStoreNotifiesListeners(t *testing.T) {
	store := NewConfigStore(Default())
	var seen []string
	store.OnReload(func(old, cur Config) {
		seen = append(seen, old.Log.Level+"->"+cur.Log.Level)
	})

	next := Default()
	next.Log.Level = "debug"
	require.NoError(t, store.Update(next))
	assert.Equal(t, []string{"info->debug"}, seen)
	assert.Equal(t, "debug", store.Snapshot().Log.Level)

	bad := Default()
	bad.Registry.GrowStep = 0
	require.Error(t, store.Update(bad))
	assert.Len(t, seen, 1)
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLoggerTo(&buf, LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	log.Info("dropped")
	log.WithField("index", 3).Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"index":3`)

	_, err = NewLoggerTo(&buf, LogConfig{Level: "loud"})
	require.Error(t, err)
}

func TestFileWatcherReloadsEditMadeBeforeRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	store := NewConfigStore(Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := Discard()
	log.SetLevel(logrus.PanicLevel)
	w := NewFileWatcher(store, path, 5*time.Millisecond, log)
	// Edit before the polling goroutine has run even once.
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return store.Snapshot().Log.Level == "debug"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFileWatcherIgnoresUnchangedAndBrokenFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	store := NewConfigStore(Default())
	log := Discard()
	w := NewFileWatcher(store, path, time.Hour, log)
	w.poll()
	assert.Equal(t, "info", store.Snapshot().Log.Level, "baseline file is not reloaded")

	require.NoError(t, os.WriteFile(path, []byte("registry: [oops"), 0o600))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	w.poll()
	assert.Equal(t, "info", store.Snapshot().Log.Level)

	require.NoError(t, os.Remove(path))
	w.poll()
	assert.Equal(t, "info", store.Snapshot().Log.Level)
}

func TestMetricsAndProbes(t *testing.T) {
	m := NewMetricsRegistry()
	m.Inc("registry.attached")
	m.Add("registry.attached", 2)
	m.Set("registry.slots", 512)
	assert.Equal(t, int64(3), m.Counter("registry.attached"))
	snap := m.GetSnapshot()
	assert.Equal(t, int64(3), snap["registry.attached"])
	assert.Equal(t, 512, snap["registry.slots"])

	dp := NewDebugProbes()
	RegisterPlatformProbes(dp)
	dp.RegisterProbe("x", func() any { return 1 })
	assert.Contains(t, dp.Names(), "x")
	assert.Equal(t, 1, dp.DumpState()["x"])
	dp.UnregisterProbe("x")
	assert.NotContains(t, dp.Names(), "x")
}
