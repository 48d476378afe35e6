package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.ListenAddr)
	assert.Equal(t, "http://httpbin.org", cfg.Upstream)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, Bucket{
		FillInterval:  time.Second,
		Capacity:      100,
		Quantum:       100,
		InitialTokens: 100,
	}, cfg.Bucket)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
listen_addr: "127.0.0.1:9000"
upstream: "http://localhost:8080"
request_timeout: 5s
log:
  level: debug
  format: json
bucket:
  fill_interval: 3s
  capacity: 50
  quantum: 10
  initial_tokens: 25
  max_wait: 250ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, Bucket{
		FillInterval:  3 * time.Second,
		Capacity:      50,
		Quantum:       10,
		InitialTokens: 25,
		MaxWait:       250 * time.Millisecond,
	}, cfg.Bucket)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TOKENBUCKET_BUCKET_CAPACITY", "7")
	t.Setenv("TOKENBUCKET_BUCKET_INITIAL_TOKENS", "7")
	t.Setenv("TOKENBUCKET_BUCKET_FILL_INTERVAL", "500ms")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, uint64(7), cfg.Bucket.Capacity)
	assert.Equal(t, uint64(7), cfg.Bucket.InitialTokens)
	assert.Equal(t, 500*time.Millisecond, cfg.Bucket.FillInterval)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"zero fill interval", "bucket:\n  fill_interval: 0s\n", "Config.Bucket.FillInterval"},
		{"zero quantum", "bucket:\n  quantum: 0\n", "Config.Bucket.Quantum"},
		{"initial above capacity", "bucket:\n  capacity: 10\n  initial_tokens: 11\n", "Config.Bucket.InitialTokens"},
		{"negative max wait", "bucket:\n  max_wait: -1s\n", "Config.Bucket.MaxWait"},
		{"bad log format", "log:\n  format: xml\n", "Config.Log.Format"},
		{"bad upstream", "upstream: \"not a url\"\n", "Config.Upstream"},
		{"zero request timeout", "request_timeout: 0s\n", "Config.RequestTimeout"},
		{"max wait beyond default request timeout", "bucket:\n  max_wait: 31s\n", "Config.Bucket.MaxWait"},
		{"max wait equal to request timeout", "request_timeout: 2s\nbucket:\n  max_wait: 2s\n", "Config.Bucket.MaxWait"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_MaxWaitWithinRequestTimeout(t *testing.T) {
	cfg, err := Load(writeConfig(t, "request_timeout: 2s\nbucket:\n  max_wait: 1999ms\n"))
	require.NoError(t, err)
	assert.Equal(t, 1999*time.Millisecond, cfg.Bucket.MaxWait)

	_, err = Load(writeConfig(t, "request_timeout: 2s\nbucket:\n  max_wait: 2s\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), `"ltrequesttimeout"`)
}

func TestWatcher_Reload(t *testing.T) {
	path := writeConfig(t, "bucket:\n  capacity: 100\n")

	w, err := NewWatcher(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), w.Config().Bucket.Capacity)

	changed := make(chan *Config, 4)
	w.Start(func(c *Config, err error) {
		if err != nil {
			return
		}
		select {
		case changed <- c:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("bucket:\n  capacity: 200\n  initial_tokens: 200\n"), 0o600))

	// the truncating write can surface as its own event first
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Bucket.Capacity == 200 {
				assert.Equal(t, uint64(100), w.Config().Bucket.Capacity)
				return
			}
		case <-timeout:
			t.Fatal("config change not observed")
		}
	}
}

func TestNewWatcher_Errors(t *testing.T) {
	_, err := NewWatcher("")
	assert.Error(t, err)

	_, err = NewWatcher(writeConfig(t, "bucket:\n  quantum: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/etc/tbproxy.yaml")
	assert.Equal(t, "/etc/tbproxy.yaml", Path())
}
