package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/timing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "feed:\n  addr: \"10.0.0.5:50000\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:50000", cfg.Feed.Addr)
	assert.Equal(t, DefaultDialTimeout, cfg.Feed.DialTimeout)
	assert.Equal(t, DefaultHTTPPort, cfg.API.Port)
	assert.Equal(t, DefaultBroadcastInterval, cfg.API.BroadcastInterval)
	assert.Equal(t, DefaultFieldSize, cfg.Points.FieldSize)
	assert.Equal(t, DefaultStorePath, cfg.Store.Path)
	assert.Empty(t, cfg.Export.Dir)
	assert.Equal(t, timing.RankByTime, cfg.Feed.Mode())
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
feed:
  addr: "192.168.1.50:50000"
  dial_timeout: 2s
  read_timeout: 30s
  max_backoff: 1m
  ranking_mode: "feed"
api:
  port: 9090
  broadcast_interval: 250ms
points:
  field_size: 44
  scheme_file: "custom.yaml"
store:
  path: "/var/lib/sn28/results.db"
export:
  dir: "exports"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Feed.DialTimeout)
	assert.Equal(t, 30*time.Second, cfg.Feed.ReadTimeout)
	assert.Equal(t, time.Minute, cfg.Feed.MaxBackoff)
	assert.Equal(t, timing.RankByFeed, cfg.Feed.Mode())
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.API.BroadcastInterval)
	assert.Equal(t, 44, cfg.Points.FieldSize)
	assert.Equal(t, "custom.yaml", cfg.Points.SchemeFile)
	assert.Equal(t, "/var/lib/sn28/results.db", cfg.Store.Path)
	assert.Equal(t, "exports", cfg.Export.Dir)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad mode", "feed:\n  addr: \"x:1\"\n  ranking_mode: \"vibes\"\n"},
		{"bad port", "api:\n  port: 99999\n"},
		{"bad field size", "points:\n  field_size: 0\n"},
		{"bad interval", "api:\n  broadcast_interval: -1s\n"},
		{"bad yaml", "feed: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatchSchemeFileReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheme.yaml")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	reloaded := make(chan string, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- WatchSchemeFile(ctx, path, func(p string) error {
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			reloaded <- string(data)
			return nil
		})
	}()

	// give the watcher a moment to install before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0644))

	select {
	case got := <-reloaded:
		assert.Equal(t, "v2", got)
	case <-time.After(3 * time.Second):
		t.Fatal("scheme reload never fired")
	}

	cancel()
	require.NoError(t, <-done)
}
