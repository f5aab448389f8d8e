package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/replication"
)

func TestLoadSettings(t *testing.T) {
	t.Run("Defaults Without File", func(t *testing.T) {
		t.Chdir(t.TempDir())
		s, err := LoadSettings("")
		require.NoError(t, err)
		assert.Equal(t, ":6461", s.Serve.Addr)
		assert.Equal(t, replication.DefaultBatchSize, s.Push.BatchSize)
		assert.True(t, s.Push.attachments())

		d, err := s.Pull.backoff()
		require.NoError(t, err)
		assert.Equal(t, replication.DefaultBackoff, d)
	})

	t.Run("Reads File Over Defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "strata.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[serve]
watch_schema = true

[pull]
remote = "peer:6461"
live = true
backoff = "250ms"

[push]
attachments = false
`), 0644))

		s, err := LoadSettings(path)
		require.NoError(t, err)
		assert.Equal(t, ":6461", s.Serve.Addr, "unset keys keep their default")
		assert.True(t, s.Serve.WatchSchema)
		assert.Equal(t, "peer:6461", s.Pull.Remote)
		assert.True(t, s.Pull.Live)
		assert.False(t, s.Push.attachments())

		d, err := s.Pull.backoff()
		require.NoError(t, err)
		assert.Equal(t, 250*time.Millisecond, d)
	})

	t.Run("Rejects Bad Backoff", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "strata.toml")
		require.NoError(t, os.WriteFile(path, []byte("[pull]\nbackoff = \"soon\"\n"), 0644))
		_, err := LoadSettings(path)
		assert.Error(t, err)
	})
}
