package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_SaneValues(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, uint64(100), cfg.CheckpointEvery)
	assert.Equal(t, 1000, cfg.SubscriptionBuffer)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.ACL.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().CheckpointEvery, cfg.CheckpointEvery)
}

func TestLoad_OverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/loomtest
checkpoint_every: 7
log:
  level: debug
acl:
  enabled: true
  subject: alice
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/loomtest", cfg.DataDir)
	assert.Equal(t, uint64(7), cfg.CheckpointEvery)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.ACL.Enabled)

	// Untouched keys keep defaults.
	assert.Equal(t, 1000, cfg.SubscriptionBuffer)
	assert.Equal(t, filepath.Join("/tmp/loomtest", "loom.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("/tmp/loomtest", "blobs"), cfg.BlobDir())
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad log level", "log:\n  level: loud\n"},
		{"negative buffer", "subscription_buffer: -1\n"},
		{"acl without subject", "acl:\n  enabled: true\n"},
		{"empty data dir", "data_dir: \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "loom.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
