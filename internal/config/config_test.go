package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rboxmail/rbox/internal/objstore"
	"github.com/rboxmail/rbox/pkg/bytesize"
	"github.com/rboxmail/rbox/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
data_dir: /srv/rbox
log_level: debug
store:
  max_write_size: 64MB
  compress: true
pools:
  primary: mail_storage
  alternate: mail_archive
namespace:
  mapping_namespace: tenants
  suffix: "@example.org"
write:
  wait_policy: acked
  chunk_size: 8MiB
index:
  dir: /srv/rbox/idx
cache:
  attribute_entries: 100
expunge:
  max_attempts: 4
  min_backoff: 5ms
  max_backoff: 20ms
  workers: 2
rebuild:
  scan_attempts: 6
metrics:
  listen: 127.0.0.1:9464
`
	path := testutil.TempFile(t, dir, "rbox.yaml", content)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/srv/rbox", cfg.DataDir)
	assert.Equal(t, int64(64*bytesize.MB), cfg.Store.MaxWriteSize.Bytes())
	assert.Equal(t, 64, cfg.MaxWriteSizeMiB())
	assert.True(t, cfg.Store.Compress)
	assert.Equal(t, "mail_storage", cfg.Pools.Primary)
	assert.Equal(t, "mail_archive", cfg.Pools.Alternate)
	assert.Equal(t, "tenants", cfg.Namespace.MappingNamespace)
	assert.Equal(t, "@example.org", cfg.Namespace.Suffix)
	assert.Equal(t, int64(8*bytesize.MB), cfg.Write.ChunkSize.Bytes())
	assert.Equal(t, "/srv/rbox/idx", cfg.Index.Dir)
	assert.Equal(t, "/srv/rbox/idx/alice.db", cfg.IndexPath("alice"))
	assert.Equal(t, "/srv/rbox/idx/team%2Fsales.db", cfg.IndexPath("team/sales"))
	assert.Equal(t, 100, cfg.Cache.AttributeEntries)
	assert.Equal(t, 6, cfg.Rebuild.ScanAttempts)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Listen)
	assert.Equal(t, filepath.Join("/srv/rbox", "store"), cfg.StoreDir())

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, level)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, objstore.WaitAcked, policy)

	lo, hi, err := cfg.Expunge.Backoff()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, lo)
	assert.Equal(t, 20*time.Millisecond, hi)
}

func TestLoadDefaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "rbox.yaml", "data_dir: /data\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, 90, cfg.MaxWriteSizeMiB())
	assert.Equal(t, DefaultPrimaryPool, cfg.Pools.Primary)
	assert.Empty(t, cfg.Pools.Alternate)
	assert.Equal(t, DefaultMappingNamespace, cfg.Namespace.MappingNamespace)
	assert.Equal(t, "committed", cfg.Write.WaitPolicy)
	assert.Zero(t, cfg.Write.ChunkSize)
	assert.Equal(t, filepath.Join("/data", DefaultIndexDir), cfg.Index.Dir)
	assert.Equal(t, DefaultCacheEntries, cfg.Cache.AttributeEntries)
	assert.Equal(t, DefaultExpungeAttempts, cfg.Expunge.MaxAttempts)
	assert.Equal(t, DefaultExpungeWorkers, cfg.Expunge.Workers)
	assert.Equal(t, DefaultScanAttempts, cfg.Rebuild.ScanAttempts)

	lo, hi, err := cfg.Expunge.Backoff()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, lo)
	assert.Equal(t, 60*time.Millisecond, hi)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Empty(t, cfg.Metrics.Listen)
}

func TestLoadExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "rbox.yaml", "data_dir: ~/rbox\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "rbox"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "rbox", DefaultIndexDir), cfg.Index.Dir)
}

func TestLoadErrors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	path := testutil.TempFile(t, dir, "bad.yaml", "store: [unclosed\n")
	_, err = Load(path)
	assert.Error(t, err)

	path = testutil.TempFile(t, dir, "badsize.yaml", "store:\n  max_write_size: lots\n")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"log level", func(c *Config) { c.LogLevel = "chatty" }},
		{"write size below 1MB", func(c *Config) { c.Store.MaxWriteSize = bytesize.Size(512 * bytesize.KB) }},
		{"same pools", func(c *Config) { c.Pools.Alternate = c.Pools.Primary }},
		{"wait policy", func(c *Config) { c.Write.WaitPolicy = "eventually" }},
		{"chunk above limit", func(c *Config) { c.Write.ChunkSize = bytesize.Size(91 * bytesize.MB) }},
		{"negative chunk", func(c *Config) { c.Write.ChunkSize = -1 }},
		{"negative cache", func(c *Config) { c.Cache.AttributeEntries = -1 }},
		{"attempts", func(c *Config) { c.Expunge.MaxAttempts = -1 }},
		{"backoff syntax", func(c *Config) { c.Expunge.MinBackoff = "soon" }},
		{"backoff order", func(c *Config) { c.Expunge.MinBackoff = "1s" }},
		{"workers", func(c *Config) { c.Expunge.Workers = -2 }},
		{"scan attempts", func(c *Config) { c.Rebuild.ScanAttempts = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEncryptionKey(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfg := Default()
	key, err := cfg.EncryptionKey()
	require.NoError(t, err)
	assert.Nil(t, key)

	hexKey := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	cfg.Store.EncryptionKeyFile = testutil.TempFile(t, dir, "rbox.key", hexKey+"\n")
	require.NoError(t, cfg.Validate())
	key, err = cfg.EncryptionKey()
	require.NoError(t, err)
	require.Len(t, key, EncryptionKeySize)
	assert.Equal(t, byte(0x1f), key[31])

	cfg.Store.EncryptionKeyFile = testutil.TempFile(t, dir, "short.key", "0011")
	assert.ErrorContains(t, cfg.Validate(), "must hold 32 bytes")

	cfg.Store.EncryptionKeyFile = testutil.TempFile(t, dir, "bad.key", "not hex")
	assert.Error(t, cfg.Validate())

	cfg.Store.EncryptionKeyFile = filepath.Join(dir, "missing.key")
	assert.ErrorIs(t, cfg.Validate(), os.ErrNotExist)
}
