// Package config handles configuration loading and validation for rbox.
package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rboxmail/rbox/internal/objstore"
	"github.com/rboxmail/rbox/pkg/bytesize"
)

// Defaults.
const (
	DefaultDataDir          = "/var/lib/rbox"
	DefaultLogLevel         = "info"
	DefaultMaxWriteSize     = 90 * bytesize.MB
	DefaultPrimaryPool      = "mail"
	DefaultMappingNamespace = "users"
	DefaultIndexDir         = "index"
	DefaultCacheEntries     = 4096
	DefaultExpungeAttempts  = 10
	DefaultMinBackoff       = "10ms"
	DefaultMaxBackoff       = "60ms"
	DefaultExpungeWorkers   = 4
	DefaultScanAttempts     = 3

	EncryptionKeySize = 32
)

// StoreConfig configures the object store backend.
type StoreConfig struct {
	// MaxWriteSize is reported by the store as its per-operation payload
	// limit. It is rounded down to whole MiB.
	MaxWriteSize bytesize.Size `yaml:"max_write_size"`
	Compress     bool          `yaml:"compress"`
	NoSync       bool          `yaml:"no_sync"` // Skip fsync; tests and scratch setups only
	// EncryptionKeyFile holds a hex encoded 32 byte key. When set, message
	// payloads are encrypted at rest.
	EncryptionKeyFile string `yaml:"encryption_key_file"`
}

// PoolsConfig names the storage tiers.
type PoolsConfig struct {
	Primary   string `yaml:"primary"`
	Alternate string `yaml:"alternate"` // Empty disables the alternate tier
}

// NamespaceConfig configures tenant namespace resolution.
type NamespaceConfig struct {
	MappingNamespace string `yaml:"mapping_namespace"`
	Suffix           string `yaml:"suffix"` // Appended to tenant names before lookup
}

// WriteConfig configures the chunked write engine.
type WriteConfig struct {
	WaitPolicy string `yaml:"wait_policy"` // committed or acked
	// ChunkSize overrides the chunk size learned from the store. Zero uses
	// the store limit.
	ChunkSize bytesize.Size `yaml:"chunk_size"`
}

// IndexConfig configures the local index.
type IndexConfig struct {
	// Dir holds one index file per tenant. Default: {data_dir}/index
	Dir string `yaml:"dir"`
}

// CacheConfig configures the attribute cache.
type CacheConfig struct {
	AttributeEntries int `yaml:"attribute_entries"`
}

// ExpungeConfig configures sync passes.
type ExpungeConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	MinBackoff  string `yaml:"min_backoff"` // Duration string, e.g. "10ms"
	MaxBackoff  string `yaml:"max_backoff"`
	Workers     int    `yaml:"workers"`
}

// Backoff returns the parsed backoff bounds.
func (c ExpungeConfig) Backoff() (time.Duration, time.Duration, error) {
	lo, err := time.ParseDuration(c.MinBackoff)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid expunge.min_backoff: %w", err)
	}
	hi, err := time.ParseDuration(c.MaxBackoff)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid expunge.max_backoff: %w", err)
	}
	return lo, hi, nil
}

// RebuildConfig configures index rebuilds.
type RebuildConfig struct {
	ScanAttempts int `yaml:"scan_attempts"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // Empty disables /metrics
}

// Config is the rbox configuration file.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	Store     StoreConfig     `yaml:"store"`
	Pools     PoolsConfig     `yaml:"pools"`
	Namespace NamespaceConfig `yaml:"namespace"`
	Write     WriteConfig     `yaml:"write"`
	Index     IndexConfig     `yaml:"index"`
	Cache     CacheConfig     `yaml:"cache"`
	Expunge   ExpungeConfig   `yaml:"expunge"`
	Rebuild   RebuildConfig   `yaml:"rebuild"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Store.MaxWriteSize == 0 {
		c.Store.MaxWriteSize = bytesize.Size(DefaultMaxWriteSize)
	}
	if c.Pools.Primary == "" {
		c.Pools.Primary = DefaultPrimaryPool
	}
	if c.Namespace.MappingNamespace == "" {
		c.Namespace.MappingNamespace = DefaultMappingNamespace
	}
	if c.Write.WaitPolicy == "" {
		c.Write.WaitPolicy = objstore.WaitCommitted.String()
	}
	if c.Index.Dir == "" {
		c.Index.Dir = filepath.Join(c.DataDir, DefaultIndexDir)
	}
	c.Index.Dir = expandHome(c.Index.Dir)
	c.Store.EncryptionKeyFile = expandHome(c.Store.EncryptionKeyFile)
	if c.Cache.AttributeEntries == 0 {
		c.Cache.AttributeEntries = DefaultCacheEntries
	}
	if c.Expunge.MaxAttempts == 0 {
		c.Expunge.MaxAttempts = DefaultExpungeAttempts
	}
	if c.Expunge.MinBackoff == "" {
		c.Expunge.MinBackoff = DefaultMinBackoff
	}
	if c.Expunge.MaxBackoff == "" {
		c.Expunge.MaxBackoff = DefaultMaxBackoff
	}
	if c.Expunge.Workers == 0 {
		c.Expunge.Workers = DefaultExpungeWorkers
	}
	if c.Rebuild.ScanAttempts == 0 {
		c.Rebuild.ScanAttempts = DefaultScanAttempts
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// StoreDir is where the filesystem object store keeps its pools.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// IndexPath returns the index file of a tenant.
func (c *Config) IndexPath(tenant string) string {
	return filepath.Join(c.Index.Dir, url.PathEscape(tenant)+".db")
}

// MaxWriteSizeMiB returns the store write limit in whole MiB.
func (c *Config) MaxWriteSizeMiB() int {
	return int(c.Store.MaxWriteSize.Bytes() / bytesize.MB)
}

// EncryptionKey reads the payload key. It returns nil when no key file is
// configured.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.Store.EncryptionKeyFile == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(c.Store.EncryptionKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read store.encryption_key_file: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("store.encryption_key_file: %w", err)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("store.encryption_key_file must hold %d bytes, got %d", EncryptionKeySize, len(key))
	}
	return key, nil
}

// Level returns the parsed log level.
func (c *Config) Level() (zerolog.Level, error) {
	return zerolog.ParseLevel(c.LogLevel)
}

// Policy returns the parsed write wait policy.
func (c *Config) Policy() (objstore.WaitPolicy, error) {
	return objstore.ParseWaitPolicy(c.Write.WaitPolicy)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if c.Store.MaxWriteSize < 0 {
		return fmt.Errorf("store.max_write_size must not be negative")
	}
	if c.MaxWriteSizeMiB() < 1 {
		return fmt.Errorf("store.max_write_size must be at least 1MB")
	}
	if _, err := c.EncryptionKey(); err != nil {
		return err
	}
	if c.Pools.Primary == c.Pools.Alternate {
		return fmt.Errorf("pools.alternate must differ from pools.primary")
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("invalid write.wait_policy: %w", err)
	}
	if c.Write.ChunkSize < 0 {
		return fmt.Errorf("write.chunk_size must not be negative")
	}
	if c.Write.ChunkSize.Bytes() > int64(c.MaxWriteSizeMiB())*bytesize.MB {
		return fmt.Errorf("write.chunk_size %s exceeds store.max_write_size %s", c.Write.ChunkSize, c.Store.MaxWriteSize)
	}
	if c.Cache.AttributeEntries < 0 {
		return fmt.Errorf("cache.attribute_entries must not be negative")
	}
	if c.Expunge.MaxAttempts < 1 {
		return fmt.Errorf("expunge.max_attempts must be at least 1")
	}
	lo, hi, err := c.Expunge.Backoff()
	if err != nil {
		return err
	}
	if lo < 0 || hi < lo {
		return fmt.Errorf("expunge backoff must satisfy 0 <= min_backoff <= max_backoff")
	}
	if c.Expunge.Workers < 1 {
		return fmt.Errorf("expunge.workers must be at least 1")
	}
	if c.Rebuild.ScanAttempts < 1 {
		return fmt.Errorf("rebuild.scan_attempts must be at least 1")
	}
	return nil
}
