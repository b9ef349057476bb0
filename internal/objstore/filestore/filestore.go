// Package filestore is a filesystem-backed objstore.Cluster.
//
// Directory structure:
//
//	{dataDir}/
//	  pools/
//	    {pool}/
//	      _/                      # default namespace
//	        {oid}.data            # payload (optionally zstd compressed, then sealed)
//	        {oid}.meta.json       # size, mtime, xattrs, omap
//	      n_{namespace}/
//	        ...
//
// Every write operation is applied under a per-object lock and persisted via
// temp file + rename, so readers see either the old or the new object.
// Asynchronous operations acknowledge after the rename and commit after the
// files were fsync'd.
//
// With a key configured payloads are sealed with XChaCha20-Poly1305 under a
// key derived from it via HKDF-SHA256. Each write draws a fresh random nonce
// which is stored in front of the ciphertext. The oid is bound as additional
// data. Xattrs and omap stay in the clear.
package filestore

import (
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/rboxmail/rbox/internal/objstore"
)

// DefaultMaxWriteSizeMiB matches the usual OSD default.
const DefaultMaxWriteSizeMiB = 90

const lockShards = 64

// ErrTooLarge is returned for a write step larger than the configured
// max write size.
var ErrTooLarge = errors.New("write exceeds max write size")

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("cluster closed")

// ErrNoKey is returned when reading a sealed object without a key.
var ErrNoKey = errors.New("object is encrypted and no key is configured")

// KeySize is the length of Options.Key.
const KeySize = 32

// Options configures a Cluster.
type Options struct {
	// MaxWriteSizeMiB is reported as osd_max_write_size and enforced per
	// write step. 0 uses DefaultMaxWriteSizeMiB.
	MaxWriteSizeMiB int

	// Compress stores payloads zstd compressed.
	Compress bool

	// Key enables at-rest encryption of payloads. It must be KeySize bytes.
	Key []byte

	// NoSync skips fsync. Use only for tests.
	NoSync bool

	// Settings are extra values returned by ConfigValue.
	Settings map[string]string

	Logger zerolog.Logger
}

// Cluster is a filesystem object store rooted at one data directory.
type Cluster struct {
	dataDir string
	opts    Options
	logger  zerolog.Logger

	locks [lockShards]sync.Mutex

	encoderPool sync.Pool
	decoderPool sync.Pool
	aead        cipher.AEAD

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Open creates or opens a cluster rooted at dataDir.
func Open(dataDir string, opts Options) (*Cluster, error) {
	if opts.MaxWriteSizeMiB == 0 {
		opts.MaxWriteSizeMiB = DefaultMaxWriteSizeMiB
	}
	if opts.MaxWriteSizeMiB < 0 {
		return nil, fmt.Errorf("%w: max write size %d", objstore.ErrConfigInvalid, opts.MaxWriteSizeMiB)
	}
	aead, err := newAEAD(opts.Key)
	if err != nil {
		return nil, err
	}
	opts.Key = nil
	if err := os.MkdirAll(filepath.Join(dataDir, "pools"), 0755); err != nil {
		return nil, fmt.Errorf("create pools dir: %w", err)
	}

	c := &Cluster{
		dataDir: dataDir,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "filestore").Logger(),
		aead:    aead,
	}
	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return c, nil
}

// newAEAD derives the payload cipher from a master key. A nil key disables
// encryption.
func newAEAD(master []byte) (cipher.AEAD, error) {
	if len(master) == 0 {
		return nil, nil
	}
	if len(master) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", objstore.ErrConfigInvalid, KeySize, len(master))
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte("rbox-filestore-payload"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive payload key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead, nil
}

// Encrypted reports whether payloads are sealed at rest.
func (c *Cluster) Encrypted() bool {
	return c.aead != nil
}

// DataDir returns the data directory path.
func (c *Cluster) DataDir() string {
	return c.dataDir
}

// OpenPool returns a handle on pool, creating the pool directory if needed.
func (c *Cluster) OpenPool(name string) (objstore.Conn, error) {
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("invalid pool name: %w", err)
	}
	if err := os.MkdirAll(c.poolPath(name), 0755); err != nil {
		return nil, fmt.Errorf("create pool dir: %w", err)
	}
	return &conn{cluster: c, pool: name}, nil
}

// Pools lists existing pools.
func (c *Cluster) Pools() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.dataDir, "pools"))
	if err != nil {
		return nil, fmt.Errorf("read pools dir: %w", err)
	}
	var pools []string
	for _, e := range entries {
		if e.IsDir() {
			pools = append(pools, e.Name())
		}
	}
	sort.Strings(pools)
	return pools, nil
}

// ConfigValue answers osd_max_write_size and any configured Settings.
func (c *Cluster) ConfigValue(key string) (string, error) {
	if key == objstore.MaxWriteSizeOption {
		return strconv.Itoa(c.opts.MaxWriteSizeMiB), nil
	}
	if v, ok := c.opts.Settings[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("config option %q: %w", key, objstore.ErrNotFound)
}

// Close waits for in-flight asynchronous operations. Further submissions fail.
func (c *Cluster) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.inflight.Wait()
	return nil
}

// begin registers an asynchronous operation unless the cluster is closed.
func (c *Cluster) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.inflight.Add(1)
	return true
}

func (c *Cluster) maxWriteBytes() int {
	return c.opts.MaxWriteSizeMiB * 1024 * 1024
}

func (c *Cluster) poolPath(pool string) string {
	return filepath.Join(c.dataDir, "pools", pool)
}

// nsPath returns the directory holding the objects of one namespace.
func (c *Cluster) nsPath(pool, ns string) string {
	if ns == "" {
		return filepath.Join(c.poolPath(pool), "_")
	}
	return filepath.Join(c.poolPath(pool), "n_"+ns)
}

func shardOf(path string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return int(h.Sum32() % lockShards)
}

// lockPaths locks the shards covering paths in a fixed order and returns
// the unlock function.
func (c *Cluster) lockPaths(paths ...string) func() {
	seen := make(map[int]struct{}, len(paths))
	var shards []int
	for _, p := range paths {
		s := shardOf(p)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		shards = append(shards, s)
	}
	sort.Ints(shards)
	for _, s := range shards {
		c.locks[s].Lock()
	}
	return func() {
		for i := len(shards) - 1; i >= 0; i-- {
			c.locks[shards[i]].Unlock()
		}
	}
}

// validateName rejects names that could escape the pool directory.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("null bytes not allowed")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid name")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("path separators not allowed")
	}
	return nil
}
