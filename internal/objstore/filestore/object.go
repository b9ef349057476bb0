package filestore

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	dataSuffix = ".data"
	metaSuffix = ".meta.json"
)

// objectMeta is the JSON sidecar of an object.
type objectMeta struct {
	Size       int64             `json:"size"`
	Mtime      time.Time         `json:"mtime"`
	Compressed bool              `json:"compressed,omitempty"`
	Encrypted  bool              `json:"encrypted,omitempty"`
	Xattrs     map[string][]byte `json:"xattrs,omitempty"`
	Omap       map[string]string `json:"omap,omitempty"`
}

// objectState is an object loaded for modification.
type objectState struct {
	exists bool
	meta   objectMeta
	data   []byte
}

func (s *objectState) clone() *objectState {
	cp := &objectState{exists: s.exists, meta: s.meta}
	cp.data = append([]byte(nil), s.data...)
	cp.meta.Xattrs = make(map[string][]byte, len(s.meta.Xattrs))
	for k, v := range s.meta.Xattrs {
		cp.meta.Xattrs[k] = append([]byte(nil), v...)
	}
	cp.meta.Omap = make(map[string]string, len(s.meta.Omap))
	for k, v := range s.meta.Omap {
		cp.meta.Omap[k] = v
	}
	return cp
}

func objectPaths(dir, oid string) (dataPath, metaPath string) {
	return filepath.Join(dir, oid+dataSuffix), filepath.Join(dir, oid+metaSuffix)
}

// readMeta reads an object sidecar. A missing sidecar means the object does
// not exist.
func readMeta(metaPath string) (*objectMeta, bool, error) {
	raw, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read object meta: %w", err)
	}
	var meta objectMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, false, fmt.Errorf("unmarshal object meta: %w", err)
	}
	return &meta, true, nil
}

// load reads an object (caller must hold its lock).
func (c *Cluster) load(dir, oid string) (*objectState, error) {
	dataPath, metaPath := objectPaths(dir, oid)
	meta, ok, err := readMeta(metaPath)
	if err != nil || !ok {
		return &objectState{}, err
	}

	raw, err := os.ReadFile(dataPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read object data: %w", err)
	}
	if meta.Encrypted {
		if raw, err = c.open(oid, raw); err != nil {
			return nil, fmt.Errorf("object %s: %w", oid, err)
		}
	}
	if meta.Compressed && len(raw) > 0 {
		if raw, err = c.decompress(raw); err != nil {
			return nil, fmt.Errorf("decompress object data: %w", err)
		}
	}
	if int64(len(raw)) != meta.Size {
		return nil, fmt.Errorf("object %s: data size %d does not match meta size %d", oid, len(raw), meta.Size)
	}
	if meta.Xattrs == nil {
		meta.Xattrs = make(map[string][]byte)
	}
	if meta.Omap == nil {
		meta.Omap = make(map[string]string)
	}
	return &objectState{exists: true, meta: *meta, data: raw}, nil
}

// persist writes st to disk and returns the files it wrote. Nothing is
// fsync'd unless sync is set.
func (c *Cluster) persist(dir, oid string, st *objectState, sync bool) ([]string, error) {
	dataPath, metaPath := objectPaths(dir, oid)
	if !st.exists {
		for _, p := range []string{metaPath, dataPath} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("remove object: %w", err)
			}
		}
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create namespace dir: %w", err)
	}

	st.meta.Size = int64(len(st.data))
	st.meta.Compressed = c.opts.Compress
	st.meta.Encrypted = c.aead != nil
	body := st.data
	if c.opts.Compress {
		body = c.compress(st.data)
	}
	if c.aead != nil {
		sealed, err := c.seal(oid, body)
		if err != nil {
			return nil, err
		}
		body = sealed
	}
	if err := writeFileAtomic(dataPath, body, sync); err != nil {
		return nil, fmt.Errorf("write object data: %w", err)
	}

	metaData, err := json.MarshalIndent(st.meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal object meta: %w", err)
	}
	if err := writeFileAtomic(metaPath, metaData, sync); err != nil {
		return nil, fmt.Errorf("write object meta: %w", err)
	}
	return []string{dataPath, metaPath}, nil
}

// writeFileAtomic writes data through a unique temp file renamed into place.
func writeFileAtomic(path string, data []byte, sync bool) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".obj-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if sync {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// syncFiles fsyncs files written by an earlier persist.
func syncFiles(paths []string) error {
	for _, p := range paths {
		f, err := os.Open(p)
		if os.IsNotExist(err) {
			// Replaced or removed by a later operation.
			continue
		}
		if err != nil {
			return err
		}
		err = f.Sync()
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Cluster) compress(data []byte) []byte {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (c *Cluster) decompress(data []byte) ([]byte, error) {
	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// seal encrypts body as nonce || ciphertext.
func (c *Cluster) seal(oid string, body []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(body)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, body, []byte(oid)), nil
}

func (c *Cluster) open(oid string, sealed []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, ErrNoKey
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, fmt.Errorf("decrypt object data: sealed data too short")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, []byte(oid))
	if err != nil {
		return nil, fmt.Errorf("decrypt object data: %w", err)
	}
	return plain, nil
}
