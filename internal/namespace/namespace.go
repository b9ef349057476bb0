// Package namespace maps tenants to storage namespaces.
//
// Each mapping is one object in the mapping namespace, named after the
// tenant key plus an optional suffix, whose payload is the namespace. The
// object is written with a single exclusive create, so concurrent first use
// by several processes converges on whichever mapping was stored first.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rboxmail/rbox/internal/metrics"
	"github.com/rboxmail/rbox/internal/objstore"
)

// DefaultMappingNamespace holds the tenant mapping objects.
const DefaultMappingNamespace = "users"

// Namespace manager error types.
var (
	ErrNotMapped     = errors.New("tenant has no namespace")
	ErrInvalidTenant = errors.New("invalid tenant key")
	ErrEmptyMapping  = errors.New("namespace mapping is empty")
)

// Generator returns a fresh opaque namespace identifier.
type Generator func() string

// UUIDGenerator is the default Generator.
func UUIDGenerator() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Config configures a Manager.
type Config struct {
	// Conn is cloned; the clone is bound to MappingNamespace for the
	// lifetime of the manager.
	Conn objstore.Conn

	MappingNamespace string
	Suffix           string
	Generator        Generator

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Manager resolves and creates tenant namespaces.
type Manager struct {
	conn    objstore.Conn
	suffix  string
	gen     Generator
	logger  zerolog.Logger
	metrics *metrics.Metrics

	cache sync.Map // tenant -> namespace
	group singleflight.Group
}

// New returns a manager. The caller's handle is not modified.
func New(cfg Config) (*Manager, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("%w: namespace manager needs a store handle", objstore.ErrConfigInvalid)
	}
	if cfg.MappingNamespace == "" {
		cfg.MappingNamespace = DefaultMappingNamespace
	}
	if cfg.Generator == nil {
		cfg.Generator = UUIDGenerator
	}

	conn := cfg.Conn.Clone()
	conn.SetNamespace(cfg.MappingNamespace)

	return &Manager{
		conn:    conn,
		suffix:  cfg.Suffix,
		gen:     cfg.Generator,
		logger:  cfg.Logger.With().Str("component", "namespace").Logger(),
		metrics: cfg.Metrics,
	}, nil
}

func (m *Manager) oid(tenant string) (string, error) {
	if strings.TrimSpace(tenant) == "" {
		return "", ErrInvalidTenant
	}
	return tenant + m.suffix, nil
}

// Resolve returns the namespace of tenant. found is false when no mapping
// exists yet.
func (m *Manager) Resolve(ctx context.Context, tenant string) (string, bool, error) {
	if ns, ok := m.cache.Load(tenant); ok {
		return ns.(string), true, nil
	}
	return m.read(ctx, tenant)
}

// read fetches the mapping from the store, bypassing the cache.
func (m *Manager) read(ctx context.Context, tenant string) (string, bool, error) {
	oid, err := m.oid(tenant)
	if err != nil {
		return "", false, err
	}
	data, err := m.conn.Read(ctx, oid)
	if errors.Is(err, objstore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read namespace mapping of %s: %w", tenant, err)
	}
	ns := string(data)
	if ns == "" {
		return "", false, fmt.Errorf("%w: tenant %s", ErrEmptyMapping, tenant)
	}
	m.cache.Store(tenant, ns)
	return ns, true, nil
}

// Create returns the namespace of tenant, creating the mapping when it does
// not exist. Concurrent calls for the same tenant return the same namespace.
func (m *Manager) Create(ctx context.Context, tenant string) (string, error) {
	v, err, _ := m.group.Do(tenant, func() (interface{}, error) {
		ns, found, err := m.Resolve(ctx, tenant)
		if err != nil {
			return "", err
		}
		if found {
			return ns, nil
		}
		return m.create(ctx, tenant)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) create(ctx context.Context, tenant string) (string, error) {
	oid, err := m.oid(tenant)
	if err != nil {
		return "", err
	}
	ns := m.gen()
	if ns == "" {
		return "", fmt.Errorf("%w: generator returned an empty namespace", objstore.ErrConfigInvalid)
	}

	op := objstore.NewWriteOp().Create(true).WriteFull([]byte(ns))
	err = m.conn.Operate(ctx, oid, op)
	if errors.Is(err, objstore.ErrExists) {
		existing, found, rerr := m.read(ctx, tenant)
		if rerr != nil {
			return "", rerr
		}
		if !found {
			return "", fmt.Errorf("namespace mapping of %s vanished after create conflict", tenant)
		}
		m.logger.Debug().Str("tenant", tenant).Str("namespace", existing).Msg("Namespace created concurrently")
		return existing, nil
	}
	if err != nil {
		return "", fmt.Errorf("create namespace mapping of %s: %w", tenant, err)
	}

	m.cache.Store(tenant, ns)
	m.metrics.RecordNamespaceCreated()
	m.logger.Info().Str("tenant", tenant).Str("namespace", ns).Msg("Namespace created")
	return ns, nil
}

// Lookup resolves tenant, creating the mapping when create is set. Without
// create an unmapped tenant yields ErrNotMapped, never an empty namespace.
func (m *Manager) Lookup(ctx context.Context, tenant string, create bool) (string, error) {
	if create {
		return m.Create(ctx, tenant)
	}
	ns, found, err := m.Resolve(ctx, tenant)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %s", ErrNotMapped, tenant)
	}
	return ns, nil
}

// Forget drops the cached mapping of tenant.
func (m *Manager) Forget(tenant string) {
	m.cache.Delete(tenant)
}
