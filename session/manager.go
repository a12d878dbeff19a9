package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jacentio/espalier/notify"
	"github.com/jacentio/espalier/schema"
	"github.com/jacentio/espalier/store"
)

// Manager is the session container for one store and one schema.
type Manager struct {
	store     store.Store
	schema    *schema.Registry
	config    Config
	logger    *slog.Logger
	listeners *Listeners
	queue     *notify.Queue

	mu     sync.RWMutex
	hooks  map[string]Hooks
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the policy bounds. Out-of-range values are clamped.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		cfg.validate()
		m.config = cfg
	}
}

// WithLogger sets the logger. Nil uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithListeners shares an existing listener registry.
func WithListeners(ls *Listeners) Option {
	return func(m *Manager) { m.listeners = ls }
}

// NewManager creates a Manager. The registry must be sealed.
func NewManager(st store.Store, reg *schema.Registry, opts ...Option) (*Manager, error) {
	if reg == nil || !reg.Sealed() {
		return nil, schema.ErrNotSealed
	}
	m := &Manager{
		store:  st,
		schema: reg,
		config: DefaultConfig(),
		hooks:  make(map[string]Hooks),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.listeners == nil {
		m.listeners = NewListeners()
	}
	m.queue = notify.NewQueue(m.config.AsyncQueueCapacity, m.logger)
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.config }

// Schema returns the schema registry.
func (m *Manager) Schema() *schema.Registry { return m.schema }

// Store returns the underlying store.
func (m *Manager) Store() store.Store { return m.store }

// Listeners returns the listener registry.
func (m *Manager) Listeners() *Listeners { return m.listeners }

// SetHooks installs the hooks of a type, replacing earlier ones.
func (m *Manager) SetHooks(typ string, h Hooks) error {
	if _, ok := m.schema.Type(typ); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[typ] = h
	return nil
}

// hooksFor returns the hooks of t or of its nearest ancestor.
func (m *Manager) hooksFor(t *schema.Type) (Hooks, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.hooks[t.Name]; ok {
		return h, true
	}
	for _, a := range t.Ancestors {
		if h, ok := m.hooks[a]; ok {
			return h, true
		}
	}
	return Hooks{}, false
}

// BeginOption configures a session.
type BeginOption func(*Session)

// ReadOnly opens a session that rejects mutations.
func ReadOnly() BeginOption {
	return func(s *Session) { s.readOnly = true }
}

// Begin opens a session on a snapshot of the latest committed state.
// Sessions may be nested: each has its own baseline.
func (m *Manager) Begin(ctx context.Context, opts ...BeginOption) (*Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}

	snap, err := m.store.BeginSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	s := &Session{
		m:       m,
		id:      uuid.NewString(),
		state:   StateOpen,
		snap:    snap,
		tracker: newTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = m.logger.With("session", s.id)
	return s, nil
}

// Transactional runs fn in a new session and commits it when fn returns nil.
// The session is aborted when fn or the commit fails, or when fn panics.
func (m *Manager) Transactional(ctx context.Context, fn func(ctx context.Context, s *Session) error, opts ...BeginOption) (err error) {
	s, err := m.Begin(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			s.Abort()
			panic(r)
		}
		if err != nil {
			s.Abort()
		}
	}()
	if err = fn(ctx, s); err != nil {
		return err
	}
	return s.Commit(ctx)
}

// Close stops accepting sessions and shuts down asynchronous delivery,
// draining or discarding pending notifications according to
// Config.DrainOnClose. The store is not closed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if _, err := m.queue.Close(ctx, m.config.DrainOnClose); err != nil {
		return fmt.Errorf("close async queue: %w", err)
	}
	return nil
}
