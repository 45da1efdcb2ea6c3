package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/auditscope/internal/event"
	"github.com/roach88/auditscope/internal/pipeline"
)

// ErrNoDataProvider is returned when a scope that must write has no data provider.
var ErrNoDataProvider = errors.New("no data provider configured")

// DataProvider is the storage backend contract.
//
// Implementations decide the persisted representation and the shape of the
// opaque id returned by InsertEvent. Every method receives the caller's
// context; only these calls and context-aware hooks observe cancellation.
type DataProvider interface {
	InsertEvent(ctx context.Context, ev *event.Event) (any, error)
	ReplaceEvent(ctx context.Context, id any, ev *event.Event) error
	GetEvent(ctx context.Context, id any) (*event.Event, error)

	// Serialize snapshots a target value so later mutation of the original
	// cannot change the recorded state.
	Serialize(v any) (any, error)
	// CloneValue deep-copies v, preserving its type where possible.
	CloneValue(v any) (any, error)
}

// Clock supplies timestamps for event start and end.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Defaults are owner-level settings, such as those of an entity auditor, that
// sit between explicit scope options and the global configuration.
type Defaults struct {
	CreationPolicy CreationPolicy
	DataProvider   DataProvider
}

// Config is the configuration surface shared by every scope created against it.
//
// Thread-safety: all methods are safe for concurrent use. Scalars are guarded
// by a RWMutex; the action pipeline has its own copy-on-write locking.
type Config struct {
	mu       sync.RWMutex
	provider DataProvider
	policy   CreationPolicy
	clock    Clock
	logger   *slog.Logger

	disabled atomic.Bool
	actions  *pipeline.Pipeline[*Scope]
}

// NewConfig returns a config with the default policy, the system clock and
// slog.Default as logger. It has no data provider.
func NewConfig() *Config {
	return &Config{
		policy:  DefaultCreationPolicy,
		clock:   systemClock{},
		actions: pipeline.New[*Scope](),
	}
}

var global atomic.Pointer[Config]

func init() {
	global.Store(NewConfig())
}

// Global returns the process-wide configuration.
func Global() *Config {
	return global.Load()
}

// ResetGlobal replaces the process-wide configuration with a fresh one and returns it.
// Scopes already created keep the configuration they were created with.
func ResetGlobal() *Config {
	cfg := NewConfig()
	global.Store(cfg)
	return cfg
}

// SetDataProvider sets the default data provider.
func (c *Config) SetDataProvider(p DataProvider) *Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = p
	return c
}

// DataProvider returns the default data provider, or nil.
func (c *Config) DataProvider() DataProvider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.provider
}

// SetCreationPolicy sets the default creation policy.
// PolicyUnset restores DefaultCreationPolicy.
func (c *Config) SetCreationPolicy(p CreationPolicy) *Config {
	if p == PolicyUnset {
		p = DefaultCreationPolicy
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
	return c
}

// CreationPolicy returns the default creation policy.
func (c *Config) CreationPolicy() CreationPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// SetDisabled turns every scope created against c into a scope that never writes.
func (c *Config) SetDisabled(disabled bool) *Config {
	c.disabled.Store(disabled)
	return c
}

// Disabled reports whether auditing is turned off.
func (c *Config) Disabled() bool {
	return c.disabled.Load()
}

// SetClock replaces the timestamp source. A nil clock restores the system clock.
func (c *Config) SetClock(clock Clock) *Config {
	if clock == nil {
		clock = systemClock{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
	return c
}

func (c *Config) now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clock.Now()
}

// SetLogger sets the logger used for lifecycle diagnostics.
// A nil logger restores slog.Default.
func (c *Config) SetLogger(l *slog.Logger) *Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = l
	return c
}

// Logger returns the configured logger, or slog.Default.
func (c *Config) Logger() *slog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Actions returns the lifecycle hook pipeline.
func (c *Config) Actions() *pipeline.Pipeline[*Scope] {
	return c.actions
}
