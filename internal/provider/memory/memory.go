// Package memory is an in-process audit data provider, used by tests and the demo.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/auditscope/internal/event"
	"github.com/roach88/auditscope/internal/provider"
)

// Option configures a Provider.
type Option func(*Provider)

// WithIDGenerator replaces the UUIDv7 id generator.
func WithIDGenerator(gen func() string) Option {
	return func(p *Provider) { p.newID = gen }
}

// Provider keeps events as canonical JSON, keyed by a string id.
//
// Storing bytes rather than pointers means later mutation of an event by its
// scope never changes what was recorded.
//
// Thread-safety: Provider is safe for concurrent use.
type Provider struct {
	provider.Base

	mu     sync.RWMutex
	events map[string][]byte
	order  []string
	newID  func() string
}

// New creates an empty provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		events: map[string][]byte{},
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// InsertEvent stores ev under a new id.
func (p *Provider) InsertEvent(ctx context.Context, ev *event.Event) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := event.Canonical(ev)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.newID()
	p.events[id] = data
	p.order = append(p.order, id)
	return id, nil
}

// ReplaceEvent overwrites the event stored under id.
func (p *Provider) ReplaceEvent(ctx context.Context, id any, ev *event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := provider.IDString(id)
	if err != nil {
		return fmt.Errorf("replace event: %w", err)
	}
	data, err := event.Canonical(ev)
	if err != nil {
		return fmt.Errorf("replace event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.events[key]; !ok {
		return fmt.Errorf("replace event %s: %w", key, provider.ErrEventNotFound)
	}
	p.events[key] = data
	return nil
}

// GetEvent decodes the event stored under id.
func (p *Provider) GetEvent(ctx context.Context, id any) (*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := provider.IDString(id)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}

	p.mu.RLock()
	data, ok := p.events[key]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get event %s: %w", key, provider.ErrEventNotFound)
	}
	return event.Decode(data)
}

// IDs returns every id in insertion order.
func (p *Provider) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Raw returns the stored canonical JSON for id.
func (p *Provider) Raw(id string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.events[id]
	return data, ok
}

// Len returns the number of stored events.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.events)
}
