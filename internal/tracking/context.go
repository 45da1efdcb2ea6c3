// Package tracking is a small in-memory unit of work over tagged structs.
//
// It tracks entity states and original values, detects changes, assigns
// generated keys on save and fixes up foreign keys, which is the behavior the
// change-capture engine consumes through changes.Session.
package tracking

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/auditscope/internal/changes"
)

// Sequence hands out generated integer keys per table.
//
// Thread-safety: Next is safe for concurrent use; one Sequence is typically
// shared by every unit of work against the same store.
type Sequence struct {
	mu   sync.Mutex
	next map[string]int64
}

// NewSequence creates a sequence starting at 1 for every table.
func NewSequence() *Sequence {
	return &Sequence{next: map[string]int64{}}
}

// Next returns the next key for table.
func (s *Sequence) Next(table string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[table]++
	return s.next[table]
}

// Option configures a Context.
type Option func(*Context)

// WithDatabase sets the database name reported to audit entries.
func WithDatabase(name string) Option {
	return func(c *Context) { c.database = name }
}

// WithSequence shares a key sequence between units of work.
func WithSequence(seq *Sequence) Option {
	return func(c *Context) { c.seq = seq }
}

// WithNullForeignKeysOnDelete clears nullable foreign keys of deleted rows
// during save, like cascading ORMs do.
func WithNullForeignKeysOnDelete() Option {
	return func(c *Context) { c.nullFKsOnDelete = true }
}

// WithWriter sets the function performing the actual write. It runs after
// keys are generated and before changes are accepted; an error aborts the
// save and leaves every entry in its pending state.
func WithWriter(fn func(ctx context.Context, entries []changes.Entry) error) Option {
	return func(c *Context) { c.writer = fn }
}

// Context is a unit of work. It implements changes.Session.
//
// Thread-safety: methods lock an internal mutex, but entities themselves
// must not be mutated concurrently with SaveChanges.
type Context struct {
	id              string
	database        string
	seq             *Sequence
	nullFKsOnDelete bool
	writer          func(ctx context.Context, entries []changes.Entry) error

	mu       sync.Mutex
	entries  []*entry
	byEntity map[any]*entry
	connID   string
	txID     string
}

// New creates a unit of work identified by contextID.
func New(contextID string, opts ...Option) *Context {
	c := &Context{
		id:       contextID,
		database: "main",
		byEntity: map[any]*entry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.seq == nil {
		c.seq = NewSequence()
	}
	return c
}

// ContextID implements changes.Session.
func (c *Context) ContextID() string { return c.id }

// Database implements changes.Session.
func (c *Context) Database() string { return c.database }

// ConnectionID returns the connection bound by the last SaveChanges, or "".
func (c *Context) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// TransactionID returns the id set by UseTransaction, or "".
func (c *Context) TransactionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txID
}

// UseTransaction associates subsequent saves with an ambient transaction id.
func (c *Context) UseTransaction(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txID = id
}

// Add starts tracking entity as a new row.
func (c *Context) Add(entity any) error {
	return c.track(entity, changes.Added)
}

// Attach starts tracking entity as an existing, unchanged row.
// Its current values become the original values.
func (c *Context) Attach(entity any) error {
	return c.track(entity, changes.Unchanged)
}

// Remove marks entity for deletion. A pending add is simply forgotten.
func (c *Context) Remove(entity any) error {
	c.mu.Lock()
	e, ok := c.byEntity[entity]
	if ok {
		if e.state == changes.Added {
			c.forget(e)
		} else {
			e.state = changes.Deleted
		}
	}
	c.mu.Unlock()

	if ok {
		return nil
	}
	return c.track(entity, changes.Deleted)
}

func (c *Context) track(entity any, state changes.EntityState) error {
	s, err := schemaOf(entity)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byEntity[entity]; exists {
		return fmt.Errorf("tracking: %s is already tracked", s.typeName)
	}
	e := &entry{schema: s, entity: entity, root: reflect.ValueOf(entity).Elem(), state: state}
	if state != changes.Added {
		e.snapshot()
	}
	c.entries = append(c.entries, e)
	c.byEntity[entity] = e
	return nil
}

// forget drops e from tracking. Callers hold c.mu.
func (c *Context) forget(e *entry) {
	delete(c.byEntity, e.entity)
	for i, other := range c.entries {
		if other == e {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// StateOf returns the tracking state of entity.
func (c *Context) StateOf(entity any) changes.EntityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byEntity[entity]; ok {
		e.detect()
		return e.state
	}
	return changes.Detached
}

// Entries detects changes and returns every tracked entry.
func (c *Context) Entries() []changes.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]changes.Entry, 0, len(c.entries))
	for _, e := range c.entries {
		e.detect()
		out = append(out, e)
	}
	return out
}

// SaveChanges writes pending changes and returns the number of affected rows.
//
// A connection id is bound when the save executes. Generated keys are
// assigned, foreign keys are fixed up from referenced entities, the writer
// runs, and then added and modified entries become unchanged and deleted
// entries are detached.
func (c *Context) SaveChanges(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var pending []*entry
	for _, e := range c.entries {
		e.detect()
		if e.state == changes.Added || e.state == changes.Modified || e.state == changes.Deleted {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	c.connID = uuid.NewString()

	for _, e := range pending {
		if e.state == changes.Added {
			if err := e.generateKeys(c.seq); err != nil {
				return 0, err
			}
		}
	}
	for _, e := range pending {
		if e.state != changes.Deleted {
			e.fixupForeignKeys()
		}
	}

	if c.writer != nil {
		view := make([]changes.Entry, len(pending))
		for i, e := range pending {
			view[i] = e
		}
		if err := c.writer(ctx, view); err != nil {
			return 0, err
		}
	}

	for _, e := range pending {
		switch e.state {
		case changes.Deleted:
			if c.nullFKsOnDelete {
				e.clearNullableForeignKeys()
			}
			c.forget(e)
			e.state = changes.Detached
		default:
			e.state = changes.Unchanged
			e.snapshot()
		}
	}
	return len(pending), nil
}
