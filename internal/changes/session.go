// Package changes captures per-row audit entries from a tracked-changes
// session before it is written, and reconciles generated keys afterwards.
package changes

import (
	"github.com/roach88/auditscope/internal/naming"
)

// EntityState is the tracking state of one entity in a session.
type EntityState int

const (
	Detached EntityState = iota
	Unchanged
	Added
	Modified
	Deleted
)

func (s EntityState) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "detached"
	}
}

// Property describes one persisted property of a tracked entity.
type Property struct {
	// Name is the property name audit rules refer to.
	Name string
	// Column is the column the property maps to.
	Column   string
	Current  any
	Original any

	PrimaryKey bool
	ForeignKey bool
}

// Entry is one tracked entity.
type Entry interface {
	State() EntityState
	// TypeName identifies the entity type for metadata lookups.
	TypeName() string
	// Table returns the mapped table. A zero Name means "derive from TypeName".
	Table() naming.Name
	// Properties lists the entity's own properties in declaration order.
	Properties() []Property
	// Owned lists nested owned entries whose columns live in this entry's row.
	Owned() []Entry
	// Entity returns the tracked object.
	Entity() any
	// Lookup re-reads a column value from the tracked object. It is used
	// after the write to pick up generated keys.
	Lookup(column string) (any, bool)
}

// Session is the live set of tracked entities pending a write.
type Session interface {
	// ContextID names the unit of work type, for example "ShopContext".
	ContextID() string
	Database() string
	Entries() []Entry
	// ConnectionID may be empty until the session binds a connection.
	ConnectionID() string
	TransactionID() string
}
