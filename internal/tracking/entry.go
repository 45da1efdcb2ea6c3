package tracking

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/roach88/auditscope/internal/changes"
	"github.com/roach88/auditscope/internal/naming"
)

// entry is one tracked entity. It implements changes.Entry.
type entry struct {
	schema   *schema
	entity   any
	root     reflect.Value
	state    changes.EntityState
	original map[string]any
}

func (e *entry) State() changes.EntityState { return e.state }
func (e *entry) TypeName() string           { return e.schema.typeName }
func (e *entry) Table() naming.Name         { return e.schema.table }
func (e *entry) Entity() any                { return e.entity }

func (e *entry) Properties() []changes.Property {
	return e.properties(e.schema)
}

func (e *entry) properties(s *schema) []changes.Property {
	props := make([]changes.Property, 0, len(s.fields))
	for _, f := range s.fields {
		p := changes.Property{
			Name:       f.name,
			Column:     f.column,
			Current:    read(e.root, f.index),
			PrimaryKey: f.pk,
			ForeignKey: f.fk,
		}
		if e.original != nil {
			p.Original = e.original[f.column]
		}
		props = append(props, p)
	}
	return props
}

func (e *entry) Owned() []changes.Entry {
	out := make([]changes.Entry, len(e.schema.owned))
	for i, o := range e.schema.owned {
		out[i] = &ownedEntry{owner: e, schema: o}
	}
	return out
}

// Lookup reads the current value of any column of the row, owned columns included.
func (e *entry) Lookup(column string) (any, bool) {
	for _, f := range e.schema.allFields() {
		if f.column == column {
			return read(e.root, f.index), true
		}
	}
	return nil, false
}

// snapshot records current values as original values.
func (e *entry) snapshot() {
	e.original = map[string]any{}
	for _, f := range e.schema.allFields() {
		e.original[f.column] = read(e.root, f.index)
	}
}

// detect promotes an unchanged entry to modified when any column differs
// from its original value.
func (e *entry) detect() {
	if e.state != changes.Unchanged {
		return
	}
	for _, f := range e.schema.allFields() {
		if !reflect.DeepEqual(read(e.root, f.index), e.original[f.column]) {
			e.state = changes.Modified
			return
		}
	}
}

// generateKeys fills zero-valued auto keys: integers from seq, strings with UUIDv7.
func (e *entry) generateKeys(seq *Sequence) error {
	for _, f := range e.schema.fields {
		if !f.auto {
			continue
		}
		v := e.root.FieldByIndex(f.index)
		if !v.IsZero() {
			continue
		}
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			v.SetInt(seq.Next(e.schema.table.String()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			v.SetUint(uint64(seq.Next(e.schema.table.String())))
		case reflect.String:
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("tracking: generate key for %s: %w", e.schema.typeName, err)
			}
			v.SetString(id.String())
		default:
			return fmt.Errorf("tracking: cannot generate %s key of kind %s", e.schema.typeName, v.Kind())
		}
	}
	return nil
}

// fixupForeignKeys copies the primary key of each referenced entity into its
// foreign key field, as an ORM does once the referenced row has a key.
func (e *entry) fixupForeignKeys() {
	for _, f := range e.schema.fields {
		if f.ref == "" {
			continue
		}
		nav := e.root.FieldByName(f.ref)
		if !nav.IsValid() || nav.Kind() != reflect.Pointer || nav.IsNil() {
			continue
		}
		ref, err := schemaOf(nav.Interface())
		if err != nil {
			continue
		}
		for _, rf := range ref.fields {
			if !rf.pk {
				continue
			}
			key := nav.Elem().FieldByIndex(rf.index)
			fk := e.root.FieldByIndex(f.index)
			switch {
			case fk.Kind() == reflect.Pointer && key.Type().AssignableTo(fk.Type().Elem()):
				ptr := reflect.New(fk.Type().Elem())
				ptr.Elem().Set(key)
				fk.Set(ptr)
			case key.Type().AssignableTo(fk.Type()):
				fk.Set(key)
			}
			break
		}
	}
}

// clearNullableForeignKeys sets pointer foreign keys to nil.
func (e *entry) clearNullableForeignKeys() {
	for _, f := range e.schema.fields {
		if !f.fk {
			continue
		}
		v := e.root.FieldByIndex(f.index)
		if v.Kind() == reflect.Pointer {
			v.Set(reflect.Zero(v.Type()))
		}
	}
}

// ownedEntry exposes an owned struct as a nested changes.Entry sharing its
// owner's row, state and original values.
type ownedEntry struct {
	owner  *entry
	schema *schema
}

func (o *ownedEntry) State() changes.EntityState { return o.owner.state }
func (o *ownedEntry) TypeName() string           { return o.schema.typeName }
func (o *ownedEntry) Table() naming.Name         { return o.owner.schema.table }
func (o *ownedEntry) Entity() any                { return read(o.owner.root, o.schema.index) }

func (o *ownedEntry) Properties() []changes.Property {
	return o.owner.properties(o.schema)
}

func (o *ownedEntry) Owned() []changes.Entry {
	out := make([]changes.Entry, len(o.schema.owned))
	for i, child := range o.schema.owned {
		out[i] = &ownedEntry{owner: o.owner, schema: child}
	}
	return out
}

func (o *ownedEntry) Lookup(column string) (any, bool) {
	return o.owner.Lookup(column)
}
