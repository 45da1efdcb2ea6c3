package changes

import (
	"fmt"
	"reflect"

	"github.com/roach88/auditscope/internal/metadata"
	"github.com/roach88/auditscope/internal/naming"
	"github.com/roach88/auditscope/internal/validation"
)

// Options tune a single capture.
type Options struct {
	// Explicit settings take precedence over every registry layer.
	Explicit metadata.Settings
	// Validate returns validation failures for an entity. Defaults to validation.Entity.
	Validate func(entity any) []string
	// Clone copies entities embedded when IncludeEntityObjects is on.
	// Defaults to storing the entity as-is.
	Clone func(v any) (any, error)
}

// Capture builds one EntityEvent per added, modified or deleted entity of s.
//
// It returns nil when nothing is left to audit; callers then perform the
// write without an audit scope. Primary keys are recorded as currently
// known and may be placeholders for generated keys until Reconcile runs.
func Capture(s Session, reg *metadata.Registry, opts Options) (*Report, error) {
	if reg == nil {
		reg = metadata.Default()
	}
	if opts.Validate == nil {
		opts.Validate = validation.Entity
	}
	ctxID := s.ContextID()
	resolved := reg.Resolve(ctxID, opts.Explicit)

	var out []*EntityEvent
	for _, e := range s.Entries() {
		action, ok := actionFor(e.State())
		if !ok {
			continue
		}
		if !reg.IncludeEntity(ctxID, e.TypeName(), resolved.Mode) {
			continue
		}
		ee, err := captureEntry(e, action, ctxID, reg, resolved, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, ee)
	}
	if len(out) == 0 {
		return nil, nil
	}

	r := &Report{
		Database:             s.Database(),
		ContextID:            ctxID,
		ConnectionID:         s.ConnectionID(),
		Entries:              out,
		excludeTransactionID: resolved.ExcludeTransactionID,
	}
	if !resolved.ExcludeTransactionID {
		r.TransactionID = s.TransactionID()
	}
	return r, nil
}

func actionFor(state EntityState) (Action, bool) {
	switch state {
	case Added:
		return ActionInsert, true
	case Modified:
		return ActionUpdate, true
	case Deleted:
		return ActionDelete, true
	default:
		return "", false
	}
}

func captureEntry(e Entry, action Action, ctxID string, reg *metadata.Registry, resolved metadata.Resolved, opts Options) (*EntityEvent, error) {
	name := e.Table()
	if name.Table == "" {
		table, err := naming.TableNameForType(e.TypeName())
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", e.TypeName(), err)
		}
		name.Table = table
	}

	ee := &EntityEvent{
		Schema:     name.Schema,
		Table:      name.Table,
		Name:       e.TypeName(),
		Action:     action,
		PrimaryKey: map[string]any{},
		Valid:      true,
		entry:      e,
		render:     map[string]func(any) any{},
	}
	if action != ActionUpdate {
		ee.ColumnValues = map[string]any{}
	}

	for _, p := range e.Properties() {
		if p.PrimaryKey {
			ee.PrimaryKey[p.Column] = p.Current
		}
		if p.ForeignKey {
			ee.fkColumns = append(ee.fkColumns, p.Column)
		}
	}
	collect(ee, e, action, ctxID, reg, false)

	if resolved.IncludeEntityObjects {
		entity := e.Entity()
		if opts.Clone != nil {
			cloned, err := opts.Clone(entity)
			if err != nil {
				return nil, fmt.Errorf("capture %s: clone entity: %w", e.TypeName(), err)
			}
			entity = cloned
		}
		ee.Entity = entity
	}

	if !resolved.ExcludeValidationResults {
		ee.ValidationResults = opts.Validate(e.Entity())
		ee.Valid = len(ee.ValidationResults) == 0
	}
	return ee, nil
}

// collect adds the included properties of e, then of its owned entries, to ee.
// Owned entries share the owner's key, so their key properties are skipped.
func collect(ee *EntityEvent, e Entry, action Action, ctxID string, reg *metadata.Registry, owned bool) {
	rules := reg.EntityRules(ctxID, e.TypeName())
	for _, p := range e.Properties() {
		if owned && p.PrimaryKey {
			continue
		}
		if !rules.Included(p.Name) {
			continue
		}
		if _, ok := ee.render[p.Column]; !ok {
			name := p.Name
			ee.render[p.Column] = func(v any) any { return rules.Value(name, v) }
		}
		switch action {
		case ActionUpdate:
			if reflect.DeepEqual(p.Current, p.Original) {
				continue
			}
			ee.Changes = append(ee.Changes, ColumnChange{
				Column:   p.Column,
				Original: rules.Value(p.Name, p.Original),
				New:      rules.Value(p.Name, p.Current),
			})
		case ActionInsert:
			ee.ColumnValues[p.Column] = rules.Value(p.Name, p.Current)
		case ActionDelete:
			ee.ColumnValues[p.Column] = rules.Value(p.Name, p.Original)
		}
	}
	for _, child := range e.Owned() {
		collect(ee, child, action, ctxID, reg, true)
	}
}
