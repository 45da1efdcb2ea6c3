// Package metadata resolves which entities and properties are audited.
//
// Settings come from four layers, highest precedence first:
//
//	explicit     per-call values passed to Resolve
//	annotation   AnnotateContext / AnnotateEntity registrations
//	owner        ForContext(id)
//	global       ForAnyContext()
//
// Scalar settings take the first value set. Property rules (ignore, override,
// format) are a union of all layers, with annotation rules consulted first.
package metadata

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Mode selects how entities without an explicit signal are treated.
type Mode int

const (
	// ModeUnset defers to the next layer.
	ModeUnset Mode = iota
	// OptOut audits every entity that is not explicitly ignored.
	OptOut
	// OptIn audits only entities that are explicitly included.
	OptIn
)

func (m Mode) String() string {
	switch m {
	case OptOut:
		return "opt-out"
	case OptIn:
		return "opt-in"
	default:
		return "unset"
	}
}

// ParseMode parses "opt-out" or "opt-in". The empty string is ModeUnset.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "":
		return ModeUnset, nil
	case "opt-out":
		return OptOut, nil
	case "opt-in":
		return OptIn, nil
	default:
		return ModeUnset, fmt.Errorf("unknown audit mode %q", s)
	}
}

// DefaultEventType is the event type template used when no layer sets one.
const DefaultEventType = "{context}:{database}"

// Settings are the scalar settings of one layer. Nil means "not set".
type Settings struct {
	Mode                     *Mode
	IncludeEntityObjects     *bool
	EventType                *string
	ExcludeTransactionID     *bool
	ExcludeValidationResults *bool
}

// Resolved is the effective scalar configuration for one call.
type Resolved struct {
	Mode                     Mode
	IncludeEntityObjects     bool
	EventType                string
	ExcludeTransactionID     bool
	ExcludeValidationResults bool
}

// EntityAnnotation is the registry form of per-type audit attributes.
type EntityAnnotation struct {
	Include            bool
	Ignore             bool
	IgnoreProperties   []string
	OverrideProperties map[string]any
}

// layer is one owner or global configuration.
type layer struct {
	settings      Settings
	included      map[string]bool
	ignored       map[string]bool
	includeFilter func(typeName string) bool
	ignoreFilter  func(typeName string) bool
	entities      map[string]*entityLayer
}

type entityLayer struct {
	ignore   map[string]bool
	override map[string]any
	format   map[string]func(any) any
}

func newLayer() *layer {
	return &layer{
		included: map[string]bool{},
		ignored:  map[string]bool{},
		entities: map[string]*entityLayer{},
	}
}

func (l *layer) entity(typeName string) *entityLayer {
	e, ok := l.entities[typeName]
	if !ok {
		e = &entityLayer{
			ignore:   map[string]bool{},
			override: map[string]any{},
			format:   map[string]func(any) any{},
		}
		l.entities[typeName] = e
	}
	return e
}

// Registry holds every configuration layer and the derived caches.
//
// Thread-safety: registration takes a single mutex and drops the caches.
// Lookups go through sync.Map caches filled on first use. Fills happen under
// the read lock, so a value computed before a mutation is never stored after
// the mutation has cleared the caches.
type Registry struct {
	mu         sync.RWMutex
	global     *layer
	owners     map[string]*layer
	contextAnn map[string]Settings
	entityAnn  map[string]EntityAnnotation

	annotations sync.Map // typeName -> *typeAnnotation
	rules       sync.Map // contextID \x00 typeName -> *PropertyRules
	inclusion   sync.Map // mode \x00 contextID \x00 typeName -> bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		global:     newLayer(),
		owners:     map[string]*layer{},
		contextAnn: map[string]Settings{},
		entityAnn:  map[string]EntityAnnotation{},
	}
}

var defaultRegistry atomic.Pointer[Registry]

func init() {
	defaultRegistry.Store(NewRegistry())
}

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry.Load()
}

// ResetDefault replaces the process-wide registry with an empty one and returns it.
func ResetDefault() *Registry {
	r := NewRegistry()
	defaultRegistry.Store(r)
	return r
}

// ForAnyContext returns a builder for the global layer.
func (r *Registry) ForAnyContext() *ContextConfig {
	return &ContextConfig{r: r, l: r.global}
}

// ForContext returns a builder for the owner layer of contextID.
func (r *Registry) ForContext(contextID string) *ContextConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.owners[contextID]
	if !ok {
		l = newLayer()
		r.owners[contextID] = l
	}
	return &ContextConfig{r: r, l: l}
}

// AnnotateContext registers attribute-level settings for contextID.
// A later call replaces the earlier annotation.
func (r *Registry) AnnotateContext(contextID string, s Settings) {
	r.mutate(func() { r.contextAnn[contextID] = s })
}

// AnnotateEntity registers attribute-level rules for an entity type.
// A later call replaces the earlier annotation.
func (r *Registry) AnnotateEntity(typeName string, a EntityAnnotation) {
	r.mutate(func() { r.entityAnn[typeName] = a })
}

// mutate applies fn under the write lock and drops every cache.
func (r *Registry) mutate(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
	r.annotations.Clear()
	r.rules.Clear()
	r.inclusion.Clear()
}

// Resolve returns the effective scalar settings for contextID.
// explicit takes precedence over every registered layer.
func (r *Registry) Resolve(contextID string, explicit Settings) Resolved {
	r.mu.RLock()
	layers := []Settings{explicit, r.contextAnn[contextID]}
	if owner, ok := r.owners[contextID]; ok {
		layers = append(layers, owner.settings)
	}
	layers = append(layers, r.global.settings)
	r.mu.RUnlock()

	out := Resolved{Mode: OptOut, EventType: DefaultEventType}
	if v := first(layers, func(s Settings) *Mode { return s.Mode }); v != nil && *v != ModeUnset {
		out.Mode = *v
	}
	if v := first(layers, func(s Settings) *bool { return s.IncludeEntityObjects }); v != nil {
		out.IncludeEntityObjects = *v
	}
	if v := first(layers, func(s Settings) *string { return s.EventType }); v != nil {
		out.EventType = *v
	}
	if v := first(layers, func(s Settings) *bool { return s.ExcludeTransactionID }); v != nil {
		out.ExcludeTransactionID = *v
	}
	if v := first(layers, func(s Settings) *bool { return s.ExcludeValidationResults }); v != nil {
		out.ExcludeValidationResults = *v
	}
	return out
}

func first[T any](layers []Settings, get func(Settings) *T) *T {
	for _, s := range layers {
		if v := get(s); v != nil {
			return v
		}
	}
	return nil
}

// FormatEventType expands the {context} and {database} tokens of tmpl.
func FormatEventType(tmpl, contextID, database string) string {
	return strings.NewReplacer("{context}", contextID, "{database}", database).Replace(tmpl)
}

// Ptr returns a pointer to v. Used to fill Settings literals.
func Ptr[T any](v T) *T {
	return &v
}
