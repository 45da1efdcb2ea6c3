package metadata

// typeAnnotation is the memoized annotation lookup for one entity type.
type typeAnnotation struct {
	include  bool
	ignore   bool
	ignoreP  map[string]bool
	override map[string]any
}

// annotationLocked returns the memoized annotation of typeName. Callers hold
// r.mu for reading, so the cache is never filled across a mutation.
func (r *Registry) annotationLocked(typeName string) *typeAnnotation {
	if v, ok := r.annotations.Load(typeName); ok {
		return v.(*typeAnnotation)
	}

	a := r.entityAnn[typeName]

	ta := &typeAnnotation{
		include:  a.Include,
		ignore:   a.Ignore,
		ignoreP:  make(map[string]bool, len(a.IgnoreProperties)),
		override: make(map[string]any, len(a.OverrideProperties)),
	}
	for _, p := range a.IgnoreProperties {
		ta.ignoreP[p] = true
	}
	for k, v := range a.OverrideProperties {
		ta.override[k] = v
	}

	v, _ := r.annotations.LoadOrStore(typeName, ta)
	return v.(*typeAnnotation)
}

// IncludeEntity reports whether entities of typeName are audited under mode
// for contextID.
//
// In opt-out mode an entity is included unless its annotation ignores it, a
// layer lists it as ignored, or an ignore filter matches. In opt-in mode it is
// included only through the symmetric include signals.
func (r *Registry) IncludeEntity(contextID, typeName string, mode Mode) bool {
	key := mode.String() + "\x00" + contextID + "\x00" + typeName
	if v, ok := r.inclusion.Load(key); ok {
		return v.(bool)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	ann := r.annotationLocked(typeName)
	layers := r.layersFor(contextID)
	var included bool
	if mode == OptIn {
		included = ann.include ||
			anyLayer(layers, func(l *layer) bool { return l.included[typeName] }) ||
			anyLayer(layers, func(l *layer) bool { return l.includeFilter != nil && l.includeFilter(typeName) })
	} else {
		included = !(ann.ignore ||
			anyLayer(layers, func(l *layer) bool { return l.ignored[typeName] }) ||
			anyLayer(layers, func(l *layer) bool { return l.ignoreFilter != nil && l.ignoreFilter(typeName) }))
	}

	r.inclusion.Store(key, included)
	return included
}

// layersFor returns the owner layer of contextID, if any, followed by the
// global layer. Callers hold r.mu.
func (r *Registry) layersFor(contextID string) []*layer {
	if owner, ok := r.owners[contextID]; ok {
		return []*layer{owner, r.global}
	}
	return []*layer{r.global}
}

func anyLayer(layers []*layer, pred func(*layer) bool) bool {
	for _, l := range layers {
		if pred(l) {
			return true
		}
	}
	return false
}

// PropertyRules are the merged property rules of one entity type in one context.
// They are immutable once built.
type PropertyRules struct {
	annIgnore   map[string]bool
	annOverride map[string]any
	ignore      map[string]bool
	override    map[string]any
	format      map[string]func(any) any
}

// EntityRules returns the merged property rules of typeName for contextID.
//
// Layer maps are merged global first, then owner, then annotation, each adding
// only keys not yet present. Annotation rules are also kept apart and checked
// first, so they win on collision.
func (r *Registry) EntityRules(contextID, typeName string) *PropertyRules {
	key := contextID + "\x00" + typeName
	if v, ok := r.rules.Load(key); ok {
		return v.(*PropertyRules)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ann := r.annotationLocked(typeName)
	pr := &PropertyRules{
		annIgnore:   ann.ignoreP,
		annOverride: ann.override,
		ignore:      map[string]bool{},
		override:    map[string]any{},
		format:      map[string]func(any) any{},
	}

	ordered := []*layer{r.global}
	if owner, ok := r.owners[contextID]; ok {
		ordered = append(ordered, owner)
	}
	for _, l := range ordered {
		el, ok := l.entities[typeName]
		if !ok {
			continue
		}
		addNew(pr.ignore, el.ignore)
		addNew(pr.override, el.override)
		addNew(pr.format, el.format)
	}

	addNew(pr.ignore, ann.ignoreP)
	addNew(pr.override, ann.override)

	v, _ := r.rules.LoadOrStore(key, pr)
	return v.(*PropertyRules)
}

func addNew[V any](dst, src map[string]V) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}

// Included reports whether prop is audited.
func (p *PropertyRules) Included(prop string) bool {
	if p.annIgnore[prop] {
		return false
	}
	return !p.ignore[prop]
}

// Value returns the value to record for prop: an override if one is
// configured, else the formatted value, else raw.
func (p *PropertyRules) Value(prop string, raw any) any {
	if v, ok := p.annOverride[prop]; ok {
		return v
	}
	if v, ok := p.override[prop]; ok {
		return v
	}
	if fn, ok := p.format[prop]; ok && fn != nil {
		return fn(raw)
	}
	return raw
}
