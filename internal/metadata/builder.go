package metadata

// ContextConfig edits one owner or global layer. Every method returns the
// receiver so calls can be chained.
type ContextConfig struct {
	r *Registry
	l *layer
}

// UseMode sets the audit mode.
func (c *ContextConfig) UseMode(m Mode) *ContextConfig {
	c.r.mutate(func() { c.l.settings.Mode = &m })
	return c
}

// IncludeEntityObjects sets whether captured entries embed a copy of the entity.
func (c *ContextConfig) IncludeEntityObjects(include bool) *ContextConfig {
	c.r.mutate(func() { c.l.settings.IncludeEntityObjects = &include })
	return c
}

// EventType sets the event type template.
func (c *ContextConfig) EventType(tmpl string) *ContextConfig {
	c.r.mutate(func() { c.l.settings.EventType = &tmpl })
	return c
}

// ExcludeTransactionID sets whether the transaction id is left out of reports.
func (c *ContextConfig) ExcludeTransactionID(exclude bool) *ContextConfig {
	c.r.mutate(func() { c.l.settings.ExcludeTransactionID = &exclude })
	return c
}

// ExcludeValidationResults sets whether entity validation is skipped.
func (c *ContextConfig) ExcludeValidationResults(exclude bool) *ContextConfig {
	c.r.mutate(func() { c.l.settings.ExcludeValidationResults = &exclude })
	return c
}

// Include lists entity types audited in opt-in mode.
func (c *ContextConfig) Include(typeNames ...string) *ContextConfig {
	c.r.mutate(func() {
		for _, n := range typeNames {
			c.l.included[n] = true
		}
	})
	return c
}

// Ignore lists entity types skipped in opt-out mode.
func (c *ContextConfig) Ignore(typeNames ...string) *ContextConfig {
	c.r.mutate(func() {
		for _, n := range typeNames {
			c.l.ignored[n] = true
		}
	})
	return c
}

// IncludeWhen sets a predicate including entity types in opt-in mode.
func (c *ContextConfig) IncludeWhen(fn func(typeName string) bool) *ContextConfig {
	c.r.mutate(func() { c.l.includeFilter = fn })
	return c
}

// IgnoreWhen sets a predicate ignoring entity types in opt-out mode.
func (c *ContextConfig) IgnoreWhen(fn func(typeName string) bool) *ContextConfig {
	c.r.mutate(func() { c.l.ignoreFilter = fn })
	return c
}

// ForEntity returns a builder for the property rules of typeName in this layer.
func (c *ContextConfig) ForEntity(typeName string) *EntityConfig {
	return &EntityConfig{c: c, typeName: typeName}
}

// EntityConfig edits the property rules of one entity type within one layer.
type EntityConfig struct {
	c        *ContextConfig
	typeName string
}

// Ignore excludes properties from diffs and snapshots.
func (e *EntityConfig) Ignore(props ...string) *EntityConfig {
	e.c.r.mutate(func() {
		el := e.c.l.entity(e.typeName)
		for _, p := range props {
			el.ignore[p] = true
		}
	})
	return e
}

// Override records value in place of the property's real value.
func (e *EntityConfig) Override(prop string, value any) *EntityConfig {
	e.c.r.mutate(func() { e.c.l.entity(e.typeName).override[prop] = value })
	return e
}

// Format records fn(value) in place of the property's real value.
func (e *EntityConfig) Format(prop string, fn func(any) any) *EntityConfig {
	e.c.r.mutate(func() { e.c.l.entity(e.typeName).format[prop] = fn })
	return e
}

// Context returns the enclosing layer builder.
func (e *EntityConfig) Context() *ContextConfig {
	return e.c
}
