package audit

import (
	"context"
	"fmt"
	"reflect"

	"github.com/roach88/auditscope/internal/event"
	"github.com/roach88/auditscope/internal/pipeline"
)

// Options configure a single scope. Zero values fall through to Owner and
// then to Config.
type Options struct {
	// EventType names the audited operation.
	EventType string
	// TargetGetter returns the watched object. It is called once at creation
	// for Target.Old and once at end for Target.New.
	TargetGetter func() (any, error)
	// TargetType overrides the type name recorded in Target.Type.
	TargetType string
	// ExtraFields are merged into the event's custom fields at creation.
	ExtraFields map[string]any
	// Payload is attached to the event as-is.
	Payload any

	CreationPolicy CreationPolicy
	DataProvider   DataProvider
	Owner          *Defaults
	// Config defaults to Global().
	Config *Config

	// CallerSkip adds frames to skip when recording Environment.CallingMethod.
	CallerSkip int
}

// Scope is one run of the audit lifecycle bound to one guarded operation.
//
// A Scope is not safe for concurrent use. Concurrent operations must each
// create their own scope.
type Scope struct {
	cfg      *Config
	ev       *event.Event
	provider DataProvider
	policy   CreationPolicy
	getter   func() (any, error)

	eventID  any
	disabled bool
	ended    bool
	disposed bool
}

// New creates a scope and runs the Created hooks before returning.
//
// The target getter is evaluated immediately; its error aborts creation
// without any write. Under an insert-on-start policy the event is inserted
// here and its id kept for the end of the scope.
func New(ctx context.Context, opts Options) (*Scope, error) {
	return newScope(ctx, opts, 1)
}

func newScope(ctx context.Context, opts Options, skip int) (*Scope, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = Global()
	}

	s := &Scope{
		cfg:      cfg,
		policy:   resolvePolicy(opts, cfg),
		provider: resolveProvider(opts, cfg),
		disabled: cfg.Disabled(),
	}
	if s.provider == nil && !s.disabled {
		return nil, fmt.Errorf("create scope %q: %w", opts.EventType, ErrNoDataProvider)
	}

	s.ev = event.New(opts.EventType, cfg.now())
	s.ev.Environment = captureEnvironment(skip + 2 + opts.CallerSkip)
	s.ev.Payload = opts.Payload

	if opts.TargetGetter != nil {
		if err := s.setTarget(opts.TargetGetter, opts.TargetType); err != nil {
			return nil, err
		}
	}
	for k, v := range opts.ExtraFields {
		if err := s.ev.SetCustomField(k, v); err != nil {
			return nil, fmt.Errorf("create scope %q: %w", opts.EventType, err)
		}
	}

	if err := cfg.Actions().Invoke(ctx, pipeline.Created, s); err != nil {
		return nil, err
	}

	if s.policy.insertsOnStart() && !s.disabled {
		id, err := s.provider.InsertEvent(ctx, s.ev)
		if err != nil {
			return nil, fmt.Errorf("insert event on start: %w", err)
		}
		s.eventID = id
		cfg.Logger().Debug("audit event inserted on start",
			"event_type", s.ev.EventType,
			"event_id", id,
		)
	}
	return s, nil
}

func resolvePolicy(opts Options, cfg *Config) CreationPolicy {
	if opts.CreationPolicy != PolicyUnset {
		return opts.CreationPolicy
	}
	if opts.Owner != nil && opts.Owner.CreationPolicy != PolicyUnset {
		return opts.Owner.CreationPolicy
	}
	if p := cfg.CreationPolicy(); p != PolicyUnset {
		return p
	}
	return DefaultCreationPolicy
}

func resolveProvider(opts Options, cfg *Config) DataProvider {
	if opts.DataProvider != nil {
		return opts.DataProvider
	}
	if opts.Owner != nil && opts.Owner.DataProvider != nil {
		return opts.Owner.DataProvider
	}
	return cfg.DataProvider()
}

// Event returns the event being built. Hooks may mutate it.
func (s *Scope) Event() *event.Event { return s.ev }

// EventID returns the id assigned by the most recent insert, or nil.
func (s *Scope) EventID() any { return s.eventID }

// CreationPolicy returns the resolved creation policy.
func (s *Scope) CreationPolicy() CreationPolicy { return s.policy }

// DataProvider returns the resolved data provider. It may be nil when disabled.
func (s *Scope) DataProvider() DataProvider { return s.provider }

// Ended reports whether the scope finished its end-of-scope work or was discarded.
func (s *Scope) Ended() bool { return s.ended }

// Comment appends a formatted comment to the event.
func (s *Scope) Comment(format string, args ...any) {
	s.ev.Comments = append(s.ev.Comments, fmt.Sprintf(format, args...))
}

// SetCustomField stores a custom field on the event.
func (s *Scope) SetCustomField(key string, value any) error {
	return s.ev.SetCustomField(key, value)
}

// SetTargetGetter replaces the target getter and captures the Old value now.
func (s *Scope) SetTargetGetter(getter func() (any, error), targetType string) error {
	return s.setTarget(getter, targetType)
}

func (s *Scope) setTarget(getter func() (any, error), targetType string) error {
	v, err := getter()
	if err != nil {
		return fmt.Errorf("target getter: %w", err)
	}
	old, err := s.serialize(v)
	if err != nil {
		return fmt.Errorf("serialize target: %w", err)
	}
	if targetType == "" {
		targetType = typeName(v)
	}
	s.getter = getter
	s.ev.Target = &event.Target{Type: targetType, Old: old}
	return nil
}

func (s *Scope) serialize(v any) (any, error) {
	if v == nil || s.provider == nil {
		return v, nil
	}
	return s.provider.Serialize(v)
}

// RecordError stores the guarded operation's failure in the event environment.
func (s *Scope) RecordError(err error) {
	if err == nil {
		return
	}
	if s.ev.Environment == nil {
		s.ev.Environment = &event.Environment{}
	}
	s.ev.Environment.Exception = err.Error()
}

// Discard marks the scope as ended without writing anything.
func (s *Scope) Discard() {
	s.ended = true
}

// Save writes the event under the Manual policy: an insert, or a replace when
// the event was already inserted. It is a no-op under any other policy and
// after the scope has ended.
func (s *Scope) Save(ctx context.Context) error {
	if s.policy != Manual || s.ended {
		return nil
	}
	return s.end(ctx, true)
}

// Dispose ends the scope if it has not ended and runs the Disposed hooks.
//
// Dispose is idempotent. When the end-of-scope write fails the error is
// returned, the scope is left not ended, and Disposed hooks do not run.
func (s *Scope) Dispose(ctx context.Context) error {
	if s.disposed {
		return nil
	}
	if !s.ended {
		if err := s.end(ctx, false); err != nil {
			return err
		}
	}
	s.disposed = true
	return s.cfg.Actions().Invoke(ctx, pipeline.Disposed, s)
}

// end finalizes timing and target, then writes according to the policy.
// manualSave is true only when called from Save.
func (s *Scope) end(ctx context.Context, manualSave bool) error {
	s.ev.Finish(s.cfg.now())

	if s.getter != nil {
		v, err := s.getter()
		if err != nil {
			return fmt.Errorf("target getter: %w", err)
		}
		nv, err := s.serialize(v)
		if err != nil {
			return fmt.Errorf("serialize target: %w", err)
		}
		s.ev.Target.New = nv
	}
	if len(s.ev.Comments) == 0 {
		s.ev.Comments = nil
	}

	if s.disabled || (s.policy == Manual && !manualSave) {
		s.ended = true
		return nil
	}

	if err := s.cfg.Actions().Invoke(ctx, pipeline.AboutToSave, s); err != nil {
		return err
	}
	if err := s.write(ctx); err != nil {
		return err
	}
	err := s.cfg.Actions().Invoke(ctx, pipeline.Saved, s)
	s.ended = true
	return err
}

func (s *Scope) write(ctx context.Context) error {
	log := s.cfg.Logger()

	replace := s.policy == InsertOnStartReplaceOnEnd ||
		(s.policy == Manual && s.eventID != nil)
	if replace {
		if err := s.provider.ReplaceEvent(ctx, s.eventID, s.ev); err != nil {
			return fmt.Errorf("replace event: %w", err)
		}
		log.Debug("audit event replaced",
			"event_type", s.ev.EventType,
			"event_id", s.eventID,
			"duration_ms", s.ev.Duration,
		)
		return nil
	}

	id, err := s.provider.InsertEvent(ctx, s.ev)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	s.eventID = id
	log.Debug("audit event inserted",
		"event_type", s.ev.EventType,
		"event_id", id,
		"duration_ms", s.ev.Duration,
	)
	return nil
}

func typeName(v any) string {
	if v == nil {
		return ""
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}
