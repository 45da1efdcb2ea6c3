// Package entityaudit wraps a unit-of-work save in an audit scope.
//
// A save is captured before it executes, written through the unit of work,
// reconciled with generated keys and then recorded as one audit event whose
// payload is the change report.
package entityaudit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/auditscope/internal/audit"
	"github.com/roach88/auditscope/internal/changes"
	"github.com/roach88/auditscope/internal/metadata"
)

// UnitOfWork is a change-tracking session that can persist its changes.
type UnitOfWork interface {
	changes.Session
	SaveChanges(ctx context.Context) (int, error)
}

// Auditor audits the saves of one unit of work.
//
// Thread-safety: an Auditor is as safe for concurrent use as its unit of
// work. Each SaveChanges call creates its own scope.
type Auditor struct {
	uow      UnitOfWork
	explicit metadata.Settings
	defaults audit.Defaults
	extra    map[string]any
	cfg      *audit.Config
	reg      *metadata.Registry
	validate func(any) []string
	logger   *slog.Logger
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithMode overrides the inclusion mode of every registry layer.
func WithMode(m metadata.Mode) Option {
	return func(a *Auditor) { a.explicit.Mode = &m }
}

// WithEventType overrides the event type template, e.g. "{context}:{database}".
func WithEventType(tmpl string) Option {
	return func(a *Auditor) { a.explicit.EventType = &tmpl }
}

// WithIncludeEntityObjects embeds a clone of each entity in its audit entry.
func WithIncludeEntityObjects(include bool) Option {
	return func(a *Auditor) { a.explicit.IncludeEntityObjects = &include }
}

// WithExcludeTransactionID omits the ambient transaction id from reports.
func WithExcludeTransactionID(exclude bool) Option {
	return func(a *Auditor) { a.explicit.ExcludeTransactionID = &exclude }
}

// WithExcludeValidationResults skips entity validation during capture.
func WithExcludeValidationResults(exclude bool) Option {
	return func(a *Auditor) { a.explicit.ExcludeValidationResults = &exclude }
}

// WithCreationPolicy sets the owner-level creation policy.
func WithCreationPolicy(p audit.CreationPolicy) Option {
	return func(a *Auditor) { a.defaults.CreationPolicy = p }
}

// WithDataProvider sets the owner-level data provider.
func WithDataProvider(p audit.DataProvider) Option {
	return func(a *Auditor) { a.defaults.DataProvider = p }
}

// WithExtraFields adds custom fields to every event.
func WithExtraFields(fields map[string]any) Option {
	return func(a *Auditor) { a.extra = fields }
}

// WithConfig uses cfg instead of audit.Global().
func WithConfig(cfg *audit.Config) Option {
	return func(a *Auditor) { a.cfg = cfg }
}

// WithRegistry uses reg instead of metadata.Default().
func WithRegistry(reg *metadata.Registry) Option {
	return func(a *Auditor) { a.reg = reg }
}

// WithValidator replaces the entity validator used during capture.
func WithValidator(fn func(entity any) []string) Option {
	return func(a *Auditor) { a.validate = fn }
}

// WithLogger sets the logger. Defaults to the config's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) { a.logger = l }
}

// New creates an Auditor for uow.
func New(uow UnitOfWork, opts ...Option) *Auditor {
	a := &Auditor{uow: uow}
	for _, opt := range opts {
		opt(a)
	}
	if a.cfg == nil {
		a.cfg = audit.Global()
	}
	if a.reg == nil {
		a.reg = metadata.Default()
	}
	if a.logger == nil {
		a.logger = a.cfg.Logger()
	}
	return a
}

// SaveChanges saves the unit of work inside an audit scope and returns the
// number of affected rows.
//
// When auditing is disabled, or nothing included is pending, the save runs
// without a scope. A failed save is still audited with Success false; its
// error is returned joined with any error from ending the scope.
func (a *Auditor) SaveChanges(ctx context.Context) (int, error) {
	if a.cfg.Disabled() {
		return a.uow.SaveChanges(ctx)
	}

	report, err := changes.Capture(a.uow, a.reg, changes.Options{
		Explicit: a.explicit,
		Validate: a.validate,
		Clone:    a.cloneFunc(),
	})
	if err != nil {
		return 0, fmt.Errorf("capture changes: %w", err)
	}
	if report == nil {
		return a.uow.SaveChanges(ctx)
	}

	resolved := a.reg.Resolve(a.uow.ContextID(), a.explicit)
	eventType := metadata.FormatEventType(resolved.EventType, a.uow.ContextID(), a.uow.Database())

	scope, err := audit.New(ctx, audit.Options{
		EventType:   eventType,
		Payload:     report,
		ExtraFields: a.extra,
		Owner:       &a.defaults,
		Config:      a.cfg,
		CallerSkip:  1,
	})
	if err != nil {
		return 0, fmt.Errorf("create audit scope: %w", err)
	}

	n, saveErr := a.uow.SaveChanges(ctx)
	if saveErr != nil {
		report.Success = false
		report.ErrorMessage = saveErr.Error()
		scope.RecordError(saveErr)
		a.logger.Debug("audited save failed",
			slog.String("event_type", eventType),
			slog.String("error", saveErr.Error()),
		)
		if err := scope.Dispose(ctx); err != nil {
			return 0, errors.Join(saveErr, fmt.Errorf("end audit scope: %w", err))
		}
		return 0, saveErr
	}

	report.Result = n
	report.Success = true
	changes.Reconcile(report, a.uow)
	a.logger.Debug("audited save",
		slog.String("event_type", eventType),
		slog.Int("entries", len(report.Entries)),
		slog.Int("result", n),
	)

	if err := scope.Dispose(ctx); err != nil {
		return n, fmt.Errorf("end audit scope: %w", err)
	}
	return n, nil
}

// cloneFunc clones embedded entities with the effective data provider.
func (a *Auditor) cloneFunc() func(any) (any, error) {
	p := a.defaults.DataProvider
	if p == nil {
		p = a.cfg.DataProvider()
	}
	if p == nil {
		return nil
	}
	return p.CloneValue
}
