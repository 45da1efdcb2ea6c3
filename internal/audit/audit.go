// Package audit runs the scope lifecycle: it builds an event around a guarded
// operation and writes it through a DataProvider according to a creation policy.
package audit

import (
	"context"
	"errors"
)

// Log creates an event of the given type and writes it immediately.
// The configured creation policy is ignored; the event is inserted once.
func Log(ctx context.Context, eventType string, extraFields map[string]any) error {
	s, err := newScope(ctx, Options{
		EventType:      eventType,
		ExtraFields:    extraFields,
		CreationPolicy: InsertOnEnd,
	}, 1)
	if err != nil {
		return err
	}
	return s.Dispose(ctx)
}

// Run executes fn inside a scope and disposes the scope afterwards.
//
// An error from fn is recorded in the event environment. Both fn's error and
// any audit error are returned, joined; neither hides the other.
func Run(ctx context.Context, opts Options, fn func(ctx context.Context, s *Scope) error) error {
	s, err := newScope(ctx, opts, 1)
	if err != nil {
		return err
	}
	opErr := fn(ctx, s)
	s.RecordError(opErr)
	return errors.Join(opErr, s.Dispose(ctx))
}
