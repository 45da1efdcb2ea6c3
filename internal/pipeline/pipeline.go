// Package pipeline holds the ordered, phase-keyed hooks run around an audit scope.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Phase identifies a point in the scope lifecycle at which hooks run.
type Phase int

const (
	// Created runs once the scope is constructed, before control returns to the caller.
	Created Phase = iota
	// AboutToSave runs after the end timestamp and target are captured, before the write.
	AboutToSave
	// Saved runs after a successful write.
	Saved
	// Disposed runs exactly once when the scope is disposed.
	Disposed

	numPhases
)

// Phases lists every phase in lifecycle order.
var Phases = []Phase{Created, AboutToSave, Saved, Disposed}

func (p Phase) String() string {
	switch p {
	case Created:
		return "created"
	case AboutToSave:
		return "about-to-save"
	case Saved:
		return "saved"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) valid() bool {
	return p >= Created && p < numPhases
}

// Handler is the canonical hook shape every registration form is normalized to.
// Returning false stops the remaining hooks of the same phase.
type Handler[T any] func(ctx context.Context, v T) (bool, error)

// Pipeline is a process-wide registry of hooks keyed by phase.
//
// Thread-safety: registration and Reset serialize on a mutex and publish a new
// slice (copy-on-write). Invoke loads the published slice atomically and
// iterates it without locking, so hooks registered while an invocation is in
// flight only affect later invocations.
type Pipeline[T any] struct {
	mu       sync.Mutex
	handlers [numPhases]atomic.Pointer[[]Handler[T]]
}

// New creates an empty pipeline.
func New[T any]() *Pipeline[T] {
	return &Pipeline[T]{}
}

// Add registers a plain synchronous hook that never stops the phase.
func (p *Pipeline[T]) Add(phase Phase, fn func(T)) {
	p.register(phase, func(_ context.Context, v T) (bool, error) {
		fn(v)
		return true, nil
	})
}

// AddCancelable registers a synchronous hook. Returning false stops the phase.
func (p *Pipeline[T]) AddCancelable(phase Phase, fn func(T) bool) {
	p.register(phase, func(_ context.Context, v T) (bool, error) {
		return fn(v), nil
	})
}

// AddContext registers a context-aware hook that may fail.
func (p *Pipeline[T]) AddContext(phase Phase, fn func(context.Context, T) error) {
	p.register(phase, func(ctx context.Context, v T) (bool, error) {
		if err := fn(ctx, v); err != nil {
			return false, err
		}
		return true, nil
	})
}

// AddCancelableContext registers a hook already in canonical form.
func (p *Pipeline[T]) AddCancelableContext(phase Phase, fn Handler[T]) {
	p.register(phase, fn)
}

func (p *Pipeline[T]) register(phase Phase, h Handler[T]) {
	if !phase.valid() {
		panic(fmt.Sprintf("pipeline: invalid phase %d", int(phase)))
	}
	if h == nil {
		panic("pipeline: nil handler")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var next []Handler[T]
	if cur := p.handlers[phase].Load(); cur != nil {
		next = make([]Handler[T], len(*cur), len(*cur)+1)
		copy(next, *cur)
	}
	next = append(next, h)
	p.handlers[phase].Store(&next)
}

// Reset removes every hook of the given phases, or of all phases when none are given.
// It is the only way to unregister hooks.
func (p *Pipeline[T]) Reset(phases ...Phase) {
	if len(phases) == 0 {
		phases = Phases
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ph := range phases {
		if ph.valid() {
			p.handlers[ph].Store(nil)
		}
	}
}

// Len returns the number of hooks registered for phase.
func (p *Pipeline[T]) Len(phase Phase) int {
	if !phase.valid() {
		return 0
	}
	return len(p.snapshot(phase))
}

func (p *Pipeline[T]) snapshot(phase Phase) []Handler[T] {
	cur := p.handlers[phase].Load()
	if cur == nil {
		return nil
	}
	return *cur
}

// Invoke runs the hooks of phase in registration order against v.
//
// Iteration stops at the first hook returning false. A hook error stops
// iteration and is returned wrapped with the phase name.
func (p *Pipeline[T]) Invoke(ctx context.Context, phase Phase, v T) error {
	if !phase.valid() {
		return fmt.Errorf("invoke: invalid phase %d", int(phase))
	}
	for i, h := range p.snapshot(phase) {
		cont, err := h(ctx, v)
		if err != nil {
			return fmt.Errorf("%s hook %d: %w", phase, i, err)
		}
		if !cont {
			return nil
		}
	}
	return nil
}
