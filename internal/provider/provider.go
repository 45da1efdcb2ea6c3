// Package provider holds the pieces shared by every audit data provider.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/roach88/auditscope/internal/event"
)

// ErrEventNotFound is returned by GetEvent and ReplaceEvent for unknown ids.
var ErrEventNotFound = errors.New("event not found")

// Cloner is implemented by values that know how to deep-copy themselves.
type Cloner interface {
	Clone() any
}

// Base implements Serialize and CloneValue. Providers embed it.
type Base struct{}

// Serialize snapshots v as a JSON-shaped value (maps, slices, strings,
// float64, bool, nil). Scalars are returned unchanged.
func (Base) Serialize(v any) (any, error) {
	if isScalar(v) {
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("serialize %T: %w", v, err)
	}
	return out, nil
}

// CloneValue deep-copies v and keeps its type.
//
// Scalars are returned unchanged, Cloner values copy themselves, and
// everything else goes through a JSON round trip into a new value of the same
// type. Values that cannot be encoded as JSON return an error rather than a
// shallow copy.
func (Base) CloneValue(v any) (any, error) {
	if isScalar(v) {
		return v, nil
	}
	if c, ok := v.(Cloner); ok {
		return c.Clone(), nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("clone %T: %w", v, err)
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		dst := reflect.New(t.Elem())
		if err := json.Unmarshal(raw, dst.Interface()); err != nil {
			return nil, fmt.Errorf("clone %T: %w", v, err)
		}
		return dst.Interface(), nil
	}
	dst := reflect.New(t)
	if err := json.Unmarshal(raw, dst.Interface()); err != nil {
		return nil, fmt.Errorf("clone %T: %w", v, err)
	}
	return dst.Elem().Interface(), nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string, time.Time, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// Dynamic is a provider assembled from functions, for wiring ad-hoc sinks
// such as loggers or message queues without a dedicated type.
//
// A nil OnInsert makes inserts no-ops returning a nil id. A nil OnReplace
// makes replaces no-ops. A nil OnGet returns ErrEventNotFound.
type Dynamic struct {
	Base

	OnInsert  func(ctx context.Context, ev *event.Event) (any, error)
	OnReplace func(ctx context.Context, id any, ev *event.Event) error
	OnGet     func(ctx context.Context, id any) (*event.Event, error)
}

// InsertEvent calls OnInsert.
func (d *Dynamic) InsertEvent(ctx context.Context, ev *event.Event) (any, error) {
	if d.OnInsert == nil {
		return nil, nil
	}
	return d.OnInsert(ctx, ev)
}

// ReplaceEvent calls OnReplace.
func (d *Dynamic) ReplaceEvent(ctx context.Context, id any, ev *event.Event) error {
	if d.OnReplace == nil {
		return nil
	}
	return d.OnReplace(ctx, id, ev)
}

// GetEvent calls OnGet.
func (d *Dynamic) GetEvent(ctx context.Context, id any) (*event.Event, error) {
	if d.OnGet == nil {
		return nil, fmt.Errorf("get event %v: %w", id, ErrEventNotFound)
	}
	return d.OnGet(ctx, id)
}

// IDString normalizes an opaque event id to the string form stores key by.
func IDString(id any) (string, error) {
	switch v := id.(type) {
	case string:
		if v == "" {
			return "", errors.New("empty event id")
		}
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(v), nil
	case nil:
		return "", errors.New("nil event id")
	default:
		return "", fmt.Errorf("unsupported event id type %T", id)
	}
}
