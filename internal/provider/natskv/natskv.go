// Package natskv is an audit data provider backed by a NATS JetStream
// KeyValue bucket.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/roach88/auditscope/internal/event"
	"github.com/roach88/auditscope/internal/provider"
)

// Bucket is the subset of nats.KeyValue the provider uses.
type Bucket interface {
	Put(key string, value []byte) (uint64, error)
	Get(key string) (nats.KeyValueEntry, error)
	Keys(opts ...nats.WatchOpt) ([]string, error)
}

// ensure nats.KeyValue satisfies Bucket at compile time.
var _ Bucket = (nats.KeyValue)(nil)

// Provider stores one canonical JSON event per key. Keys are UUIDv7 strings,
// so lexical order is insertion order.
type Provider struct {
	provider.Base

	kv     Bucket
	logger *slog.Logger
}

// New creates a provider over kv.
func New(logger *slog.Logger, kv Bucket) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{kv: kv, logger: logger}
}

// Connect dials url and binds to bucket, creating it when missing.
// The returned close function drains the connection.
func Connect(url, bucket string) (*Provider, func(), error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("bind bucket %q: %w", bucket, err)
	}
	return New(slog.Default(), kv), func() { _ = nc.Drain() }, nil
}

// InsertEvent stores ev under a new key and returns the key.
func (p *Provider) InsertEvent(ctx context.Context, ev *event.Event) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event key: %w", err)
	}
	if err := p.put(id.String(), ev); err != nil {
		return nil, err
	}
	return id.String(), nil
}

// ReplaceEvent overwrites the value under id. The key must already exist.
func (p *Provider) ReplaceEvent(ctx context.Context, id any, ev *event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := provider.IDString(id)
	if err != nil {
		return err
	}
	if _, err := p.get(key); err != nil {
		return err
	}
	return p.put(key, ev)
}

// GetEvent decodes the latest value under id.
func (p *Provider) GetEvent(ctx context.Context, id any) (*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := provider.IDString(id)
	if err != nil {
		return nil, err
	}
	kve, err := p.get(key)
	if err != nil {
		return nil, err
	}
	ev, err := event.Decode(kve.Value())
	if err != nil {
		return nil, fmt.Errorf("get audit event %s: %w", key, err)
	}
	return ev, nil
}

// Record is one stored event with its key.
type Record struct {
	Key   string
	Event *event.Event
}

// List returns up to limit events, newest first. A limit of zero returns
// every event. Undecodable entries are logged and skipped.
func (p *Provider) List(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := p.kv.Keys()
	if err != nil {
		// nats.ErrNoKeysFound means the bucket is empty
		if errors.Is(err, nats.ErrNoKeysFound) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("list audit keys: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		kve, err := p.kv.Get(key)
		if err != nil {
			p.logger.Warn("failed to get audit event",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		ev, err := event.Decode(kve.Value())
		if err != nil {
			p.logger.Warn("failed to decode audit event",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		records = append(records, Record{Key: key, Event: ev})
	}
	return records, nil
}

func (p *Provider) put(key string, ev *event.Event) error {
	data, err := event.Canonical(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if _, err := p.kv.Put(key, data); err != nil {
		return fmt.Errorf("put audit event %s: %w", key, err)
	}
	return nil
}

func (p *Provider) get(key string) (nats.KeyValueEntry, error) {
	kve, err := p.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, fmt.Errorf("key %s: %w", key, provider.ErrEventNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event %s: %w", key, err)
	}
	return kve, nil
}
