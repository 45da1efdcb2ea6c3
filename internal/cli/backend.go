package cli

import (
	"context"
	"fmt"

	"github.com/roach88/auditscope/internal/audit"
	"github.com/roach88/auditscope/internal/event"
	"github.com/roach88/auditscope/internal/provider/memory"
	"github.com/roach88/auditscope/internal/provider/natskv"
	"github.com/roach88/auditscope/internal/provider/sqlstore"
)

// StoredEvent is one event as listed by the CLI.
type StoredEvent struct {
	ID    string       `json:"id"`
	Event *event.Event `json:"event"`
}

// backend is an opened data provider plus the listing the CLI needs.
type backend struct {
	provider audit.DataProvider
	list     func(ctx context.Context, eventType string, limit int) ([]StoredEvent, error)
	close    func() error
}

// openBackend opens the backend selected by opts.
func openBackend(ctx context.Context, opts *RootOptions) (*backend, error) {
	switch opts.Backend {
	case "sqlite", "postgres":
		var (
			st  *sqlstore.Store
			err error
		)
		if opts.Backend == "sqlite" {
			st, err = sqlstore.Open(opts.Database)
		} else {
			if opts.DSN == "" {
				return nil, fmt.Errorf("--dsn is required for the postgres backend")
			}
			st, err = sqlstore.OpenPostgres(ctx, opts.DSN)
		}
		if err != nil {
			return nil, err
		}
		return &backend{
			provider: st,
			list: func(ctx context.Context, eventType string, limit int) ([]StoredEvent, error) {
				records, err := st.List(ctx, sqlstore.ListOptions{EventType: eventType, Limit: limit})
				if err != nil {
					return nil, err
				}
				out := make([]StoredEvent, len(records))
				for i, r := range records {
					out[i] = StoredEvent{ID: fmt.Sprint(r.ID), Event: r.Event}
				}
				return out, nil
			},
			close: st.Close,
		}, nil

	case "nats":
		p, closeConn, err := natskv.Connect(opts.NATSURL, opts.Bucket)
		if err != nil {
			return nil, err
		}
		return &backend{
			provider: p,
			list: func(ctx context.Context, eventType string, limit int) ([]StoredEvent, error) {
				records, err := p.List(ctx, 0)
				if err != nil {
					return nil, err
				}
				all := make([]StoredEvent, len(records))
				for i, r := range records {
					all[i] = StoredEvent{ID: r.Key, Event: r.Event}
				}
				return filterEvents(all, eventType, limit), nil
			},
			close: func() error { closeConn(); return nil },
		}, nil

	case "memory":
		p := memory.New()
		return &backend{
			provider: p,
			list: func(ctx context.Context, eventType string, limit int) ([]StoredEvent, error) {
				ids := p.IDs()
				all := make([]StoredEvent, 0, len(ids))
				for i := len(ids) - 1; i >= 0; i-- {
					ev, err := p.GetEvent(ctx, ids[i])
					if err != nil {
						return nil, err
					}
					all = append(all, StoredEvent{ID: ids[i], Event: ev})
				}
				return filterEvents(all, eventType, limit), nil
			},
			close: func() error { return nil },
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

// filterEvents keeps events of eventType, at most limit of them.
func filterEvents(all []StoredEvent, eventType string, limit int) []StoredEvent {
	out := []StoredEvent{}
	for _, se := range all {
		if eventType != "" && se.Event.EventType != eventType {
			continue
		}
		out = append(out, se)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
