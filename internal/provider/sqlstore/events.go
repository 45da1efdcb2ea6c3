package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/auditscope/internal/event"
	"github.com/roach88/auditscope/internal/provider"
)

// InsertEvent stores ev as canonical JSON and returns its int64 row id.
func (s *Store) InsertEvent(ctx context.Context, ev *event.Event) (any, error) {
	data, err := event.Canonical(ev)
	if err != nil {
		return nil, storeErr("insert event", err)
	}

	query := s.rebind(`
		INSERT INTO audit_events (event_type, start_date, end_date, duration_ms, data)
		VALUES (?, ?, ?, ?, ?)
	`)
	args := []any{ev.EventType, s.timeArg(&ev.StartDate), s.timeArg(ev.EndDate), ev.Duration, string(data)}

	if s.dialect == Postgres {
		var id int64
		if err := s.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return nil, storeErr("insert event", err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("insert event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr("insert event", err)
	}
	return id, nil
}

// ReplaceEvent overwrites the row of id with ev.
func (s *Store) ReplaceEvent(ctx context.Context, id any, ev *event.Event) error {
	rowID, err := eventID(id)
	if err != nil {
		return storeErr("replace event", err)
	}
	data, err := event.Canonical(ev)
	if err != nil {
		return storeErr("replace event", err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE audit_events
		SET event_type = ?, end_date = ?, duration_ms = ?, data = ?
		WHERE id = ?
	`), ev.EventType, s.timeArg(ev.EndDate), ev.Duration, string(data), rowID)
	if err != nil {
		return storeErr("replace event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("replace event", err)
	}
	if n == 0 {
		return storeErr("replace event", fmt.Errorf("id %d: %w", rowID, provider.ErrEventNotFound))
	}
	return nil
}

// GetEvent loads and decodes the event stored under id.
func (s *Store) GetEvent(ctx context.Context, id any) (*event.Event, error) {
	rowID, err := eventID(id)
	if err != nil {
		return nil, storeErr("get event", err)
	}

	var data string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM audit_events WHERE id = ?`), rowID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeErr("get event", fmt.Errorf("id %d: %w", rowID, provider.ErrEventNotFound))
	}
	if err != nil {
		return nil, storeErr("get event", err)
	}

	ev, err := event.Decode([]byte(data))
	if err != nil {
		return nil, storeErr("get event", err)
	}
	return ev, nil
}

// Record is one stored event with its row id.
type Record struct {
	ID    int64
	Event *event.Event
}

// ListOptions filter List.
type ListOptions struct {
	// EventType restricts results to one event type when set.
	EventType string
	// Limit caps the number of results; zero means 100.
	Limit int
}

// List returns stored events, newest first.
//
// Returns an empty slice (not nil) if no records match.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, data FROM audit_events`
	var args []any
	if opts.EventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, opts.EventType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, storeErr("list events", err)
		}
		ev, err := event.Decode([]byte(data))
		if err != nil {
			return nil, storeErr("list events", fmt.Errorf("row %d: %w", id, err))
		}
		records = append(records, Record{ID: id, Event: ev})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list events", err)
	}
	return records, nil
}
