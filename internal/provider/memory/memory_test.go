package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/auditscope/internal/event"
	"github.com/roach88/auditscope/internal/provider"
	"github.com/roach88/auditscope/internal/testutil"
)

var start = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func TestInsertGetReplace(t *testing.T) {
	ctx := context.Background()
	p := New(WithIDGenerator(testutil.NewSequentialIDs("mem").Generate))

	ev := event.New("order:create", start)
	ev.Target = &event.Target{Type: "string", Old: "init"}
	id, err := p.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "mem-1", id)

	ev.Target.New = "init-end"
	ev.Finish(start.Add(time.Second))

	got, err := p.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got.Target.New, "stored copy is unaffected by later mutation")

	require.NoError(t, p.ReplaceEvent(ctx, id, ev))
	got, err = p.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "init-end", got.Target.New)
	assert.Equal(t, int64(1000), got.Duration)
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, []string{"mem-1"}, p.IDs())

	raw, ok := p.Raw("mem-1")
	require.True(t, ok)
	assert.Contains(t, string(raw), `"event_type":"order:create"`)
}

func TestDefaultIDsAreUUIDv7(t *testing.T) {
	p := New()
	id, err := p.InsertEvent(context.Background(), event.New("x", start))
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	p := New()

	_, err := p.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, provider.ErrEventNotFound)

	err = p.ReplaceEvent(ctx, "missing", event.New("x", start))
	assert.ErrorIs(t, err, provider.ErrEventNotFound)

	_, err = p.GetEvent(ctx, nil)
	assert.Error(t, err)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().InsertEvent(ctx, event.New("x", start))
	assert.ErrorIs(t, err, context.Canceled)
}
