package entityaudit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/auditscope/internal/audit"
	"github.com/roach88/auditscope/internal/changes"
	"github.com/roach88/auditscope/internal/entityaudit"
	"github.com/roach88/auditscope/internal/event"
	"github.com/roach88/auditscope/internal/metadata"
	"github.com/roach88/auditscope/internal/provider"
	"github.com/roach88/auditscope/internal/provider/memory"
	"github.com/roach88/auditscope/internal/tracking"
)

type Customer struct {
	ID   int64  `track:"id,pk,auto"`
	Name string `track:"name" validate:"required"`
}

type Order struct {
	ID         int64  `track:"id,pk,auto"`
	CustomerID *int64 `track:"customer_id,fk,ref=Customer"`
	Customer   *Customer
	Status     string
}

func setup(t *testing.T) (*audit.Config, *memory.Provider, *metadata.Registry) {
	t.Helper()
	p := memory.New()
	cfg := audit.NewConfig().SetDataProvider(p)
	return cfg, p, metadata.NewRegistry()
}

func onlyEvent(t *testing.T, p *memory.Provider) (*event.Event, changes.Report) {
	t.Helper()
	ids := p.IDs()
	require.Len(t, ids, 1)
	ev, err := p.GetEvent(context.Background(), ids[0])
	require.NoError(t, err)
	var report changes.Report
	require.NoError(t, ev.DecodePayload(&report))
	return ev, report
}

func TestSaveChanges_AuditsInsertWithGeneratedKeys(t *testing.T) {
	ctx := context.Background()
	cfg, p, reg := setup(t)

	uow := tracking.New("Shop", tracking.WithDatabase("shop"))
	cust := &Customer{Name: "alice"}
	require.NoError(t, uow.Add(cust))
	require.NoError(t, uow.Add(&Order{Customer: cust, Status: "new"}))

	a := entityaudit.New(uow, entityaudit.WithConfig(cfg), entityaudit.WithRegistry(reg),
		entityaudit.WithExtraFields(map[string]any{"tenant": "acme"}))
	n, err := a.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ev, report := onlyEvent(t, p)
	assert.Equal(t, "Shop:shop", ev.EventType)
	assert.Equal(t, "acme", ev.CustomFields["tenant"])
	assert.True(t, report.Success)
	assert.Equal(t, 2, report.Result)
	assert.Equal(t, uow.ConnectionID(), report.ConnectionID)
	require.Len(t, report.Entries, 2)

	order := report.Entries[1]
	assert.Equal(t, changes.ActionInsert, order.Action)
	assert.Equal(t, float64(1), order.PrimaryKey["id"])
	assert.Equal(t, float64(1), order.ColumnValues["customer_id"])
	assert.True(t, order.Valid)
}

func TestSaveChanges_AuditsUpdateDiff(t *testing.T) {
	ctx := context.Background()
	cfg, p, reg := setup(t)

	uow := tracking.New("Shop")
	order := &Order{ID: 7, Status: "new"}
	require.NoError(t, uow.Attach(order))
	order.Status = "paid"

	_, err := entityaudit.New(uow, entityaudit.WithConfig(cfg), entityaudit.WithRegistry(reg)).SaveChanges(ctx)
	require.NoError(t, err)

	_, report := onlyEvent(t, p)
	require.Len(t, report.Entries, 1)
	change, ok := report.Entries[0].Change("status")
	require.True(t, ok)
	assert.Equal(t, "new", change.Original)
	assert.Equal(t, "paid", change.New)
}

func TestSaveChanges_FailedSaveIsAudited(t *testing.T) {
	ctx := context.Background()
	cfg, p, reg := setup(t)

	boom := errors.New("unique constraint violated")
	uow := tracking.New("Shop", tracking.WithWriter(func(context.Context, []changes.Entry) error {
		return boom
	}))
	require.NoError(t, uow.Add(&Customer{Name: "bob"}))

	n, err := entityaudit.New(uow, entityaudit.WithConfig(cfg), entityaudit.WithRegistry(reg)).SaveChanges(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, n)

	ev, report := onlyEvent(t, p)
	assert.False(t, report.Success)
	assert.Equal(t, boom.Error(), report.ErrorMessage)
	require.NotNil(t, ev.Environment)
	assert.Equal(t, boom.Error(), ev.Environment.Exception)
}

func TestSaveChanges_PassThrough(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		cfg, p, reg := setup(t)
		cfg.SetDisabled(true)
		uow := tracking.New("Shop")
		require.NoError(t, uow.Add(&Customer{Name: "x"}))

		n, err := entityaudit.New(uow, entityaudit.WithConfig(cfg), entityaudit.WithRegistry(reg)).SaveChanges(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Zero(t, p.Len())
	})

	t.Run("nothing included", func(t *testing.T) {
		cfg, p, reg := setup(t)
		uow := tracking.New("Shop")
		require.NoError(t, uow.Add(&Customer{Name: "x"}))

		n, err := entityaudit.New(uow,
			entityaudit.WithConfig(cfg),
			entityaudit.WithRegistry(reg),
			entityaudit.WithMode(metadata.OptIn),
		).SaveChanges(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Zero(t, p.Len())
	})
}

func TestSaveChanges_OwnerSettings(t *testing.T) {
	ctx := context.Background()
	cfg, global, reg := setup(t)
	owned := memory.New()

	uow := tracking.New("Shop")
	require.NoError(t, uow.Add(&Customer{}))

	a := entityaudit.New(uow,
		entityaudit.WithConfig(cfg),
		entityaudit.WithRegistry(reg),
		entityaudit.WithDataProvider(owned),
		entityaudit.WithCreationPolicy(audit.InsertOnStartReplaceOnEnd),
		entityaudit.WithEventType("audit/{context}"),
		entityaudit.WithIncludeEntityObjects(true),
		entityaudit.WithValidator(func(any) []string { return []string{"always invalid"} }),
	)
	_, err := a.SaveChanges(ctx)
	require.NoError(t, err)

	assert.Zero(t, global.Len())
	ev, report := onlyEvent(t, owned)
	assert.Equal(t, "audit/Shop", ev.EventType)
	assert.True(t, report.Success, "replace on end carries the final report")
	require.Len(t, report.Entries, 1)
	assert.False(t, report.Entries[0].Valid)
	// Entities are cloned at capture time, before keys are generated.
	assert.Equal(t, map[string]any{"ID": float64(0), "Name": ""}, report.Entries[0].Entity)
}

func TestSaveChanges_ProviderFailure(t *testing.T) {
	ctx := context.Background()
	cfg, _, reg := setup(t)
	boom := errors.New("store offline")
	cfg.SetDataProvider(&provider.Dynamic{
		OnInsert: func(context.Context, *event.Event) (any, error) { return nil, boom },
	})

	uow := tracking.New("Shop")
	cust := &Customer{Name: "x"}
	require.NoError(t, uow.Add(cust))

	n, err := entityaudit.New(uow, entityaudit.WithConfig(cfg), entityaudit.WithRegistry(reg)).SaveChanges(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n, "the data write itself succeeded")
	assert.Equal(t, changes.Unchanged, uow.StateOf(cust))
}

func TestSaveChanges_ConcurrentCallersGetDistinctEvents(t *testing.T) {
	ctx := context.Background()
	cfg, p, reg := setup(t)
	seq := tracking.NewSequence()

	const callers = 12
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uow := tracking.New("Shop", tracking.WithSequence(seq))
			if err := uow.Add(&Customer{Name: fmt.Sprintf("c%d", i)}); err != nil {
				t.Error(err)
				return
			}
			a := entityaudit.New(uow, entityaudit.WithConfig(cfg), entityaudit.WithRegistry(reg))
			if _, err := a.SaveChanges(ctx); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, callers, p.Len())
	seen := map[float64]bool{}
	for _, id := range p.IDs() {
		ev, err := p.GetEvent(ctx, id)
		require.NoError(t, err)
		var report changes.Report
		require.NoError(t, ev.DecodePayload(&report))
		require.Len(t, report.Entries, 1)
		pk := report.Entries[0].PrimaryKey["id"].(float64)
		assert.False(t, seen[pk], "duplicate key %v", pk)
		seen[pk] = true
	}
}
