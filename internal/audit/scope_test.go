package audit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/auditscope/internal/audit"
	"github.com/roach88/auditscope/internal/event"
	"github.com/roach88/auditscope/internal/pipeline"
	"github.com/roach88/auditscope/internal/provider"
	"github.com/roach88/auditscope/internal/testutil"
)

// write is one call observed by recordingProvider. Target is copied at call time.
type write struct {
	kind   string
	id     any
	target *event.Target
	ev     *event.Event
}

type recordingProvider struct {
	mu         sync.Mutex
	writes     []write
	next       int
	failInsert error
}

func (p *recordingProvider) record(kind string, id any, ev *event.Event) {
	var target *event.Target
	if ev.Target != nil {
		cp := *ev.Target
		target = &cp
	}
	p.writes = append(p.writes, write{kind: kind, id: id, target: target, ev: ev})
}

func (p *recordingProvider) InsertEvent(ctx context.Context, ev *event.Event) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failInsert != nil {
		return nil, p.failInsert
	}
	p.next++
	id := fmt.Sprintf("id-%d", p.next)
	p.record("insert", id, ev)
	return id, nil
}

func (p *recordingProvider) ReplaceEvent(ctx context.Context, id any, ev *event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("replace", id, ev)
	return nil
}

func (p *recordingProvider) GetEvent(context.Context, any) (*event.Event, error) {
	return nil, errors.New("not supported")
}

func (p *recordingProvider) Serialize(v any) (any, error) { return v, nil }
func (p *recordingProvider) CloneValue(v any) (any, error) { return v, nil }

func (p *recordingProvider) counts() (inserts, replaces int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.writes {
		switch w.kind {
		case "insert":
			inserts++
		case "replace":
			replaces++
		}
	}
	return inserts, replaces
}

func newConfig(p audit.DataProvider) *audit.Config {
	return audit.NewConfig().
		SetDataProvider(p).
		SetClock(testutil.NewStepClock(time.Time{}, 1500*time.Millisecond))
}

func TestCreationPolicy_WriteCounts(t *testing.T) {
	tests := []struct {
		policy   audit.CreationPolicy
		inserts  int
		replaces int
	}{
		{audit.Manual, 0, 0},
		{audit.InsertOnEnd, 1, 0},
		{audit.InsertOnStartReplaceOnEnd, 1, 1},
		{audit.InsertOnStartInsertOnEnd, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			ctx := context.Background()
			p := &recordingProvider{}
			s, err := audit.New(ctx, audit.Options{
				EventType:      "op",
				CreationPolicy: tt.policy,
				Config:         newConfig(p),
			})
			require.NoError(t, err)

			require.NoError(t, s.Dispose(ctx))
			require.NoError(t, s.Dispose(ctx))

			inserts, replaces := p.counts()
			assert.Equal(t, tt.inserts, inserts)
			assert.Equal(t, tt.replaces, replaces)
		})
	}
}

func TestInsertOnStartReplaceOnEnd_TargetScenario(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{}
	watched := "init"

	s, err := audit.New(ctx, audit.Options{
		EventType:      "watch",
		CreationPolicy: audit.InsertOnStartReplaceOnEnd,
		TargetGetter:   func() (any, error) { return watched, nil },
		Config:         newConfig(p),
	})
	require.NoError(t, err)

	watched = "init-end"
	require.NoError(t, s.Dispose(ctx))

	require.Len(t, p.writes, 2)

	first := p.writes[0]
	assert.Equal(t, "insert", first.kind)
	assert.Equal(t, "string", first.target.Type)
	assert.Equal(t, "init", first.target.Old)
	assert.Nil(t, first.target.New)

	second := p.writes[1]
	assert.Equal(t, "replace", second.kind)
	assert.Equal(t, first.id, second.id)
	assert.Equal(t, "init", second.target.Old)
	assert.Equal(t, "init-end", second.target.New)
	assert.Equal(t, first.id, s.EventID())
}

func TestInsertOnStartInsertOnEnd_TwoIndependentRecords(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{}

	s, err := audit.New(ctx, audit.Options{
		EventType:      "op",
		CreationPolicy: audit.InsertOnStartInsertOnEnd,
		Config:         newConfig(p),
	})
	require.NoError(t, err)
	startID := s.EventID()
	require.NoError(t, s.Dispose(ctx))

	require.Len(t, p.writes, 2)
	assert.Equal(t, "id-1", startID)
	assert.Equal(t, "id-2", s.EventID())
}

func TestDuration_WholeMilliseconds(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{}

	s, err := audit.New(ctx, audit.Options{EventType: "op", Config: newConfig(p)})
	require.NoError(t, err)
	require.NoError(t, s.Dispose(ctx))

	ev := s.Event()
	require.NotNil(t, ev.EndDate)
	assert.Equal(t, int64(1500), ev.Duration)
	assert.Equal(t, testutil.DefaultEpoch, ev.StartDate)
}

func TestManual_SaveWritesOnce(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{}

	s, err := audit.New(ctx, audit.Options{
		EventType:      "op",
		CreationPolicy: audit.Manual,
		Config:         newConfig(p),
	})
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Dispose(ctx))

	inserts, replaces := p.counts()
	assert.Equal(t, 1, inserts)
	assert.Equal(t, 0, replaces)
	assert.True(t, s.Ended())
}

func TestSave_NoOpUnderAutomaticPolicy(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{}

	s, err := audit.New(ctx, audit.Options{EventType: "op", Config: newConfig(p)})
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx))
	inserts, _ := p.counts()
	assert.Equal(t, 0, inserts)

	require.NoError(t, s.Dispose(ctx))
	inserts, _ = p.counts()
	assert.Equal(t, 1, inserts)
}

func TestDiscard_NeverWrites(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{}
	cfg := newConfig(p)
	var disposed int
	cfg.Actions().Add(pipeline.Disposed, func(*audit.Scope) { disposed++ })

	s, err := audit.New(ctx, audit.Options{EventType: "op", Config: cfg})
	require.NoError(t, err)

	s.Discard()
	require.NoError(t, s.Dispose(ctx))
	require.NoError(t, s.Dispose(ctx))

	assert.Empty(t, p.writes)
	assert.Equal(t, 1, disposed)
}

func TestWriteFailure_SkipsSavedAndLeavesScopeOpen(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("backend down")
	p := &recordingProvider{failInsert: boom}
	cfg := newConfig(p)

	var phases []pipeline.Phase
	for _, ph := range pipeline.Phases {
		cfg.Actions().Add(ph, func(*audit.Scope) { phases = append(phases, ph) })
	}

	s, err := audit.New(ctx, audit.Options{EventType: "op", Config: cfg})
	require.NoError(t, err)

	err = s.Dispose(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.Ended())
	require.NotNil(t, s.Event().EndDate)
	assert.Equal(t, []pipeline.Phase{pipeline.Created, pipeline.AboutToSave}, phases)

	p.failInsert = nil
	require.NoError(t, s.Dispose(ctx))
	inserts, _ := p.counts()
	assert.Equal(t, 1, inserts)
	assert.True(t, s.Ended())
}

func TestCanceledWrite_Propagates(t *testing.T) {
	p := &recordingProvider{}
	s, err := audit.New(context.Background(), audit.Options{EventType: "op", Config: newConfig(p)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = s.Dispose(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Ended())
	assert.Empty(t, p.writes)
}

func TestTargetGetterFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("getter failed")

	t.Run("at creation", func(t *testing.T) {
		p := &recordingProvider{}
		s, err := audit.New(ctx, audit.Options{
			EventType:      "op",
			CreationPolicy: audit.InsertOnStartReplaceOnEnd,
			TargetGetter:   func() (any, error) { return nil, boom },
			Config:         newConfig(p),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, s)
		assert.Empty(t, p.writes)
	})

	t.Run("at end", func(t *testing.T) {
		p := &recordingProvider{}
		fail := false
		s, err := audit.New(ctx, audit.Options{
			EventType: "op",
			TargetGetter: func() (any, error) {
				if fail {
					return nil, boom
				}
				return 1, nil
			},
			Config: newConfig(p),
		})
		require.NoError(t, err)

		fail = true
		err = s.Dispose(ctx)
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, p.writes)
	})
}

func TestPhases_RunInOrderAndHooksSeeEvent(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{}
	cfg := newConfig(p)

	var phases []string
	cfg.Actions().Add(pipeline.Created, func(*audit.Scope) { phases = append(phases, "created") })
	cfg.Actions().AddContext(pipeline.AboutToSave, func(_ context.Context, s *audit.Scope) error {
		phases = append(phases, "about-to-save")
		return s.SetCustomField("stamped", true)
	})
	cfg.Actions().AddCancelable(pipeline.AboutToSave, func(*audit.Scope) bool {
		phases = append(phases, "stop")
		return false
	})
	cfg.Actions().Add(pipeline.AboutToSave, func(*audit.Scope) { phases = append(phases, "skipped") })
	cfg.Actions().Add(pipeline.Saved, func(s *audit.Scope) {
		phases = append(phases, fmt.Sprintf("saved:%v", s.EventID()))
	})
	cfg.Actions().Add(pipeline.Disposed, func(*audit.Scope) { phases = append(phases, "disposed") })

	s, err := audit.New(ctx, audit.Options{EventType: "op", Config: cfg})
	require.NoError(t, err)
	require.NoError(t, s.Dispose(ctx))

	assert.Equal(t, []string{"created", "about-to-save", "stop", "saved:id-1", "disposed"}, phases)
	require.Len(t, p.writes, 1)
	assert.Equal(t, true, p.writes[0].ev.CustomFields["stamped"])
}

func TestCreatedHooks_RunBeforeStartInsert(t *testing.T) {
	ctx := context.Background()

	var inserted []map[string]any
	cfg := newConfig(&provider.Dynamic{
		OnInsert: func(_ context.Context, ev *event.Event) (any, error) {
			fields := make(map[string]any, len(ev.CustomFields))
			for k, v := range ev.CustomFields {
				fields[k] = v
			}
			inserted = append(inserted, fields)
			return len(inserted), nil
		},
		OnReplace: func(context.Context, any, *event.Event) error { return nil },
	})
	cfg.Actions().Add(pipeline.Created, func(s *audit.Scope) {
		require.NoError(t, s.SetCustomField("user", "alice"))
	})

	s, err := audit.New(ctx, audit.Options{
		EventType:      "op",
		CreationPolicy: audit.InsertOnStartReplaceOnEnd,
		Config:         cfg,
	})
	require.NoError(t, err)

	require.Len(t, inserted, 1)
	assert.Equal(t, "alice", inserted[0]["user"])
	assert.Equal(t, 1, s.EventID())
	require.NoError(t, s.Dispose(ctx))
}

func TestCreatedHookFailure_SkipsStartInsert(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("hook failed")
	p := &recordingProvider{}
	cfg := newConfig(p)
	cfg.Actions().AddContext(pipeline.Created, func(context.Context, *audit.Scope) error { return boom })

	_, err := audit.New(ctx, audit.Options{
		EventType:      "op",
		CreationPolicy: audit.InsertOnStartInsertOnEnd,
		Config:         cfg,
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, p.writes)
}

func TestDisabled_NeverWritesAndNeedsNoProvider(t *testing.T) {
	ctx := context.Background()
	cfg := audit.NewConfig().SetDisabled(true)

	s, err := audit.New(ctx, audit.Options{
		EventType:      "op",
		CreationPolicy: audit.InsertOnStartInsertOnEnd,
		Config:         cfg,
	})
	require.NoError(t, err)
	require.NoError(t, s.Dispose(ctx))
	assert.True(t, s.Ended())
	assert.Nil(t, s.EventID())
}

func TestNoProvider(t *testing.T) {
	_, err := audit.New(context.Background(), audit.Options{
		EventType: "op",
		Config:    audit.NewConfig(),
	})
	assert.ErrorIs(t, err, audit.ErrNoDataProvider)
}

func TestResolution_ExplicitThenOwnerThenConfig(t *testing.T) {
	ctx := context.Background()
	global := &recordingProvider{}
	owner := &recordingProvider{}
	explicit := &recordingProvider{}
	cfg := newConfig(global).SetCreationPolicy(audit.InsertOnStartInsertOnEnd)

	s, err := audit.New(ctx, audit.Options{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, audit.InsertOnStartInsertOnEnd, s.CreationPolicy())
	assert.Same(t, global, s.DataProvider())

	ownerDefaults := &audit.Defaults{CreationPolicy: audit.Manual, DataProvider: owner}
	s, err = audit.New(ctx, audit.Options{Config: cfg, Owner: ownerDefaults})
	require.NoError(t, err)
	assert.Equal(t, audit.Manual, s.CreationPolicy())
	assert.Same(t, owner, s.DataProvider())

	s, err = audit.New(ctx, audit.Options{
		Config:         cfg,
		Owner:          ownerDefaults,
		CreationPolicy: audit.InsertOnEnd,
		DataProvider:   explicit,
	})
	require.NoError(t, err)
	assert.Equal(t, audit.InsertOnEnd, s.CreationPolicy())
	assert.Same(t, explicit, s.DataProvider())
}

func TestCommentsAndExtraFields(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{}

	s, err := audit.New(ctx, audit.Options{
		EventType:   "op",
		ExtraFields: map[string]any{"tenant": "acme"},
		Config:      newConfig(p),
	})
	require.NoError(t, err)
	s.Comment("step %d done", 1)
	require.NoError(t, s.Dispose(ctx))

	ev := p.writes[0].ev
	assert.Equal(t, []string{"step 1 done"}, ev.Comments)
	assert.Equal(t, "acme", ev.CustomFields["tenant"])
	require.NotNil(t, ev.Environment)
	assert.NotEmpty(t, ev.Environment.RuntimeVersion)
	assert.Contains(t, ev.Environment.CallingMethod, "TestCommentsAndExtraFields")

	_, err = audit.New(ctx, audit.Options{
		ExtraFields: map[string]any{"duration": 1},
		Config:      newConfig(p),
	})
	assert.Error(t, err)
}

func TestEmptyCommentsDropped(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{}

	s, err := audit.New(ctx, audit.Options{EventType: "op", Config: newConfig(p)})
	require.NoError(t, err)
	s.Event().Comments = []string{}
	require.NoError(t, s.Dispose(ctx))
	assert.Nil(t, p.writes[0].ev.Comments)
}

func TestRun_JoinsOperationAndAuditErrors(t *testing.T) {
	ctx := context.Background()
	opErr := errors.New("operation failed")
	auditErr := errors.New("audit write failed")
	p := &recordingProvider{failInsert: auditErr}

	err := audit.Run(ctx, audit.Options{EventType: "op", Config: newConfig(p)},
		func(_ context.Context, s *audit.Scope) error {
			s.Comment("running")
			return opErr
		})

	assert.ErrorIs(t, err, opErr)
	assert.ErrorIs(t, err, auditErr)
}

func TestRun_RecordsOperationError(t *testing.T) {
	ctx := context.Background()
	opErr := errors.New("operation failed")
	p := &recordingProvider{}

	err := audit.Run(ctx, audit.Options{EventType: "op", Config: newConfig(p)},
		func(context.Context, *audit.Scope) error { return opErr })

	assert.ErrorIs(t, err, opErr)
	require.Len(t, p.writes, 1)
	assert.Equal(t, "operation failed", p.writes[0].ev.Environment.Exception)
}

func TestLog_UsesGlobalConfig(t *testing.T) {
	t.Cleanup(func() { audit.ResetGlobal() })
	p := &recordingProvider{}
	audit.ResetGlobal().
		SetDataProvider(p).
		SetCreationPolicy(audit.InsertOnStartReplaceOnEnd)

	require.NoError(t, audit.Log(context.Background(), "login", map[string]any{"user": "bob"}))

	inserts, replaces := p.counts()
	assert.Equal(t, 1, inserts)
	assert.Equal(t, 0, replaces)
	assert.Equal(t, "bob", p.writes[0].ev.CustomFields["user"])
}

func TestParseCreationPolicy(t *testing.T) {
	for _, p := range []audit.CreationPolicy{
		audit.InsertOnEnd, audit.InsertOnStartReplaceOnEnd, audit.InsertOnStartInsertOnEnd, audit.Manual,
	} {
		got, err := audit.ParseCreationPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	got, err := audit.ParseCreationPolicy(" Manual ")
	require.NoError(t, err)
	assert.Equal(t, audit.Manual, got)

	_, err = audit.ParseCreationPolicy("unset")
	assert.Error(t, err)
	_, err = audit.ParseCreationPolicy("sometimes")
	assert.Error(t, err)
}
