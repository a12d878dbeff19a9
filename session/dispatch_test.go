package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/espalier/session"
	"github.com/jacentio/espalier/store"
)

type eventLog struct {
	mu      sync.Mutex
	entries []string
	async   []session.Event
}

func (l *eventLog) HandleEvent(_ context.Context, ev session.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf("%s/%s:%s", ev.Kind, ev.Phase, ev.Change.Type))
	if ev.Phase == session.PhaseAsync {
		l.async = append(l.async, ev)
	}
	return nil
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func TestDispatch_PhaseOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, studioID := f.seedStudio(t, "Main", "main")

	log := &eventLog{}
	f.manager.Listeners().Global(log)

	s := f.begin(t)
	st := get(t, s, studioID)
	require.NoError(t, st.Set(ctx, "name", "Renamed"))
	title := newRecord(t, s, "title", map[string]any{"name": "Dune"})
	require.NoError(t, title.SetLink(ctx, "studio", st))
	require.NoError(t, s.Commit(ctx))

	want := []string{
		"updated/SyncBeforeConstraints:studio",
		"added/SyncBeforeConstraints:title",
		"updated/SyncBeforeFlush:studio",
		"added/SyncBeforeFlush:title",
		"updated/Sync:studio",
		"added/Sync:title",
	}
	assert.Equal(t, want, log.snapshot()[:len(want)])

	require.NoError(t, f.manager.Close(ctx))
	assert.Equal(t, append(want, "updated/Async:studio", "added/Async:title"), log.snapshot())

	for _, ev := range log.async {
		assert.Nil(t, ev.Session)
		assert.Nil(t, ev.Record)
	}
	assert.Equal(t, "Renamed", log.async[0].Change.Properties["name"].New)
	assert.Equal(t, "Main", log.async[0].Change.Properties["name"].Old)
}

func TestDispatch_TypeAndRecordScopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, first := f.seedStudio(t, "First", "first")
	_, second := f.seedStudio(t, "Second", "second")

	var byType, byRecord, abstract atomic.Int32
	ls := f.manager.Listeners()
	ls.ForType("studio", &session.Callbacks{UpdatedSync: func(context.Context, session.Event) error {
		byType.Add(1)
		return nil
	}})
	ls.ForRecord(second, &session.Callbacks{UpdatedSync: func(_ context.Context, ev session.Event) error {
		assert.Equal(t, second, ev.Change.ID)
		byRecord.Add(1)
		return nil
	}})
	// Type listeners match the exact type only.
	ls.ForType("asset", session.ListenerFunc(func(context.Context, session.Event) error {
		abstract.Add(1)
		return nil
	}))
	assert.Equal(t, 3, ls.Len())

	s := f.begin(t)
	require.NoError(t, get(t, s, first).Set(ctx, "name", "One"))
	require.NoError(t, get(t, s, second).Set(ctx, "name", "Two"))
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, int32(2), byType.Load())
	assert.Equal(t, int32(1), byRecord.Load())
	assert.Equal(t, int32(0), abstract.Load())
}

func TestDispatch_ListenerDeleteIsFoldedIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	nodes := f.seedChain(t, 3, true)

	var removed atomic.Int32
	f.manager.Listeners().ForType("tag", &session.Callbacks{
		AddedSyncBeforeConstraints: func(ctx context.Context, ev session.Event) error {
			r, err := ev.Session.Get(ctx, nodes[0])
			if err != nil {
				return err
			}
			return r.Delete(ctx)
		},
	})
	f.manager.Listeners().ForType("node", &session.Callbacks{
		RemovedSyncBeforeFlush: func(context.Context, session.Event) error {
			removed.Add(1)
			return nil
		},
	})

	before := f.store.Version()
	s := f.begin(t)
	tag := newRecord(t, s, "tag", nil)
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, before+1, f.store.Version())
	assert.True(t, f.exists(t, tag.ID()))
	for _, id := range nodes {
		assert.False(t, f.exists(t, id))
	}
	assert.Equal(t, int32(3), removed.Load())
}

func TestDispatch_ListenerDeleteIsValidated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	titleID := f.seedTitle(t, "", 1, 0)

	f.manager.Listeners().ForType("tag", &session.Callbacks{
		AddedSyncBeforeConstraints: func(ctx context.Context, ev session.Event) error {
			r, err := ev.Session.Get(ctx, titleID)
			if err != nil {
				return err
			}
			return r.Delete(ctx)
		},
	})

	before := f.store.Version()
	s := f.begin(t)
	tag := newRecord(t, s, "tag", nil)
	err := s.Flush(ctx)

	var rif *session.ReferentialIntegrityFailure
	require.ErrorAs(t, err, &rif)
	assert.Equal(t, before, f.store.Version())
	assert.True(t, f.exists(t, titleID))
	assert.True(t, s.Changes().IsAdded(tag.ID()))
	assert.False(t, s.Changes().IsRemoved(titleID))
}

func TestDispatch_BeforeFlushChangesAreSettled(t *testing.T) {
	tests := []struct {
		name        string
		passes      int
		wantUpdated int32
	}{
		{"one extra pass", 1, 1},
		{"no extra pass", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := session.DefaultConfig()
			cfg.BeforeFlushPasses = tt.passes
			f := newFixture(t, session.WithConfig(cfg))
			orgID, studioID := f.seedStudio(t, "Main", "main")

			var updated, constrained atomic.Int32
			ls := f.manager.Listeners()
			ls.ForType("title", &session.Callbacks{
				AddedSyncBeforeFlush: func(ctx context.Context, ev session.Event) error {
					st, err := ev.Record.Link(ctx, "studio")
					if err != nil || st == nil {
						return err
					}
					org, err := st.Link(ctx, "organization")
					if err != nil {
						return err
					}
					n, err := org.GetOr(ctx, "titles", int64(0))
					if err != nil {
						return err
					}
					return org.Set(ctx, "titles", n.(int64)+1)
				},
			})
			ls.ForType("organization", &session.Callbacks{
				UpdatedSyncBeforeConstraints: func(context.Context, session.Event) error {
					constrained.Add(1)
					return nil
				},
				UpdatedSyncBeforeFlush: func(context.Context, session.Event) error {
					updated.Add(1)
					return nil
				},
			})

			s := f.begin(t)
			st := get(t, s, studioID)
			for _, name := range []string{"Dune", "Arrival"} {
				title := newRecord(t, s, "title", map[string]any{"name": name})
				require.NoError(t, title.SetLink(ctx, "studio", st))
			}
			require.NoError(t, s.Commit(ctx))

			check := f.begin(t)
			assert.Equal(t, int64(2), value(t, get(t, check, orgID), "titles"))
			assert.Equal(t, int32(1), constrained.Load())
			assert.Equal(t, tt.wantUpdated, updated.Load())
		})
	}
}

func TestDispatch_ListenerLoopIsBounded(t *testing.T) {
	ctx := context.Background()
	cfg := session.DefaultConfig()
	cfg.MaxListenerPasses = 3
	f := newFixture(t, session.WithConfig(cfg))

	f.manager.Listeners().ForType("tag", &session.Callbacks{
		AddedSyncBeforeConstraints: func(ctx context.Context, ev session.Event) error {
			_, err := ev.Session.New("tag")
			return err
		},
	})

	s := f.begin(t)
	newRecord(t, s, "tag", nil)
	assert.ErrorIs(t, s.Flush(ctx), session.ErrListenerLoop)
	assert.Len(t, s.Changes().Describe(), 1)
}

func TestDispatch_ListenerErrorAbortsFlush(t *testing.T) {
	boom := errors.New("boom")
	phases := map[string]session.Callbacks{
		"before constraints": {AddedSyncBeforeConstraints: func(context.Context, session.Event) error { return boom }},
		"before flush":       {AddedSyncBeforeFlush: func(context.Context, session.Event) error { return boom }},
	}
	for name, cb := range phases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.manager.Listeners().Global(&cb)

			before := f.store.Version()
			s := f.begin(t)
			tag := newRecord(t, s, "tag", nil)
			assert.ErrorIs(t, s.Flush(ctx), boom)
			assert.Equal(t, before, f.store.Version())
			assert.Equal(t, session.StateOpen, s.State())
			assert.True(t, s.Changes().IsAdded(tag.ID()))
		})
	}
}

func TestDispatch_SyncErrorsAreLogged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager.Listeners().Global(&session.Callbacks{
		AddedSync: func(context.Context, session.Event) error { return errors.New("ignored") },
	})

	s := f.begin(t)
	tag := newRecord(t, s, "tag", nil)
	require.NoError(t, s.Commit(ctx))
	assert.True(t, f.exists(t, tag.ID()))
}

func TestDispatch_SyncListenersCannotMutate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var setErr, newErr error
	f.manager.Listeners().ForType("title", &session.Callbacks{
		AddedSync: func(ctx context.Context, ev session.Event) error {
			setErr = ev.Record.Set(ctx, "name", "Changed")
			_, newErr = ev.Session.New("tag")
			return nil
		},
	})

	s := f.begin(t)
	title := newRecord(t, s, "title", map[string]any{"name": "Dune"})
	require.NoError(t, s.Flush(ctx))

	assert.ErrorIs(t, setErr, session.ErrMutationForbidden)
	assert.ErrorIs(t, newErr, session.ErrMutationForbidden)
	assert.Equal(t, "Dune", value(t, get(t, s, title.ID()), "name"))

	// The session is writable again once listeners have returned.
	require.NoError(t, title.Set(ctx, "name", "Dune II"))
	require.NoError(t, s.Flush(ctx))
}

func TestRegistration_RemoveDuringDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ls := f.manager.Listeners()

	var second *session.Registration
	var calls atomic.Int32
	first := ls.Global(session.ListenerFunc(func(context.Context, session.Event) error {
		second.Remove()
		return nil
	}))
	second = ls.Global(session.ListenerFunc(func(context.Context, session.Event) error {
		calls.Add(1)
		return nil
	}))

	s := f.begin(t)
	newRecord(t, s, "tag", nil)
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, int32(0), calls.Load())
	assert.True(t, first.Active())
	assert.False(t, second.Active())
	assert.Equal(t, 1, ls.Len())

	first.Remove()
	first.Remove()
	assert.Equal(t, 0, ls.Len())
}

func TestHooks_DestructorRunsForTransientRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var destroyed []store.ID
	var names []any
	require.NoError(t, f.manager.SetHooks("title", session.Hooks{
		Destructor: func(ctx context.Context, r *session.Record) error {
			destroyed = append(destroyed, r.ID())
			name, err := r.GetOr(ctx, "name", nil)
			names = append(names, name)
			return err
		},
	}))
	committed := f.seedTitle(t, "", 0, 0)

	s := f.begin(t)
	transient := newRecord(t, s, "title", map[string]any{"name": "Draft"})
	require.NoError(t, transient.Delete(ctx))
	require.NoError(t, get(t, s, committed).Delete(ctx))
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, []store.ID{transient.ID(), committed}, destroyed)
	assert.Equal(t, []any{"Draft", "Dune"}, names)
	assert.False(t, f.exists(t, transient.ID()))
	assert.False(t, f.exists(t, committed))
}

func TestHooks_InheritedByConcreteTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.manager.SetHooks("asset", session.Hooks{
		BeforeFlush: func(ctx context.Context, r *session.Record) error {
			calls.Add(1)
			slug, err := r.GetOr(ctx, "slug", nil)
			if err != nil || slug != nil {
				return err
			}
			return r.Set(ctx, "slug", "auto-"+string(r.ID()[:8]))
		},
	}))

	s := f.begin(t)
	title := newRecord(t, s, "title", map[string]any{"name": "Dune"})
	newRecord(t, s, "tag", nil)
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, int32(1), calls.Load())
	check := f.begin(t)
	assert.Equal(t, "auto-"+string(title.ID()[:8]), value(t, get(t, check, title.ID()), "slug"))
}

func TestHooks_ErrorAbortsFlush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	boom := errors.New("boom")
	require.NoError(t, f.manager.SetHooks("tag", session.Hooks{
		BeforeFlush: func(context.Context, *session.Record) error { return boom },
	}))

	s := f.begin(t)
	newRecord(t, s, "tag", nil)
	assert.ErrorIs(t, s.Flush(ctx), boom)

	assert.ErrorIs(t, f.manager.SetHooks("ghost", session.Hooks{}), session.ErrUnknownType)
}

func TestAsync_DrainedOnClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var delivered atomic.Int32
	f.manager.Listeners().ForType("tag", &session.Callbacks{
		AddedAsync: func(context.Context, session.Event) error {
			delivered.Add(1)
			return nil
		},
	})

	s := f.begin(t)
	for i := 0; i < 20; i++ {
		newRecord(t, s, "tag", nil)
	}
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, f.manager.Close(ctx))
	assert.Equal(t, int32(20), delivered.Load())

	_, err := f.manager.Begin(ctx)
	assert.ErrorIs(t, err, session.ErrManagerClosed)
}
