package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacentio/espalier/schema"
	"github.com/jacentio/espalier/session"
	"github.com/jacentio/espalier/store"
)

func catalogSchema() *schema.Registry {
	return schema.MustRegister(
		schema.TypeDef{
			Name:    "organization",
			Display: "name",
			Properties: []schema.Property{
				{Name: "name", Kind: schema.KindString, Required: true, Constraints: []schema.Constraint{schema.NotBlank()}},
				{Name: "titles", Kind: schema.KindInt},
			},
			Links: []schema.Link{
				{Name: "studios", Target: "studio", Cardinality: schema.ZeroOrMany, Direction: schema.Children, Opposite: "organization"},
			},
		},
		schema.TypeDef{
			Name:     "asset",
			Abstract: true,
			Properties: []schema.Property{
				{Name: "slug", Kind: schema.KindString, Constraints: []schema.Constraint{schema.Matches(`^[a-z0-9-]+$`)}},
			},
			Indexes: []schema.Index{{Name: "slug", Fields: []string{"slug"}}},
		},
		schema.TypeDef{
			Name:    "studio",
			Extends: "asset",
			Display: "name",
			Properties: []schema.Property{
				{Name: "name", Kind: schema.KindString, Constraints: []schema.Constraint{schema.Length(1, 40)}},
			},
			Links: []schema.Link{
				{Name: "organization", Target: "organization", Cardinality: schema.One, Direction: schema.Parent, Opposite: "studios"},
			},
		},
		schema.TypeDef{
			Name:    "title",
			Extends: "asset",
			Display: "name",
			Properties: []schema.Property{
				{Name: "name", Kind: schema.KindString},
			},
			Links: []schema.Link{
				{Name: "studio", Target: "studio", Cardinality: schema.ZeroOrOne, OnTargetDelete: schema.FailPerType},
			},
		},
		schema.TypeDef{
			Name: "review",
			Properties: []schema.Property{
				{Name: "author", Kind: schema.KindString},
			},
			Links: []schema.Link{
				{Name: "title", Target: "title", Cardinality: schema.ZeroOrOne, OnTargetDelete: schema.FailPerEntity},
			},
		},
		schema.TypeDef{
			Name: "license",
			Links: []schema.Link{
				{Name: "title", Target: "title", Cardinality: schema.ZeroOrOne, OnTargetDelete: schema.Fail},
			},
		},
		schema.TypeDef{
			Name: "tag",
			Links: []schema.Link{
				{Name: "titles", Target: "title", Cardinality: schema.ZeroOrMany},
			},
		},
		schema.TypeDef{
			Name: "node",
			Properties: []schema.Property{
				{Name: "label", Kind: schema.KindString},
			},
			Links: []schema.Link{
				{Name: "next", Target: "node", Cardinality: schema.ZeroOrOne, OnDelete: schema.Cascade},
			},
		},
	)
}

type fixture struct {
	store   *store.MemStore
	manager *session.Manager
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()
	st := store.NewMemStore()
	m, err := session.NewManager(st, catalogSchema(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close(context.Background())
		_ = st.Close()
	})
	return &fixture{store: st, manager: m}
}

func (f *fixture) begin(t *testing.T, opts ...session.BeginOption) *session.Session {
	t.Helper()
	s, err := f.manager.Begin(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Abort)
	return s
}

func newRecord(t *testing.T, s *session.Session, typ string, props map[string]any) *session.Record {
	t.Helper()
	ctx := context.Background()
	r, err := s.New(typ)
	require.NoError(t, err)
	for field, v := range props {
		require.NoError(t, r.Set(ctx, field, v))
	}
	return r
}

// seedStudio commits an organization with one studio and returns their ids.
func (f *fixture) seedStudio(t *testing.T, name, slug string) (org, studio store.ID) {
	t.Helper()
	ctx := context.Background()
	s := f.begin(t)
	o := newRecord(t, s, "organization", map[string]any{"name": "Org of " + name})
	st := newRecord(t, s, "studio", map[string]any{"name": name, "slug": slug})
	require.NoError(t, st.SetLink(ctx, "organization", o))
	require.NoError(t, s.Commit(ctx))
	return o.ID(), st.ID()
}

func (f *fixture) exists(t *testing.T, id store.ID) bool {
	t.Helper()
	snap, err := f.store.BeginSnapshot(context.Background())
	require.NoError(t, err)
	defer snap.Release()
	_, ok, err := snap.TypeOf(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func get(t *testing.T, s *session.Session, id store.ID) *session.Record {
	t.Helper()
	r, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func value(t *testing.T, r *session.Record, field string) any {
	t.Helper()
	v, err := r.GetOr(context.Background(), field, nil)
	require.NoError(t, err)
	return v
}

func linkIDs(t *testing.T, r *session.Record, field string) []store.ID {
	t.Helper()
	ids, err := r.LinkIDs(context.Background(), field)
	require.NoError(t, err)
	return ids
}
