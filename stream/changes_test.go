package stream_test

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/espalier/session"
	"github.com/jacentio/espalier/store"
	"github.com/jacentio/espalier/stream"
)

type image struct {
	id      store.ID
	typ     string
	version int64
	ttl     int64
	props   map[string]store.Value
	links   map[string][]store.ID
}

func (im image) attrs(t *testing.T) map[string]events.DynamoDBAttributeValue {
	t.Helper()
	out := map[string]events.DynamoDBAttributeValue{
		"id":         events.NewStringAttribute(string(im.id)),
		"type":       events.NewStringAttribute(im.typ),
		"version":    events.NewNumberAttribute(strconv.FormatInt(im.version, 10)),
		"created_at": events.NewStringAttribute("2024-01-01T00:00:00Z"),
	}
	if im.ttl != 0 {
		out["ttl"] = events.NewNumberAttribute(strconv.FormatInt(im.ttl, 10))
	}
	props := make(map[string]events.DynamoDBAttributeValue)
	for field, v := range im.props {
		b, err := store.EncodeValue(v)
		if err != nil {
			t.Fatalf("encode %s: %v", field, err)
		}
		props[field] = events.NewBinaryAttribute(b)
	}
	out["props"] = events.NewMapAttribute(props)
	links := make(map[string]events.DynamoDBAttributeValue)
	for field, ids := range im.links {
		list := make([]events.DynamoDBAttributeValue, len(ids))
		for i, id := range ids {
			list[i] = events.NewStringAttribute(string(id))
		}
		links[field] = events.NewListAttribute(list)
	}
	out["links"] = events.NewMapAttribute(links)
	return out
}

func record(t *testing.T, name string, old, cur *image) events.DynamoDBEventRecord {
	t.Helper()
	r := events.DynamoDBEventRecord{EventID: name + "-1", EventName: name}
	if old != nil {
		r.Change.OldImage = old.attrs(t)
	}
	if cur != nil {
		r.Change.NewImage = cur.attrs(t)
	}
	return r
}

func TestChangeFromRecord_Insert(t *testing.T) {
	cur := &image{id: "t1", typ: "title", version: 1,
		props: map[string]store.Value{"name": "Dune", "year": int64(1965)},
		links: map[string][]store.ID{"studio": {"s1"}}}

	c, ok, err := stream.ChangeFromRecord(record(t, "INSERT", nil, cur))
	if err != nil || !ok {
		t.Fatalf("expected change, got ok=%v err=%v", ok, err)
	}
	if c.Kind != session.Added || c.ID != "t1" || c.Type != "title" {
		t.Errorf("unexpected change header: %+v", c)
	}
	if pc := c.Properties["year"]; pc.Old != nil || pc.New != int64(1965) {
		t.Errorf("unexpected year change: %+v", pc)
	}
	if lc := c.Links["studio"]; len(lc.Added) != 1 || lc.Added[0] != "s1" || len(lc.Removed) != 0 {
		t.Errorf("unexpected studio change: %+v", lc)
	}
}

func TestChangeFromRecord_Modify(t *testing.T) {
	old := &image{id: "t1", typ: "title", version: 1,
		props: map[string]store.Value{"name": "Dune", "year": int64(1965)},
		links: map[string][]store.ID{"studio": {"s1"}, "tags": {"a", "b"}}}
	cur := &image{id: "t1", typ: "title", version: 2,
		props: map[string]store.Value{"name": "Dune Messiah"},
		links: map[string][]store.ID{"studio": {"s1"}, "tags": {"b", "c"}}}

	c, ok, err := stream.ChangeFromRecord(record(t, "MODIFY", old, cur))
	if err != nil || !ok {
		t.Fatalf("expected change, got ok=%v err=%v", ok, err)
	}
	if c.Kind != session.Updated {
		t.Errorf("expected updated, got %s", c.Kind)
	}
	if len(c.Properties) != 2 {
		t.Errorf("expected 2 property changes, got %+v", c.Properties)
	}
	if pc := c.Properties["year"]; pc.Old != int64(1965) || pc.New != nil {
		t.Errorf("expected year to be unset, got %+v", pc)
	}
	if _, ok := c.Links["studio"]; ok {
		t.Error("expected unchanged link to be left out")
	}
	lc := c.Links["tags"]
	if len(lc.Added) != 1 || lc.Added[0] != "c" || len(lc.Removed) != 1 || lc.Removed[0] != "a" {
		t.Errorf("unexpected tags change: %+v", lc)
	}
}

func TestChangeFromRecord_Skipped(t *testing.T) {
	base := &image{id: "t1", typ: "title", version: 1, props: map[string]store.Value{"name": "Dune"}}
	bumped := *base
	bumped.version = 2
	deleted := *base
	deleted.ttl = 1700000000

	tests := []struct {
		name string
		rec  events.DynamoDBEventRecord
	}{
		{"version only", record(t, "MODIFY", base, &bumped)},
		{"already deleted", record(t, "MODIFY", &deleted, &deleted)},
		{"ttl expiry", record(t, "REMOVE", &deleted, nil)},
		{"other table", events.DynamoDBEventRecord{EventName: "INSERT", Change: events.DynamoDBStreamRecord{
			NewImage: map[string]events.DynamoDBAttributeValue{
				"pk": events.NewStringAttribute("T#title#3"),
				"sk": events.NewStringAttribute("CONSTRAINT"),
			},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := stream.ChangeFromRecord(tt.rec)
			if err != nil || ok {
				t.Errorf("expected no change, got ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestChangeFromRecord_SoftDelete(t *testing.T) {
	old := &image{id: "t1", typ: "title", version: 3}
	cur := &image{id: "t1", typ: "title", version: 4, ttl: 1700000000}

	c, ok, err := stream.ChangeFromRecord(record(t, "MODIFY", old, cur))
	if err != nil || !ok {
		t.Fatalf("expected change, got ok=%v err=%v", ok, err)
	}
	if c.Kind != session.Removed || c.ID != "t1" || c.Type != "title" {
		t.Errorf("unexpected change: %+v", c)
	}
}

func TestChangeFromRecord_CorruptProperty(t *testing.T) {
	rec := record(t, "INSERT", nil, &image{id: "t1", typ: "title", version: 1})
	rec.Change.NewImage["props"] = events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
		"name": events.NewStringAttribute("not binary"),
	})
	if _, _, err := stream.ChangeFromRecord(rec); !errors.Is(err, store.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestNewHandler(t *testing.T) {
	h := stream.NewHandler(nil, nil)
	if h == nil {
		t.Fatal("expected non-nil Handler")
	}
	if err := h.HandleChanges(context.Background(), events.DynamoDBEvent{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestHandleChanges_Delivers(t *testing.T) {
	ls := session.NewListeners()
	var got []string
	ls.ForType("title", session.ListenerFunc(func(_ context.Context, ev session.Event) error {
		if ev.Phase != session.PhaseAsync || ev.Session != nil {
			t.Errorf("unexpected event: %+v", ev)
		}
		got = append(got, ev.Kind.String()+":"+string(ev.Change.ID))
		return nil
	}))
	var studios int
	ls.ForRecord("s1", session.ListenerFunc(func(context.Context, session.Event) error {
		studios++
		return nil
	}))

	t1 := &image{id: "t1", typ: "title", version: 1, props: map[string]store.Value{"name": "Dune"}}
	t1b := &image{id: "t1", typ: "title", version: 2, props: map[string]store.Value{"name": "Arrival"}}
	t1c := &image{id: "t1", typ: "title", version: 3, ttl: 1700000000, props: map[string]store.Value{"name": "Arrival"}}
	s1 := &image{id: "s1", typ: "studio", version: 1}

	h := stream.NewHandler(ls, nil)
	err := h.HandleChanges(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record(t, "INSERT", nil, t1),
		record(t, "INSERT", nil, s1),
		record(t, "MODIFY", t1, t1b),
		record(t, "MODIFY", t1b, t1c),
		record(t, "REMOVE", t1c, nil),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []string{"added:t1", "updated:t1", "removed:t1"}
	if len(got) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("event %d: expected %s, got %s", i, expected[i], got[i])
		}
	}
	if studios != 1 {
		t.Errorf("expected 1 studio event, got %d", studios)
	}
}

func TestHandleChanges_ListenerErrorFailsBatch(t *testing.T) {
	boom := errors.New("boom")
	ls := session.NewListeners()
	var calls int
	ls.Global(session.ListenerFunc(func(context.Context, session.Event) error {
		calls++
		return boom
	}))

	h := stream.NewHandler(ls, nil)
	err := h.HandleChanges(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record(t, "INSERT", nil, &image{id: "a", typ: "tag", version: 1}),
		record(t, "INSERT", nil, &image{id: "b", typ: "tag", version: 1}),
	}})
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected processing to stop after the first failure, got %d calls", calls)
	}
}
