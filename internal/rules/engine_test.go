package rules

import (
	"context"
	"errors"
	"strings"
	"testing"

	"notifyd/internal/channel"
	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/history"
	"notifyd/internal/notify"
	"notifyd/internal/template"
	"notifyd/pkg/logx"
)

type post struct {
	id          string
	title       string
	description string
	published   bool
	viewCount   int
}

func (p post) EntityKind() string { return "post" }
func (p post) EntityKey() string  { return p.id }
func (p post) Snapshot() map[string]any {
	return map[string]any{
		"id":           p.id,
		"title":        p.title,
		"description":  p.description,
		"is_published": p.published,
		"view_count":   p.viewCount,
	}
}

type entityStore struct {
	byKey map[string]notify.Entity
}

func newEntityStore() *entityStore { return &entityStore{byKey: map[string]notify.Entity{}} }

func (s *entityStore) put(e notify.Entity) { s.byKey[e.EntityKind()+"/"+e.EntityKey()] = e }

func (s *entityStore) Get(_ context.Context, kind, key string) (notify.Entity, error) {
	e, ok := s.byKey[kind+"/"+key]
	if !ok {
		return nil, notify.ErrNotFound
	}
	return e, nil
}

func (s *entityStore) List(_ context.Context, kind string) ([]notify.Entity, error) {
	var out []notify.Entity
	for _, e := range s.byKey {
		if e.EntityKind() == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

var publishTemplates = template.MapSource{
	"posts/published/subject.txt": "New post: {{.post.title}}",
	"posts/published/body.txt":    "{{.post.description}}",
}

func newTestEngine(t *testing.T, src template.MapSource) (*Engine, *entityStore, history.Store) {
	t.Helper()
	reg := channel.NewRegistry()
	if err := reg.Register(channel.NewConsole(logx.Nop())); err != nil {
		t.Fatalf("register console: %v", err)
	}
	store := history.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	d := dispatch.New(reg, template.NewRenderer(src), store, eventbus.New(), dispatch.Config{SaveContent: true}, logx.Nop())
	entities := newEntityStore()
	return NewEngine(entities, d, logx.Nop()), entities, store
}

func publishRule() Rule {
	return Rule{
		Name:          "post-published",
		Kind:          "post",
		TrackedFields: []string{"is_published"},
		When: []FieldCondition{{
			Field: "is_published",
			Prev:  []Match{{Equals: false}, {Absent: true}},
			Next:  []Match{{Equals: true}},
		}},
		Channel:  "console",
		Template: template.Ref{"posts/published/"},
	}
}

// save mimics the persistence wrapper: capture, write, evaluate.
func save(t *testing.T, e *Engine, store *entityStore, p post) error {
	t.Helper()
	ctx := context.Background()
	prev, err := e.BeforeSave(ctx, p)
	if err != nil {
		t.Fatalf("before save: %v", err)
	}
	store.put(p)
	return e.AfterCommit(ctx, p, prev)
}

func TestPublishOnCreateDispatchesOnce(t *testing.T) {
	e, entities, store := newTestEngine(t, publishTemplates)
	if err := e.Register(publishRule()); err != nil {
		t.Fatalf("register: %v", err)
	}

	p := post{id: "1", title: "Title 1", description: "Content 1", published: true}
	if err := save(t, e, entities, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Query(context.Background(), history.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(got))
	}
	rec := got[0]
	if rec.Content["subject.txt"] != "New post: Title 1" {
		t.Fatalf("unexpected subject: %q", rec.Content["subject.txt"])
	}
	if rec.Content["body.txt"] != "Content 1" {
		t.Fatalf("unexpected body: %q", rec.Content["body.txt"])
	}
	if rec.Origin != "rule:post-published" {
		t.Fatalf("unexpected origin: %q", rec.Origin)
	}
	if rec.Entity.Kind != "post" || rec.Entity.Key != "1" {
		t.Fatalf("unexpected entity ref: %+v", rec.Entity)
	}
}

func TestUnpublishedCreateDispatchesNothing(t *testing.T) {
	e, entities, store := newTestEngine(t, publishTemplates)
	if err := e.Register(publishRule()); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := save(t, e, entities, post{id: "1", title: "Draft", published: false}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, _ := store.Query(context.Background(), history.Filter{})
	if len(got) != 0 {
		t.Fatalf("expected no records, got %d", len(got))
	}
}

func TestTrackedFieldShortCircuit(t *testing.T) {
	e, entities, store := newTestEngine(t, publishTemplates)
	if err := e.Register(publishRule()); err != nil {
		t.Fatalf("register: %v", err)
	}

	p := post{id: "1", title: "T", published: true}
	if err := save(t, e, entities, p); err != nil {
		t.Fatalf("first save: %v", err)
	}

	// Untracked change only: view_count bump must not re-trigger, even
	// though is_published is still true and the conditions would pass.
	p.viewCount = 10
	if err := save(t, e, entities, p); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, _ := store.Query(context.Background(), history.Filter{})
	if len(got) != 1 {
		t.Fatalf("expected one record after untracked change, got %d", len(got))
	}
}

func TestFirstTransitionOnly(t *testing.T) {
	e, entities, store := newTestEngine(t, publishTemplates)
	if err := e.Register(publishRule()); err != nil {
		t.Fatalf("register: %v", err)
	}

	p := post{id: "1", title: "T", published: false}
	if err := save(t, e, entities, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	p.published = true
	if err := save(t, e, entities, p); err != nil {
		t.Fatalf("publish: %v", err)
	}
	p.published = false
	if err := save(t, e, entities, p); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	p.published = true
	if err := save(t, e, entities, p); err != nil {
		t.Fatalf("republish: %v", err)
	}

	got, _ := store.Query(context.Background(), history.Filter{})
	if len(got) != 2 {
		t.Fatalf("expected a record per false->true transition, got %d", len(got))
	}
}

func TestPredicateGates(t *testing.T) {
	e, entities, store := newTestEngine(t, publishTemplates)
	r := publishRule()
	r.Predicate = func(_, next Snapshot) bool {
		title, _ := next["title"].(string)
		return strings.HasPrefix(title, "Release")
	}
	if err := e.Register(r); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := save(t, e, entities, post{id: "1", title: "Note", published: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := save(t, e, entities, post{id: "2", title: "Release 1.0", published: true}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, _ := store.Query(context.Background(), history.Filter{})
	if len(got) != 1 {
		t.Fatalf("expected predicate to gate dispatches, got %d records", len(got))
	}
}

func TestRuleFailureDoesNotStopOthers(t *testing.T) {
	e, entities, store := newTestEngine(t, publishTemplates)

	broken := publishRule()
	broken.Name = "broken"
	broken.Template = template.Ref{"missing/"}
	if err := e.Register(broken); err != nil {
		t.Fatalf("register broken: %v", err)
	}
	if err := e.Register(publishRule()); err != nil {
		t.Fatalf("register good: %v", err)
	}

	err := save(t, e, entities, post{id: "1", title: "T", description: "D", published: true})
	if err == nil {
		t.Fatalf("expected joined error from broken rule")
	}
	if !errors.Is(err, template.ErrNotFound) {
		t.Fatalf("expected template.ErrNotFound in joined error, got %v", err)
	}

	got, _ := store.Query(context.Background(), history.Filter{Origin: "rule:post-published"})
	if len(got) != 1 {
		t.Fatalf("good rule should still dispatch, got %d records", len(got))
	}
}

type capturingDispatcher struct {
	jobs []dispatch.Job
	reqs []dispatch.Request
}

func (d *capturingDispatcher) Dispatch(_ context.Context, req dispatch.Request) (history.Record, error) {
	d.reqs = append(d.reqs, req)
	return history.Record{}, nil
}

func (d *capturingDispatcher) DispatchAsync(job dispatch.Job) error {
	d.jobs = append(d.jobs, job)
	return nil
}

func TestAsyncRuleCarriesContext(t *testing.T) {
	sink := &capturingDispatcher{}
	entities := newEntityStore()
	e := NewEngine(entities, sink, logx.Nop())

	r := publishRule()
	r.Name = "announce"
	r.Channel = "chat"
	r.Async = true
	r.Context = func(notify.Entity) map[string]any {
		return map[string]any{"chat_room_id": int64(42)}
	}
	if err := e.Register(r); err != nil {
		t.Fatalf("register: %v", err)
	}

	p := post{id: "1", title: "T", published: true}
	prev, err := e.BeforeSave(context.Background(), p)
	if err != nil {
		t.Fatalf("before save: %v", err)
	}
	entities.put(p)
	if err := e.AfterCommit(context.Background(), p, prev); err != nil {
		t.Fatalf("after commit: %v", err)
	}

	if len(sink.jobs) != 1 {
		t.Fatalf("expected one async job, got %d", len(sink.jobs))
	}
	job := sink.jobs[0]
	if got := job.Context["chat_room_id"]; got != int64(42) {
		t.Fatalf("context function output must ship with the job, got %v", job.Context)
	}
	if job.Origin != "rule:announce" {
		t.Fatalf("unexpected origin: %q", job.Origin)
	}
	if job.EntityKind != "post" || job.EntityKey != "1" {
		t.Fatalf("unexpected entity ref: %s/%s", job.EntityKind, job.EntityKey)
	}
}

func TestBeforeSaveNewEntityIsNil(t *testing.T) {
	e, _, _ := newTestEngine(t, publishTemplates)
	prev, err := e.BeforeSave(context.Background(), post{id: "404"})
	if err != nil {
		t.Fatalf("before save: %v", err)
	}
	if prev != nil {
		t.Fatalf("expected nil snapshot for new entity, got %v", prev)
	}
}

func TestRegisterValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, publishTemplates)
	if err := e.Register(Rule{Kind: "post"}); err == nil {
		t.Fatalf("expected error for unnamed rule")
	}
	if err := e.Register(Rule{Name: "x", Kind: "post", Channel: "console"}); err == nil {
		t.Fatalf("expected error for missing template")
	}
}
