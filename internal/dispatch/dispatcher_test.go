package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"notifyd/internal/channel"
	"notifyd/internal/eventbus"
	"notifyd/internal/history"
	"notifyd/internal/notify"
	"notifyd/internal/taskengine"
	"notifyd/internal/template"
	"notifyd/pkg/logx"
)

type failingChannel struct {
	err error
}

func (c *failingChannel) Key() string       { return "flaky" }
func (c *failingChannel) Parts() []string   { return []string{channel.PartSubject, channel.PartBody} }
func (c *failingChannel) TitlePart() string { return channel.PartSubject }
func (c *failingChannel) Send(context.Context, []notify.Recipient, channel.Envelope) error {
	return c.err
}

func newTestDispatcher(t *testing.T, cfg Config, src template.MapSource) (*Dispatcher, history.Store) {
	t.Helper()
	reg := channel.NewRegistry()
	if err := reg.Register(channel.NewConsole(logx.Nop())); err != nil {
		t.Fatalf("register console: %v", err)
	}
	if err := reg.Register(&failingChannel{err: errors.New("provider down")}); err != nil {
		t.Fatalf("register flaky: %v", err)
	}
	store := history.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	d := New(reg, template.NewRenderer(src), store, eventbus.New(), cfg, logx.Nop())
	return d, store
}

var testTemplates = template.MapSource{
	"app/posts/subject.txt": "New post: {{.title}}",
	"app/posts/body.txt":    "{{.title}} was published",
}

func TestDispatchRecordsHistory(t *testing.T) {
	d, store := newTestDispatcher(t, Config{SaveContent: true}, testTemplates)

	entity := notify.EntityRef{Kind: "post", Key: "42"}
	rec, err := d.Dispatch(context.Background(), Request{
		Channel:    "console",
		Template:   template.Ref{"app/posts/", "defaults/"},
		Recipients: []notify.Recipient{{ID: "u1"}, {ID: "u2"}},
		Context:    map[string]any{"title": "Hello"},
		Entity:     entity,
		Origin:     "rule:post-published",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("expected persisted record id")
	}
	if rec.Template != "app/posts/" {
		t.Fatalf("expected first prefix as canonical label, got %q", rec.Template)
	}
	if rec.Content[channel.PartSubject] != "New post: Hello" {
		t.Fatalf("unexpected saved content: %v", rec.Content)
	}

	got, err := store.Query(context.Background(), history.Filter{Entity: &entity})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Origin != "rule:post-published" || got[0].Status != history.StatusSent {
		t.Fatalf("unexpected stored record: %+v", got)
	}
	if len(got[0].Recipients) != 2 {
		t.Fatalf("expected recipient ids recorded, got %v", got[0].Recipients)
	}
}

func TestDispatchContentNotSavedByDefault(t *testing.T) {
	d, store := newTestDispatcher(t, Config{}, testTemplates)

	if _, err := d.Dispatch(context.Background(), Request{
		Channel:  "console",
		Template: template.Ref{"app/posts/"},
		Context:  map[string]any{"title": "x"},
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := store.Query(context.Background(), history.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Content != nil {
		t.Fatalf("expected no saved content, got %+v", got)
	}
}

func TestDispatchUnknownChannel(t *testing.T) {
	d, store := newTestDispatcher(t, Config{RecordFailures: true}, testTemplates)

	_, err := d.Dispatch(context.Background(), Request{Channel: "pigeon", Template: template.Ref{"app/posts/"}})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}

	got, _ := store.Query(context.Background(), history.Filter{})
	if len(got) != 0 {
		t.Fatalf("unknown channel must not write records, got %+v", got)
	}
}

func TestDispatchMissingPartFailsBeforeSend(t *testing.T) {
	d, store := newTestDispatcher(t, Config{}, template.MapSource{
		"app/posts/subject.txt": "only subject",
	})

	_, err := d.Dispatch(context.Background(), Request{
		Channel:  "console",
		Template: template.Ref{"app/posts/"},
	})
	if !errors.Is(err, template.ErrNotFound) {
		t.Fatalf("expected template.ErrNotFound, got %v", err)
	}

	got, _ := store.Query(context.Background(), history.Filter{})
	if len(got) != 0 {
		t.Fatalf("render failure must not write records, got %+v", got)
	}
}

func TestDispatchFailedSendWritesNoSuccessRecord(t *testing.T) {
	d, store := newTestDispatcher(t, Config{}, template.MapSource{
		"app/posts/flaky__subject.txt": "s",
		"app/posts/body.txt":           "b",
	})

	_, err := d.Dispatch(context.Background(), Request{
		Channel:  "flaky",
		Template: template.Ref{"app/posts/"},
	})
	if err == nil {
		t.Fatalf("expected send error")
	}

	got, _ := store.Query(context.Background(), history.Filter{})
	if len(got) != 0 {
		t.Fatalf("failed send must not write a success record, got %+v", got)
	}
}

func TestDispatchFailedSendRecordsAudit(t *testing.T) {
	d, store := newTestDispatcher(t, Config{RecordFailures: true}, template.MapSource{
		"app/posts/subject.txt": "s",
		"app/posts/body.txt":    "b",
	})

	if _, err := d.Dispatch(context.Background(), Request{
		Channel:  "flaky",
		Template: template.Ref{"app/posts/"},
	}); err == nil {
		t.Fatalf("expected send error")
	}

	got, _ := store.Query(context.Background(), history.Filter{Status: history.StatusFailed})
	if len(got) != 1 {
		t.Fatalf("expected one failed record, got %+v", got)
	}
	if got[0].Error == "" {
		t.Fatalf("expected failure reason in record")
	}
}

type memEntityStore map[string]notify.Entity

func (s memEntityStore) Get(_ context.Context, kind, key string) (notify.Entity, error) {
	e, ok := s[kind+"/"+key]
	if !ok {
		return nil, notify.ErrNotFound
	}
	return e, nil
}

func (s memEntityStore) List(_ context.Context, kind string) ([]notify.Entity, error) {
	var out []notify.Entity
	for _, e := range s {
		if e.EntityKind() == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

type memRecipientStore map[string]notify.Recipient

func (s memRecipientStore) Get(_ context.Context, id string) (notify.Recipient, error) {
	r, ok := s[id]
	if !ok {
		return notify.Recipient{}, notify.ErrNotFound
	}
	return r, nil
}

type testPost struct {
	id    string
	title string
}

func (p testPost) EntityKind() string { return "post" }
func (p testPost) EntityKey() string  { return p.id }
func (p testPost) Snapshot() map[string]any {
	return map[string]any{"id": p.id, "title": p.title}
}

func TestDispatchAsyncResolvesByID(t *testing.T) {
	d, store := newTestDispatcher(t, Config{SaveContent: true}, template.MapSource{
		"app/posts/subject.txt": "{{.post.title}}",
		"app/posts/body.txt":    "body",
	})
	d.WithStores(
		memEntityStore{"post/42": testPost{id: "42", title: "Async Hello"}},
		memRecipientStore{"u1": {ID: "u1", Email: "u1@example.com"}},
	)

	engine := taskengine.New(taskengine.Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), eventbus.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop(context.Background())
	d.WithEnqueuer(engine)

	err := d.DispatchAsync(Job{
		Channel:      "console",
		Template:     []string{"app/posts/"},
		RecipientIDs: []string{"u1"},
		EntityKind:   "post",
		EntityKey:    "42",
		Origin:       "rule:async",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.Query(context.Background(), history.Filter{Origin: "rule:async"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) == 1 {
			rec := got[0]
			if rec.Content["subject.txt"] != "Async Hello" {
				t.Fatalf("entity snapshot was not merged into context: %+v", rec.Content)
			}
			if rec.Entity.Kind != "post" || rec.Entity.Key != "42" {
				t.Fatalf("unexpected entity ref: %+v", rec.Entity)
			}
			if len(rec.Recipients) != 1 || rec.Recipients[0] != "u1" {
				t.Fatalf("unexpected recipients: %v", rec.Recipients)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("async dispatch never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResolveJobKeepsCustomContext(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{}, testTemplates)
	d.WithStores(
		memEntityStore{"post/42": testPost{id: "42", title: "Fresh"}},
		memRecipientStore{},
	)

	req, err := d.resolveJob(context.Background(), Job{
		Channel:    "chat",
		Template:   []string{"app/posts/"},
		EntityKind: "post",
		EntityKey:  "42",
		Context: map[string]any{
			"chat_room_id": int64(42),
			"post":         map[string]any{"title": "Custom"},
		},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := req.Context["chat_room_id"]; got != int64(42) {
		t.Fatalf("job context key lost in resolution: %v", req.Context)
	}
	// A caller-supplied kind key wins over the fresh snapshot, same as
	// the synchronous path.
	m, ok := req.Context["post"].(map[string]any)
	if !ok || m["title"] != "Custom" {
		t.Fatalf("custom kind key was overwritten: %v", req.Context["post"])
	}
	if req.Entity.Kind != "post" || req.Entity.Key != "42" {
		t.Fatalf("unexpected entity ref: %+v", req.Entity)
	}
}

func TestDispatchAsyncRequiresStores(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{}, testTemplates)
	engine := taskengine.New(taskengine.Config{Enabled: true}, logx.Nop(), eventbus.New())
	d.WithEnqueuer(engine)

	err := d.DispatchAsync(Job{Channel: "console", RecipientIDs: []string{"u1"}})
	if err == nil {
		t.Fatalf("expected error for missing recipient store")
	}
}
