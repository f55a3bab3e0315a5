package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"notifyd/pkg/logx"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	store, err := Open(Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "history.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteOrderingAcrossSubSecond(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	// A whole-second timestamp must sort before a later sub-second one
	// in the same second.
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if _, err := store.Append(ctx, Record{ID: "early", At: base, Channel: "console"}); err != nil {
		t.Fatalf("append early: %v", err)
	}
	if _, err := store.Append(ctx, Record{ID: "late", At: base.Add(500 * time.Millisecond), Channel: "console"}); err != nil {
		t.Fatalf("append late: %v", err)
	}

	got, err := store.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != "late" || got[1].ID != "early" {
		t.Fatalf("expected newest-first [late early], got [%s %s]", got[0].ID, got[1].ID)
	}

	since, err := store.Query(ctx, Filter{Since: base.Add(200 * time.Millisecond)})
	if err != nil {
		t.Fatalf("query since: %v", err)
	}
	if len(since) != 1 || since[0].ID != "late" {
		t.Fatalf("since filter across a sub-second boundary: %+v", since)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	in := Record{
		Channel:    "email",
		Template:   "app/posts/",
		Origin:     "rule:post-published",
		Status:     StatusSent,
		Content:    map[string]string{"subject.txt": "s", "body.txt": "b"},
		Recipients: []string{"u1", "u2"},
	}
	stored, err := store.Append(ctx, in)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if stored.ID == "" || stored.At.IsZero() {
		t.Fatalf("expected assigned id and timestamp: %+v", stored)
	}

	got, err := store.Query(ctx, Filter{Origin: "rule:post-published"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	r := got[0]
	if r.Channel != "email" || r.Template != "app/posts/" || r.Status != StatusSent {
		t.Fatalf("unexpected record: %+v", r)
	}
	if len(r.Recipients) != 2 || r.Content["subject.txt"] != "s" {
		t.Fatalf("recipients/content did not round-trip: %+v", r)
	}
	if !r.At.Equal(stored.At) {
		t.Fatalf("timestamp did not round-trip: stored %v, read %v", stored.At, r.At)
	}
}
