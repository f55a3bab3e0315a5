package history

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/notify"
)

var ErrDisabled = errors.New("history storage disabled")

// Dispatch outcome recorded on a history row.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Config configures history storage.
//
// Driver values:
//   - "memory": in-process store (tests, ephemeral deployments)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// SaveContent controls whether the rendered envelope is persisted
	// on each record. Recipients and the entity back-reference are
	// always persisted.
	SaveContent bool
}

// Record is one completed (or attempted) dispatch. Records are
// append-only: the store never updates or deletes them.
type Record struct {
	ID      string
	At      time.Time
	Channel string

	// Template is the canonical label (first prefix of the reference).
	Template string

	// Origin names the rule or reminder that produced the dispatch;
	// empty for direct Dispatcher calls.
	Origin string

	Status string
	Error  string

	// Content holds the rendered envelope when content saving is on.
	Content map[string]string

	// Recipients holds recipient ids (flat, re-resolvable).
	Recipients []string

	// Entity back-references the subject that triggered the dispatch.
	Entity notify.EntityRef
}

// Filter selects history records. Zero fields match everything.
type Filter struct {
	Entity   *notify.EntityRef
	Template string
	Channel  string
	Origin   string
	Status   string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Store is the append-only history persistence API.
//
// Append assigns ID and At when unset and returns the stored record.
// Query returns matches newest-first.
type Store interface {
	Append(ctx context.Context, r Record) (Record, error)
	Query(ctx context.Context, f Filter) ([]Record, error)
	Close() error
}
