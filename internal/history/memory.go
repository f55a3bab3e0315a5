package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore keeps records in-process. Safe for concurrent use.
type memoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemory returns an in-process history store.
func NewMemory() Store {
	return &memoryStore{}
}

func (s *memoryStore) Append(_ context.Context, r Record) (Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	if r.Status == "" {
		r.Status = StatusSent
	}
	// Deep-copy mutable fields so later caller mutations can't reach
	// the stored record.
	if r.Content != nil {
		cp := make(map[string]string, len(r.Content))
		for k, v := range r.Content {
			cp[k] = v
		}
		r.Content = cp
	}
	r.Recipients = append([]string(nil), r.Recipients...)

	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
	return r, nil
}

func (s *memoryStore) Query(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if matches(r, f) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memoryStore) Close() error { return nil }

func matches(r Record, f Filter) bool {
	if f.Entity != nil && (r.Entity.Kind != f.Entity.Kind || r.Entity.Key != f.Entity.Key) {
		return false
	}
	if f.Template != "" && r.Template != f.Template {
		return false
	}
	if f.Channel != "" && r.Channel != f.Channel {
		return false
	}
	if f.Origin != "" && r.Origin != f.Origin {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && r.At.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.At.After(f.Until) {
		return false
	}
	return true
}
