package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"notifyd/internal/notify"
)

// Canonical template part names. Every channel declares an ordered
// subset of these; the dispatcher renders exactly the declared set.
const (
	PartSubject = "subject.txt"
	PartBody    = "body.txt"
	PartHTML    = "body.html"
	PartData    = "data.json"
)

// ErrMalformedPart reports a rendered part that failed structural
// validation (for example a data part that is not valid JSON). The
// check happens before any network call so a broken template never
// produces a half-sent notification.
var ErrMalformedPart = errors.New("malformed template part")

// Envelope is the rendered payload handed to a channel. Parts holds
// the rendered template parts keyed by part name; Context carries the
// caller's dispatch context merged in (chat room ids, recipient
// overrides, attachments).
type Envelope struct {
	Parts   map[string]string
	Context map[string]any
}

// Part returns the rendered part or "" when absent.
func (e Envelope) Part(name string) string { return e.Parts[name] }

// Channel delivers a rendered envelope to a set of recipients.
//
// Send must not retry on its own; errors propagate to the dispatcher
// which records the failed attempt. A returned error means the
// envelope may not have reached any recipient.
type Channel interface {
	Key() string
	Parts() []string
	TitlePart() string
	Send(ctx context.Context, recipients []notify.Recipient, env Envelope) error
}

// Registry maps channel keys to implementations.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds or replaces a channel under its key.
func (r *Registry) Register(c Channel) error {
	if c == nil {
		return errors.New("nil channel")
	}
	key := c.Key()
	if key == "" {
		return errors.New("channel key is empty")
	}
	r.mu.Lock()
	r.channels[key] = c
	r.mu.Unlock()
	return nil
}

// Get returns the channel registered under key.
func (r *Registry) Get(key string) (Channel, error) {
	r.mu.RLock()
	c, ok := r.channels[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("channel %q is not registered", key)
	}
	return c, nil
}

// Keys returns the registered channel keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.channels))
	for k := range r.channels {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
