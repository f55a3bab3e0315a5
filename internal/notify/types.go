package notify

import (
	"context"
	"errors"
	"time"
)

// Recipient identifies one notification target across all channels.
// Channels pick the address they need (Email, Phone, ChatID, Devices)
// and ignore the rest. A recipient with none of them is still valid:
// channels decide whether an empty address set is an error.
type Recipient struct {
	ID    string
	Name  string
	Email string
	Phone string

	// ChatID addresses the chat channel (room/group identifier).
	ChatID int64

	// Devices are push/sms endpoints registered for this recipient.
	Devices []Device
}

// Device is one registered delivery endpoint of a recipient.
type Device struct {
	// Token is the provider-side device token or phone number.
	Token string
	// Endpoint is a provider ARN/URL for platform push endpoints.
	Endpoint string
}

// Entity is a domain object monitored by the rule and reminder engines.
//
// Snapshot returns a flat field map capturing the entity's current
// state. Engines only ever compare snapshot values; they never reach
// into the concrete type.
type Entity interface {
	EntityKind() string
	EntityKey() string
	Snapshot() map[string]any
}

// EntityRef is a flat back-reference to an entity (safe to persist
// and to ship across the async boundary).
type EntityRef struct {
	Kind string
	Key  string
}

func (r EntityRef) IsZero() bool { return r.Kind == "" && r.Key == "" }

// Ref builds the back-reference for an entity.
func Ref(e Entity) EntityRef {
	if e == nil {
		return EntityRef{}
	}
	return EntityRef{Kind: e.EntityKind(), Key: e.EntityKey()}
}

var ErrNotFound = errors.New("not found")

// EntityStore is the persistence contract the engines consume.
// Concrete storage (ORM, SQL, API) lives outside the core.
type EntityStore interface {
	// Get returns ErrNotFound when no entity matches.
	Get(ctx context.Context, kind, key string) (Entity, error)
	// List returns the base queryable set for a kind.
	List(ctx context.Context, kind string) ([]Entity, error)
}

// RecipientStore resolves recipients by id for the async dispatch path,
// where live references must never cross the process boundary.
type RecipientStore interface {
	// Get returns ErrNotFound when no recipient matches.
	Get(ctx context.Context, id string) (Recipient, error)
}

// SnapshotTime reads a time-valued field from an entity snapshot.
// Accepts time.Time or RFC 3339 strings; returns zero time otherwise.
func SnapshotTime(snap map[string]any, field string) time.Time {
	v, ok := snap[field]
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t != nil {
			return *t
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
