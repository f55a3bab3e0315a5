package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/history"
	"notifyd/internal/notify"
	"notifyd/internal/template"
)

type RecipientFunc func(ctx context.Context, e notify.Entity) ([]notify.Recipient, error)

type ContextFunc func(e notify.Entity) map[string]any

// Reminder nags about entities that sit in a state for too long.
//
// Eligibility is computed fresh from the history store on every
// invocation: an entity is due when its reference timestamp is at
// least Delay old, fewer than Repeat notices were ever sent for it by
// this reminder, and the most recent notice is at least Cooldown old.
type Reminder struct {
	Name string
	Kind string

	// Filter narrows the base entity set. Nil keeps everything.
	Filter func(e notify.Entity) bool

	// ReferenceField names the snapshot field holding the timestamp
	// the Delay gate is measured against.
	ReferenceField string

	Delay    time.Duration
	Cooldown time.Duration
	Repeat   int

	Channel    string
	Template   template.Ref
	Recipients RecipientFunc
	Context    ContextFunc

	// AfterSend runs after a successful synchronous dispatch, typically
	// to mutate and persist the entity. It is a statically registered
	// callback; reminders never execute configuration-supplied code.
	AfterSend func(ctx context.Context, e notify.Entity) error

	// Async routes dispatches through the task engine. Async reminders
	// cannot carry AfterSend: the enqueue result says nothing about
	// delivery.
	Async bool
}

func (r Reminder) validate() error {
	if r.Name == "" {
		return errors.New("reminder name is required")
	}
	if r.Kind == "" {
		return fmt.Errorf("reminder %q: entity kind is required", r.Name)
	}
	if r.ReferenceField == "" {
		return fmt.Errorf("reminder %q: reference field is required", r.Name)
	}
	if r.Channel == "" {
		return fmt.Errorf("reminder %q: channel is required", r.Name)
	}
	if len(r.Template) == 0 {
		return fmt.Errorf("reminder %q: template ref is required", r.Name)
	}
	if r.Repeat <= 0 {
		return fmt.Errorf("reminder %q: repeat must be positive", r.Name)
	}
	if r.Async && r.AfterSend != nil {
		return fmt.Errorf("reminder %q: AfterSend is not supported on the async path", r.Name)
	}
	return nil
}

func (r Reminder) origin() string { return "reminder:" + r.Name }

func (r Reminder) buildContext(e notify.Entity) map[string]any {
	if r.Context != nil {
		return r.Context(e)
	}
	return map[string]any{r.Kind: e.Snapshot()}
}

// Dispatcher is the dispatch surface the engine drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (history.Record, error)
	DispatchAsync(job dispatch.Job) error
}
