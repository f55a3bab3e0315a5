package reminders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/history"
	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

// Engine evaluates registered reminders against the entity and
// history stores. Invoke is idempotent within a cooldown window
// because all bookkeeping (notice count, last notice time) is derived
// from persisted history on every call, never cached in memory.
type Engine struct {
	mu        sync.RWMutex
	reminders []Reminder

	entities   notify.EntityStore
	store      history.Store
	dispatcher Dispatcher
	bus        eventbus.Bus
	log        logx.Logger

	now func() time.Time
}

func NewEngine(entities notify.EntityStore, store history.Store, d Dispatcher, bus eventbus.Bus, log logx.Logger) *Engine {
	return &Engine{
		entities:   entities,
		store:      store,
		dispatcher: d,
		bus:        bus,
		log:        log.With(logx.String("svc", "reminders")),
		now:        time.Now,
	}
}

func (e *Engine) Register(r Reminder) error {
	if err := r.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.reminders = append(e.reminders, r)
	e.mu.Unlock()
	e.log.Debug("reminder registered", logx.String("reminder", r.Name), logx.String("kind", r.Kind))
	return nil
}

// Invoke runs one scan over all registered reminders. A failure on
// one entity never aborts the rest of the batch; all failures come
// back joined.
func (e *Engine) Invoke(ctx context.Context) error {
	if e.store == nil {
		return errors.New("reminder engine requires a history store")
	}

	start := e.now()
	e.mu.RLock()
	reminders := append([]Reminder(nil), e.reminders...)
	e.mu.RUnlock()

	var errs []error
	for _, r := range reminders {
		if err := e.invokeOne(ctx, r, start); err != nil {
			errs = append(errs, fmt.Errorf("reminder %q: %w", r.Name, err))
		}
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderTick, Data: map[string]any{
			"reminders": len(reminders),
			"took":      e.now().Sub(start).String(),
		}})
	}
	return errors.Join(errs...)
}

func (e *Engine) invokeOne(ctx context.Context, r Reminder, now time.Time) error {
	entities, err := e.entities.List(ctx, r.Kind)
	if err != nil {
		return fmt.Errorf("list %s: %w", r.Kind, err)
	}

	var errs []error
	for _, entity := range entities {
		due, err := e.eligible(ctx, r, entity, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", entity.EntityKind(), entity.EntityKey(), err))
			continue
		}
		if !due {
			continue
		}
		if err := e.fire(ctx, r, entity); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", entity.EntityKind(), entity.EntityKey(), err))
		}
	}
	return errors.Join(errs...)
}

// eligible applies filter, delay gate, repeat bound, and cooldown for
// one entity. Notice bookkeeping comes from the history store.
func (e *Engine) eligible(ctx context.Context, r Reminder, entity notify.Entity, now time.Time) (bool, error) {
	if r.Filter != nil && !r.Filter(entity) {
		return false, nil
	}

	ref := notify.SnapshotTime(entity.Snapshot(), r.ReferenceField)
	if ref.IsZero() {
		// No usable reference timestamp: the delay gate cannot be
		// applied, so the entity is never due.
		return false, nil
	}
	if now.Sub(ref) < r.Delay {
		return false, nil
	}

	entityRef := notify.Ref(entity)
	notices, err := e.store.Query(ctx, history.Filter{
		Entity: &entityRef,
		Origin: r.origin(),
		Status: history.StatusSent,
	})
	if err != nil {
		return false, fmt.Errorf("load notices: %w", err)
	}
	if len(notices) >= r.Repeat {
		return false, nil
	}
	// Query returns newest-first.
	if len(notices) > 0 && now.Sub(notices[0].At) < r.Cooldown {
		return false, nil
	}
	return true, nil
}

func (e *Engine) fire(ctx context.Context, r Reminder, entity notify.Entity) error {
	var recipients []notify.Recipient
	if r.Recipients != nil {
		var err error
		recipients, err = r.Recipients(ctx, entity)
		if err != nil {
			return fmt.Errorf("resolve recipients: %w", err)
		}
	}

	if r.Async {
		ids := make([]string, 0, len(recipients))
		for _, rcp := range recipients {
			ids = append(ids, rcp.ID)
		}
		var jobCtx map[string]any
		if r.Context != nil {
			jobCtx = r.Context(entity)
		}
		return e.dispatcher.DispatchAsync(dispatch.Job{
			Channel:      r.Channel,
			Template:     r.Template,
			RecipientIDs: ids,
			EntityKind:   entity.EntityKind(),
			EntityKey:    entity.EntityKey(),
			Context:      jobCtx,
			Origin:       r.origin(),
		})
	}

	_, err := e.dispatcher.Dispatch(ctx, dispatch.Request{
		Channel:    r.Channel,
		Template:   r.Template,
		Recipients: recipients,
		Context:    r.buildContext(entity),
		Entity:     notify.Ref(entity),
		Origin:     r.origin(),
	})
	if err != nil {
		return err
	}

	if r.AfterSend != nil {
		if err := r.AfterSend(ctx, entity); err != nil {
			return fmt.Errorf("after-send: %w", err)
		}
	}
	return nil
}
