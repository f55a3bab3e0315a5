package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"notifyd/internal/dispatch"
	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

// Engine evaluates registered rules on entity saves.
//
// The persistence wrapper drives it explicitly: BeforeSave right
// before the write, AfterCommit once the write is durably committed.
// Dispatches fire only after commit so a rolled-back transaction can
// never produce a phantom notification.
type Engine struct {
	mu    sync.RWMutex
	rules map[string][]Rule

	entities   notify.EntityStore
	dispatcher Dispatcher
	log        logx.Logger
}

func NewEngine(entities notify.EntityStore, d Dispatcher, log logx.Logger) *Engine {
	return &Engine{
		rules:      map[string][]Rule{},
		entities:   entities,
		dispatcher: d,
		log:        log.With(logx.String("svc", "rules")),
	}
}

func (e *Engine) Register(r Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.rules[r.Kind] = append(e.rules[r.Kind], r)
	e.mu.Unlock()
	e.log.Debug("rule registered", logx.String("rule", r.Name), logx.String("kind", r.Kind))
	return nil
}

// Kinds returns the entity kinds with at least one registered rule.
func (e *Engine) Kinds() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	kinds := make([]string, 0, len(e.rules))
	for k := range e.rules {
		kinds = append(kinds, k)
	}
	return kinds
}

// BeforeSave captures the previous persisted state of the entity, or
// nil when it does not exist yet. The caller passes the result to
// AfterCommit once the write lands.
func (e *Engine) BeforeSave(ctx context.Context, entity notify.Entity) (Snapshot, error) {
	prev, err := e.entities.Get(ctx, entity.EntityKind(), entity.EntityKey())
	if errors.Is(err, notify.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("capture previous state: %w", err)
	}
	return Snapshot(prev.Snapshot()), nil
}

// AfterCommit evaluates every rule registered for the entity's kind
// against the (prev, next) transition. All matching rules dispatch
// independently; one rule's failure does not stop the others, and the
// failures come back joined.
func (e *Engine) AfterCommit(ctx context.Context, entity notify.Entity, prev Snapshot) error {
	kind := entity.EntityKind()
	next := Snapshot(entity.Snapshot())

	e.mu.RLock()
	rules := append([]Rule(nil), e.rules[kind]...)
	e.mu.RUnlock()

	var errs []error
	for _, r := range rules {
		if !r.tracked(prev, next) {
			e.log.Trace("rule skipped (no tracked change)", logx.String("rule", r.Name))
			continue
		}
		if !r.matches(prev, next) {
			continue
		}
		if err := e.fire(ctx, r, entity); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) fire(ctx context.Context, r Rule, entity notify.Entity) error {
	var recipients []notify.Recipient
	if r.Recipients != nil {
		var err error
		recipients, err = r.Recipients(ctx, entity)
		if err != nil {
			return fmt.Errorf("resolve recipients: %w", err)
		}
	}
	// An empty recipient set still dispatches; channels decide whether
	// that is an error.

	origin := "rule:" + r.Name

	if r.Async {
		ids := make([]string, 0, len(recipients))
		for _, rcp := range recipients {
			ids = append(ids, rcp.ID)
		}
		// A custom context function must survive the async boundary:
		// channels like chat address the target through context keys.
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
			Origin:       origin,
		})
	}

	_, err := e.dispatcher.Dispatch(ctx, dispatch.Request{
		Channel:    r.Channel,
		Template:   r.Template,
		Recipients: recipients,
		Context:    r.buildContext(entity),
		Entity:     notify.Ref(entity),
		Origin:     origin,
	})
	return err
}
