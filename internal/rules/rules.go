package rules

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"notifyd/internal/dispatch"
	"notifyd/internal/history"
	"notifyd/internal/notify"
	"notifyd/internal/template"
)

// Snapshot is a flat field map of an entity's persisted state.
// A nil snapshot means the entity did not exist before the save.
type Snapshot map[string]any

// Match is one acceptable value for a field. Absent matches a field
// that is missing from the snapshot (or a nil snapshot), which is how
// "previous is false or did not exist" is expressed: two matches ORed
// together.
type Match struct {
	Equals any
	Absent bool
}

// FieldCondition constrains one field across the save transition.
// Prev and Next are each an OR over their matches; an empty list
// accepts any value. All conditions of a rule must hold (AND).
type FieldCondition struct {
	Field string
	Prev  []Match
	Next  []Match
}

type RecipientFunc func(ctx context.Context, e notify.Entity) ([]notify.Recipient, error)

type ContextFunc func(e notify.Entity) map[string]any

// Rule binds a state transition of one entity kind to a dispatch.
type Rule struct {
	Name string
	Kind string

	// TrackedFields short-circuits evaluation: when set and none of
	// the named fields changed in this save, the rule is skipped
	// without touching conditions or predicate.
	TrackedFields []string

	When []FieldCondition

	// Predicate is an optional dynamic check evaluated after When.
	Predicate func(prev Snapshot, next Snapshot) bool

	Channel    string
	Template   template.Ref
	Recipients RecipientFunc
	Context    ContextFunc

	// Async routes the dispatch through the task engine instead of
	// blocking the save path.
	Async bool
}

func (r Rule) validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if r.Kind == "" {
		return fmt.Errorf("rule %q: entity kind is required", r.Name)
	}
	if r.Channel == "" {
		return fmt.Errorf("rule %q: channel is required", r.Name)
	}
	if len(r.Template) == 0 {
		return fmt.Errorf("rule %q: template ref is required", r.Name)
	}
	return nil
}

// tracked reports whether any tracked field changed between the two
// snapshots. A rule without tracked fields always evaluates.
func (r Rule) tracked(prev, next Snapshot) bool {
	if len(r.TrackedFields) == 0 {
		return true
	}
	for _, f := range r.TrackedFields {
		pv, pok := lookup(prev, f)
		nv, nok := lookup(next, f)
		if pok != nok || !reflect.DeepEqual(pv, nv) {
			return true
		}
	}
	return false
}

func (r Rule) matches(prev, next Snapshot) bool {
	for _, c := range r.When {
		if !matchField(prev, c.Field, c.Prev) {
			return false
		}
		if !matchField(next, c.Field, c.Next) {
			return false
		}
	}
	if r.Predicate != nil {
		return r.Predicate(prev, next)
	}
	return true
}

func matchField(snap Snapshot, field string, matches []Match) bool {
	if len(matches) == 0 {
		return true
	}
	v, ok := lookup(snap, field)
	for _, m := range matches {
		if m.Absent {
			if !ok {
				return true
			}
			continue
		}
		if ok && reflect.DeepEqual(v, m.Equals) {
			return true
		}
	}
	return false
}

func lookup(snap Snapshot, field string) (any, bool) {
	if snap == nil {
		return nil, false
	}
	v, ok := snap[field]
	return v, ok
}

// buildContext returns the dispatch context for one matched rule; the
// default is the entity snapshot keyed by its kind.
func (r Rule) buildContext(e notify.Entity) map[string]any {
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
