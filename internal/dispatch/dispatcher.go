package dispatch

import (
	"context"
	"errors"
	"fmt"

	"notifyd/internal/channel"
	"notifyd/internal/eventbus"
	"notifyd/internal/history"
	"notifyd/internal/notify"
	"notifyd/internal/taskengine"
	"notifyd/internal/template"
	"notifyd/pkg/logx"
)

// ErrUnknownChannel reports a dispatch against a channel key that is
// not registered. This is a configuration error, not a delivery
// failure: nothing is rendered, sent, or recorded.
var ErrUnknownChannel = errors.New("unknown channel")

type Config struct {
	// SaveContent persists rendered parts in history records.
	SaveContent bool
	// RecordFailures writes an attempted-failure record for audit when
	// a send fails. Success records are never written for failed sends.
	RecordFailures bool
}

// Request is one synchronous dispatch.
type Request struct {
	Channel    string
	Template   template.Ref
	Recipients []notify.Recipient
	Context    map[string]any
	Entity     notify.EntityRef
	Origin     string
}

// Event is the bus payload for notify.dispatched / notify.failed.
type Event struct {
	Channel  string `json:"channel"`
	Template string `json:"template"`
	Origin   string `json:"origin,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Dispatcher renders, sends, and records notifications.
type Dispatcher struct {
	registry   *channel.Registry
	renderer   *template.Renderer
	store      history.Store
	bus        eventbus.Bus
	entities   notify.EntityStore
	recipients notify.RecipientStore
	tasks      Enqueuer
	cfg        Config
	log        logx.Logger
}

// Enqueuer is the async boundary the dispatcher submits jobs to.
type Enqueuer interface {
	Enqueue(t taskengine.Task) error
}

func New(reg *channel.Registry, renderer *template.Renderer, store history.Store, bus eventbus.Bus, cfg Config, log logx.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		renderer: renderer,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		log:      log.With(logx.String("svc", "dispatch")),
	}
}

// WithStores attaches the entity and recipient stores used by the
// async path to re-resolve job references. Without them DispatchAsync
// rejects jobs that carry ids.
func (d *Dispatcher) WithStores(entities notify.EntityStore, recipients notify.RecipientStore) *Dispatcher {
	d.entities = entities
	d.recipients = recipients
	return d
}

// WithEnqueuer attaches the task engine used by DispatchAsync.
func (d *Dispatcher) WithEnqueuer(e Enqueuer) *Dispatcher {
	d.tasks = e
	return d
}

// Dispatch renders exactly the channel's declared parts, sends, and
// appends a history record. A send failure writes no success record;
// with RecordFailures set it writes a "failed" record for audit.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (history.Record, error) {
	ch, err := d.registry.Get(req.Channel)
	if err != nil {
		return history.Record{}, fmt.Errorf("%w: %q", ErrUnknownChannel, req.Channel)
	}

	parts, err := d.renderer.Render(req.Template, ch.Key(), ch.Parts(), req.Context)
	if err != nil {
		// A missing or broken part fails before Send: a partial
		// envelope must never reach a channel.
		return history.Record{}, fmt.Errorf("dispatch %s/%s: %w", req.Channel, req.Template.Label(), err)
	}

	env := channel.Envelope{Parts: parts, Context: req.Context}
	sendErr := ch.Send(ctx, req.Recipients, env)

	rec := history.Record{
		Channel:    req.Channel,
		Template:   req.Template.Label(),
		Origin:     req.Origin,
		Recipients: recipientIDs(req.Recipients),
		Entity:     req.Entity,
	}
	if d.cfg.SaveContent {
		rec.Content = parts
	}

	if sendErr != nil {
		d.log.Warn("send failed",
			logx.String("channel", req.Channel),
			logx.String("template", req.Template.Label()),
			logx.Err(sendErr),
		)
		d.publish(eventbus.TypeDispatchFailed, req, sendErr)
		if d.cfg.RecordFailures && d.store != nil {
			rec.Status = history.StatusFailed
			rec.Error = sendErr.Error()
			if _, err := d.store.Append(ctx, rec); err != nil {
				d.log.Error("failure record not written", logx.Err(err))
			}
		}
		return history.Record{}, fmt.Errorf("dispatch %s/%s: %w", req.Channel, req.Template.Label(), sendErr)
	}

	rec.Status = history.StatusSent
	if d.store != nil {
		rec, err = d.store.Append(ctx, rec)
		if err != nil {
			return history.Record{}, fmt.Errorf("record dispatch: %w", err)
		}
	}

	d.publish(eventbus.TypeDispatched, req, nil)
	d.log.Debug("dispatched",
		logx.String("channel", req.Channel),
		logx.String("template", req.Template.Label()),
		logx.Int("recipients", len(req.Recipients)),
	)
	return rec, nil
}

func (d *Dispatcher) publish(eventType string, req Request, sendErr error) {
	if d.bus == nil {
		return
	}
	ev := Event{Channel: req.Channel, Template: req.Template.Label(), Origin: req.Origin}
	if sendErr != nil {
		ev.Error = sendErr.Error()
	}
	d.bus.Publish(eventbus.Event{Type: eventType, Data: ev})
}

func recipientIDs(recipients []notify.Recipient) []string {
	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.ID)
	}
	return ids
}
