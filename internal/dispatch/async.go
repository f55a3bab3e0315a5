package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"notifyd/internal/notify"
	"notifyd/internal/taskengine"
)

// Job is the flat descriptor shipped across the async boundary. It
// carries ids and primitives only; entities and recipients are
// re-resolved by id inside the job, never captured by reference,
// because the job may run at a different time than the enqueue.
type Job struct {
	Channel      string
	Template     []string
	RecipientIDs []string
	EntityKind   string
	EntityKey    string
	Context      map[string]any
	Origin       string
}

// DispatchAsync enqueues a deferred dispatch. The returned error only
// covers the enqueue (queue full, engine stopped); delivery outcome is
// reported through history and bus events. There is no cancellation
// once the job is accepted.
func (d *Dispatcher) DispatchAsync(job Job) error {
	if d.tasks == nil {
		return errors.New("dispatch: no task engine attached")
	}
	if len(job.RecipientIDs) > 0 && d.recipients == nil {
		return errors.New("dispatch: job carries recipient ids but no recipient store is attached")
	}
	if job.EntityKind != "" && d.entities == nil {
		return errors.New("dispatch: job carries an entity ref but no entity store is attached")
	}

	return d.tasks.Enqueue(taskengine.Task{
		ID:   uuid.NewString(),
		Name: "dispatch:" + job.Channel,
		Run: func(ctx context.Context) error {
			req, err := d.resolveJob(ctx, job)
			if err != nil {
				return err
			}
			_, err = d.Dispatch(ctx, req)
			return err
		},
	})
}

// resolveJob rebuilds a full Request from the flat descriptor.
func (d *Dispatcher) resolveJob(ctx context.Context, job Job) (Request, error) {
	req := Request{
		Channel:  job.Channel,
		Template: job.Template,
		Origin:   job.Origin,
		Context:  maps.Clone(job.Context),
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}

	for _, id := range job.RecipientIDs {
		r, err := d.recipients.Get(ctx, id)
		if err != nil {
			return Request{}, fmt.Errorf("resolve recipient %q: %w", id, err)
		}
		req.Recipients = append(req.Recipients, r)
	}

	if job.EntityKind != "" {
		e, err := d.entities.Get(ctx, job.EntityKind, job.EntityKey)
		if err != nil {
			return Request{}, fmt.Errorf("resolve entity %s/%s: %w", job.EntityKind, job.EntityKey, err)
		}
		req.Entity = notify.Ref(e)
		// The fresh snapshot is the default; a job context that already
		// set the kind key wins, mirroring the synchronous path where a
		// custom context function replaces the snapshot entirely.
		if _, ok := req.Context[job.EntityKind]; !ok {
			req.Context[job.EntityKind] = e.Snapshot()
		}
	}
	return req, nil
}
