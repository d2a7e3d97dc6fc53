package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/browserd/pkg/provider"
	"github.com/sandboxrunner/browserd/pkg/resilience"
)

var errStreamClosed = errors.New("event stream closed")

// watch follows the runtime event stream so container deaths are handled
// without waiting for the next interval. The stream is reopened with
// exponential backoff whenever it breaks.
func (r *Reconciler) watch(ctx context.Context) {
	failures := 0
	for {
		err := r.consume(ctx, &failures)
		if ctx.Err() != nil {
			return
		}
		delay := resilience.Backoff(r.config.WatchBackoffBase, r.config.WatchBackoffMax, failures)
		failures++
		log.Warn().Err(err).Dur("retry_in", delay).Str("provider", r.provider.Name()).Msg("Container event stream broken")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *Reconciler) consume(ctx context.Context, failures *int) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, errs := r.provider.Events(streamCtx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			if err == nil {
				err = errStreamClosed
			}
			return err
		case ev, ok := <-events:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return err
					}
				default:
				}
				return errStreamClosed
			}
			*failures = 0
			r.handleEvent(ctx, ev)
		}
	}
}

func (r *Reconciler) handleEvent(ctx context.Context, ev provider.ContainerEvent) {
	state := ev.State()
	if state == provider.StateUnknown || state == provider.StateRunning {
		return
	}

	if slotID := ev.Labels[provider.LabelPool]; slotID != "" {
		if r.pool != nil && r.pool.Evict(ctx, ev.ContainerID) {
			log.Info().Str("slot_id", slotID).Str("action", string(ev.Action)).Msg("Evicted pool slot after container event")
		}
		return
	}
	if sid := ev.Labels[provider.LabelSession]; sid != "" {
		log.Debug().Str("session_id", sid).Str("container_id", ev.ContainerID).Str("action", string(ev.Action)).Msg("Container event")
		r.Trigger()
	}
}
