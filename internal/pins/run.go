package pins

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/saviobatista/fieldtrack/internal/types"
)

// Subscription is an active push subscription
type Subscription interface {
	Unsubscribe() error
}

// Feed delivers pushed samples and reports transport health
type Feed interface {
	SubscribeSamples(tenantID string, handler func(*types.LocationSample)) (Subscription, error)
	AddConnectionListener(listener func(types.ConnectionEvent)) (remove func())
}

// Run keeps the engine reconciled until ctx is done, then tears it down.
//
// Pushed samples are applied as they arrive. Online states are re-evaluated
// every poll interval and a full snapshot runs every reconcile interval. While
// the push transport is down the engine polls snapshots at the poll interval
// instead. Failed snapshots are retried with exponential backoff.
func (e *Engine) Run(ctx context.Context, feed Feed, subjectIDs []string) error {
	if e.Closed() {
		return ErrClosed
	}

	events := make(chan types.ConnectionEvent, 16)
	removeListener := feed.AddConnectionListener(func(ev types.ConnectionEvent) {
		select {
		case events <- ev:
		default:
			e.logger.Warn().Bool("connected", ev.Connected).Msg("Dropping connection event, queue full")
		}
	})
	defer removeListener()

	r := &runner{
		engine:     e,
		feed:       feed,
		subjectIDs: subjectIDs,
		backoff:    e.reconcileInterval,
		// at most one reconnect-triggered snapshot per poll interval
		limiter: rate.NewLimiter(rate.Every(e.pollInterval), 1),
	}
	defer r.teardown()

	r.subscribe()
	r.reconcile(ctx)

	tick := time.NewTicker(e.pollInterval)
	defer tick.Stop()
	reconcileTimer := time.NewTimer(r.nextReconcile())
	defer reconcileTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case now := <-tick.C:
			e.Tick(now)
			if r.sub == nil {
				r.resubscribe(ctx)
			}

		case <-reconcileTimer.C:
			r.reconcile(ctx)
			reconcileTimer.Reset(r.nextReconcile())

		case ev := <-events:
			if r.handleEvent(ctx, ev) {
				if !reconcileTimer.Stop() {
					select {
					case <-reconcileTimer.C:
					default:
					}
				}
				reconcileTimer.Reset(r.nextReconcile())
			}
		}
	}
}

type runner struct {
	engine     *Engine
	feed       Feed
	subjectIDs []string
	sub        Subscription
	degraded   bool
	failures   int
	backoff    time.Duration
	limiter    *rate.Limiter
}

func (r *runner) subscribe() {
	e := r.engine
	sub, err := r.feed.SubscribeSamples(e.tenantID, func(s *types.LocationSample) {
		e.ApplyIncrementalUpdate(s)
	})
	if err != nil {
		if !r.degraded {
			e.stats.IncrementSubscriptionDrops()
		}
		r.degraded = true
		e.logger.Warn().Err(&types.SubscriptionDroppedError{TenantID: e.tenantID, Err: err}).Msg("Push feed unavailable, polling snapshots")
		return
	}
	r.sub = sub
	r.degraded = false
}

// resubscribe retries a failed subscription. Leaving polling mode catches up
// with an immediate snapshot, like a transport reconnect.
func (r *runner) resubscribe(ctx context.Context) {
	wasDegraded := r.degraded
	r.subscribe()
	if !wasDegraded || r.degraded {
		return
	}
	r.engine.stats.IncrementReconnects()
	r.engine.logger.Info().Msg("Push subscription established")
	if r.limiter.Allow() {
		r.reconcile(ctx)
	}
}

// reconcile runs one snapshot and updates the backoff state
func (r *runner) reconcile(ctx context.Context) {
	e := r.engine
	_, err := e.LoadSnapshot(ctx, r.subjectIDs)
	switch {
	case err == nil:
		r.failures = 0
		r.backoff = e.reconcileInterval
	case errors.Is(err, ErrClosed), ctx.Err() != nil:
	default:
		r.failures++
		r.backoff = nextBackoff(e.pollInterval, r.failures, e.maxBackoff)
		e.logger.Warn().Err(err).Int("failures", r.failures).Dur("retry_in", r.backoff).Msg("Snapshot failed, retrying")
	}
}

// nextReconcile returns the delay until the next scheduled snapshot
func (r *runner) nextReconcile() time.Duration {
	if r.failures > 0 {
		return r.backoff
	}
	if r.degraded && r.engine.pollInterval < r.engine.reconcileInterval {
		return r.engine.pollInterval
	}
	return r.engine.reconcileInterval
}

// handleEvent reports whether the reconcile schedule changed
func (r *runner) handleEvent(ctx context.Context, ev types.ConnectionEvent) bool {
	e := r.engine
	if !ev.Connected {
		if r.degraded {
			return false
		}
		r.degraded = true
		e.stats.IncrementSubscriptionDrops()
		err := ev.Err
		if err == nil {
			err = errors.New("connection lost")
		}
		e.logger.Warn().Err(&types.SubscriptionDroppedError{TenantID: e.tenantID, Err: err}).Msg("Push feed dropped, polling snapshots")
		return true
	}

	if !r.degraded {
		return false
	}
	e.stats.IncrementReconnects()
	e.logger.Info().Msg("Push feed restored")
	if r.sub == nil {
		r.subscribe()
	} else {
		r.degraded = false
	}
	// catch up on samples missed while disconnected
	if r.limiter.Allow() {
		r.reconcile(ctx)
	}
	return true
}

func (r *runner) teardown() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.engine.logger.Warn().Err(err).Msg("Failed to unsubscribe from push feed")
		}
		r.sub = nil
	}
	r.engine.Close()
}

// nextBackoff doubles base per consecutive failure, capped at limit
func nextBackoff(base time.Duration, failures int, limit time.Duration) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
