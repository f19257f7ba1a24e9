package dcb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// ProjectionStatus is the lifecycle state of one running projection.
type ProjectionStatus string

const (
	StatusPending    ProjectionStatus = "pending"
	StatusCatchingUp ProjectionStatus = "catching-up"
	StatusLive       ProjectionStatus = "live"
	StatusError      ProjectionStatus = "error"
	StatusStopped    ProjectionStatus = "stopped"
)

// terminal reports whether a loop in this status will make no further
// progress without a restart.
func (s ProjectionStatus) terminal() bool {
	return s == StatusError || s == StatusStopped
}

// ProjectionState is a snapshot of one projection loop.
type ProjectionState struct {
	Name          string
	Status        ProjectionStatus
	LastPosition  int64 // zero when nothing was processed yet
	LastUpdatedAt time.Time
	ErrorDetail   string
}

// loopConfig is the per-loop slice of the manager configuration.
type loopConfig struct {
	maxRetries      int
	retryDelay      time.Duration
	pollInterval    time.Duration
	streamBatchSize int
	dryRun          bool
	onError         func(name string, err error)
	onRetry         func(name string, attempt int, err error, nextDelay time.Duration)
	onStatusChange  func(name string, from, to ProjectionStatus)
}

// projectionLoop drives one projection: catch-up over history, then a live
// phase fed by notifications with a polling fallback.
type projectionLoop struct {
	def   ProjectionDefinition
	store EventStore
	pool  *pgxpool.Pool
	cfg   loopConfig

	mu    sync.Mutex
	state ProjectionState

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newProjectionLoop(def ProjectionDefinition, store EventStore, pool *pgxpool.Pool, cfg loopConfig, lastPosition int64) *projectionLoop {
	return &projectionLoop{
		def:   def,
		store: store,
		pool:  pool,
		cfg:   cfg,
		state: ProjectionState{
			Name:         def.Name,
			Status:       StatusPending,
			LastPosition: lastPosition,
		},
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Notify wakes the live phase. Non-blocking; a pending wake-up is enough.
func (l *projectionLoop) Notify() {
	select {
	case l.notifyCh <- struct{}{}:
	default:
	}
}

// Stop requests cooperative shutdown. The in-flight handler, if any, runs to
// completion.
func (l *projectionLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *projectionLoop) Snapshot() ProjectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *projectionLoop) stopRequested() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *projectionLoop) setStatus(status ProjectionStatus) {
	l.mu.Lock()
	from := l.state.Status
	l.state.Status = status
	l.mu.Unlock()
	if from == status || l.cfg.onStatusChange == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"projection": l.def.Name, "panic": r}).
					Error("onStatusChange callback panicked")
			}
		}()
		l.cfg.onStatusChange(l.def.Name, from, status)
	}()
}

func (l *projectionLoop) setError(err error) {
	l.mu.Lock()
	l.state.ErrorDetail = err.Error()
	l.mu.Unlock()
	l.setStatus(StatusError)
	projectionErrorsTotal.WithLabelValues(l.def.Name).Inc()
}

func (l *projectionLoop) advance(position int64) {
	l.mu.Lock()
	l.state.LastPosition = position
	l.state.LastUpdatedAt = time.Now()
	l.mu.Unlock()
	projectionPosition.WithLabelValues(l.def.Name).Set(float64(position))
}

// run is the loop body; it never returns an error because loop failures are
// reported through the state and the manager's callbacks, not to the caller.
func (l *projectionLoop) run(ctx context.Context) {
	defer close(l.done)

	l.setStatus(StatusCatchingUp)
	if stopped, err := l.drain(ctx); err != nil {
		l.setError(err)
		return
	} else if stopped {
		l.setStatus(StatusStopped)
		return
	}

	l.setStatus(StatusLive)
	log.WithFields(log.Fields{
		"projection": l.def.Name,
		"position":   l.Snapshot().LastPosition,
	}).Info("projection live")

	timer := time.NewTimer(l.cfg.pollInterval)
	defer timer.Stop()

	for {
		// The first drain here is unconditional: it closes the window between
		// the end of catch-up and the first signal, so a write committed in
		// that window is picked up immediately.
		if stopped, err := l.drain(ctx); err != nil {
			l.setError(err)
			return
		} else if stopped {
			l.setStatus(StatusStopped)
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l.cfg.pollInterval)

		select {
		case <-l.stopCh:
			l.setStatus(StatusStopped)
			return
		case <-l.notifyCh:
		case <-timer.C:
			// Polling guarantees liveness when notifications are lost.
		}
	}
}

// drain processes every matching event after the current position, in order.
// Returns stopped=true when a stop request interrupted the drain.
func (l *projectionLoop) drain(ctx context.Context) (stopped bool, err error) {
	for {
		if l.stopRequested() {
			return true, nil
		}

		it, err := l.store.Stream(ctx, l.def.Query, &StreamOptions{
			AfterPosition: l.Snapshot().LastPosition,
			BatchSize:     l.cfg.streamBatchSize,
		})
		if err != nil {
			return false, err
		}

		processed := 0
		for it.Next() {
			if l.stopRequested() {
				it.Close()
				return true, nil
			}
			event := it.Event()
			if err := l.processWithRetry(ctx, event); err != nil {
				it.Close()
				if errors.Is(err, errStopDuringRetry) {
					return true, nil
				}
				return false, err
			}
			l.advance(event.GlobalPosition)
			processed++
		}
		streamErr := it.Err()
		it.Close()
		if streamErr != nil {
			return false, streamErr
		}

		// The stream ends at its first short page; a pass that processed
		// nothing means we have caught up.
		if processed == 0 {
			return false, nil
		}
	}
}

// errStopDuringRetry marks a stop request observed during retry backoff; the
// loop ends as stopped, not errored.
var errStopDuringRetry = errors.New("stop requested during retry backoff")

// processWithRetry wraps one event's processing in the retry policy: linear
// backoff, onRetry before each new attempt, onError when attempts are
// exhausted.
func (l *projectionLoop) processWithRetry(ctx context.Context, event StoredEvent) error {
	for attempt := 1; ; attempt++ {
		err := l.processEvent(ctx, event)
		if err == nil {
			return nil
		}
		if attempt > l.cfg.maxRetries {
			l.reportError(err)
			return err
		}

		delay := l.cfg.retryDelay * time.Duration(attempt)
		l.reportRetry(attempt, err, delay)
		projectionRetriesTotal.WithLabelValues(l.def.Name).Inc()

		select {
		case <-l.stopCh:
			return errStopDuringRetry
		case <-time.After(delay):
		}
	}
}

// processEvent applies the handler and the checkpoint update in one
// transaction. In dry-run mode the checkpoint write is skipped and the
// transaction rolled back, so the handler runs against the real database but
// leaves nothing behind.
func (l *projectionLoop) processEvent(ctx context.Context, event StoredEvent) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return &EventStoreError{
			Op:  "projection",
			Err: fmt.Errorf("failed to begin transaction: %w", err),
		}
	}
	defer tx.Rollback(ctx)

	if err := l.def.Handler(ctx, tx, event); err != nil {
		return err
	}

	if l.cfg.dryRun {
		return tx.Rollback(ctx)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE projection_checkpoints SET last_position = $2, updated_at = now() WHERE name = $1`,
		l.def.Name, event.GlobalPosition,
	); err != nil {
		return &EventStoreError{
			Op:  "projection",
			Err: fmt.Errorf("failed to update checkpoint for %q: %w", l.def.Name, err),
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &EventStoreError{
			Op:  "projection",
			Err: fmt.Errorf("failed to commit projection transaction: %w", err),
		}
	}

	projectionEventsTotal.WithLabelValues(l.def.Name).Inc()
	return nil
}

func (l *projectionLoop) reportRetry(attempt int, err error, nextDelay time.Duration) {
	log.WithFields(log.Fields{
		"projection": l.def.Name,
		"attempt":    attempt,
		"delay":      nextDelay,
	}).WithError(err).Warn("projection handler failed, retrying")
	if l.cfg.onRetry == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"projection": l.def.Name, "panic": r}).
					Error("onRetry callback panicked")
			}
		}()
		l.cfg.onRetry(l.def.Name, attempt, err, nextDelay)
	}()
}

func (l *projectionLoop) reportError(err error) {
	log.WithField("projection", l.def.Name).WithError(err).
		Error("projection failed, retries exhausted")
	if l.cfg.onError == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"projection": l.def.Name, "panic": r}).
					Error("onError callback panicked")
			}
		}()
		l.cfg.onError(l.def.Name, err)
	}()
}
