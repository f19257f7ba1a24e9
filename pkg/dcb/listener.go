package dcb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

const (
	listenerInitialBackoff = 1 * time.Second
	listenerMaxBackoff     = 60 * time.Second
	// An idle WaitForNotification is re-armed on this cadence so the loop
	// notices a cancelled context on a silent connection.
	listenerWaitTimeout = 30 * time.Second
)

// NotificationListener owns the dedicated connection holding LISTEN on the
// es_events channel. It fans every notification out to all subscribed
// callbacks and reconnects with backoff when the connection drops. While
// disconnected it keeps waking the callbacks, so projection loops degrade to
// polling rather than stalling.
type NotificationListener struct {
	connString string

	mu     sync.Mutex
	subs   map[int]func()
	nextID int

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

// NewNotificationListener creates a listener that will connect with the given
// DSN. The connection is dedicated, never drawn from a pool.
func NewNotificationListener(connString string) *NotificationListener {
	return &NotificationListener{
		connString: connString,
		subs:       make(map[int]func()),
	}
}

// Subscribe registers a callback invoked on every notification and on every
// reconnect wake-up. The returned function removes it.
func (l *NotificationListener) Subscribe(callback func()) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.subs[id] = callback
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

// Start connects and subscribes to the channel, then begins dispatching in
// the background. It returns only after LISTEN is active: callers that need
// the gap-free guarantee (subscribe before catch-up) can rely on that
// ordering.
func (l *NotificationListener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return &EventStoreError{
			Op:  "listener.start",
			Err: fmt.Errorf("listener already started"),
		}
	}
	l.started = true
	l.mu.Unlock()

	conn, err := l.connect(ctx)
	if err != nil {
		return &EventStoreError{
			Op:  "listener.start",
			Err: fmt.Errorf("failed to open listen connection: %w", err),
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx, conn)
	return nil
}

// Stop unlistens, closes the connection and suppresses reconnection.
func (l *NotificationListener) Stop(ctx context.Context) {
	l.mu.Lock()
	if !l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (l *NotificationListener) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *NotificationListener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return conn, nil
}

func (l *NotificationListener) run(ctx context.Context, conn *pgx.Conn) {
	defer close(l.done)
	backoff := listenerInitialBackoff

	for {
		err := l.waitLoop(ctx, conn, &backoff)
		l.closeConn(conn)
		if ctx.Err() != nil || l.isStopped() {
			return
		}

		log.WithError(err).WithField("channel", notifyChannel).
			Warn("notification connection lost, reconnecting")

		// Loops fall back to polling while we are away; waking them now
		// bounds how stale they can get.
		l.fanOut()

		conn = l.reconnect(ctx, &backoff)
		if conn == nil {
			return
		}
	}
}

// waitLoop dispatches notifications until the connection fails or the
// listener stops.
func (l *NotificationListener) waitLoop(ctx context.Context, conn *pgx.Conn, backoff *time.Duration) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, listenerWaitTimeout)
		_, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// An idle timeout is normal; re-arm on the same connection.
			if waitCtx.Err() == context.DeadlineExceeded {
				continue
			}
			return err
		}

		notificationsTotal.Inc()
		*backoff = listenerInitialBackoff
		l.fanOut()
	}
}

// reconnect retries with doubling delay until it has a listening connection
// or the listener is stopped.
func (l *NotificationListener) reconnect(ctx context.Context, backoff *time.Duration) *pgx.Conn {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*backoff):
		}

		*backoff = nextBackoff(*backoff)

		conn, err := l.connect(ctx)
		if err == nil {
			listenerReconnectsTotal.Inc()
			log.WithField("channel", notifyChannel).Info("notification listener reconnected")
			// Writes may have committed while we were away; wake the loops so
			// they drain immediately rather than on the next poll.
			l.fanOut()
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		log.WithError(err).WithField("delay", *backoff).
			Warn("notification listener reconnect failed")
		l.fanOut()
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > listenerMaxBackoff {
		return listenerMaxBackoff
	}
	return next
}

// fanOut invokes every subscribed callback. A misbehaving callback never
// affects its siblings.
func (l *NotificationListener) fanOut() {
	l.mu.Lock()
	callbacks := make([]func(), 0, len(l.subs))
	for _, cb := range l.subs {
		callbacks = append(callbacks, cb)
	}
	l.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("notification callback panicked")
				}
			}()
			cb()
		}()
	}
}

func (l *NotificationListener) closeConn(conn *pgx.Conn) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if l.isStopped() {
		// Best-effort courtesy before close; the server drops the
		// subscription with the connection either way.
		conn.Exec(closeCtx, "UNLISTEN "+notifyChannel)
	}
	conn.Close(closeCtx)
}
