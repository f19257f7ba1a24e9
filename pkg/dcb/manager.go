package dcb

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// ManagerConfig configures a ProjectionManager. Pool, Store, ConnString and
// Projections are required; everything else has defaults.
type ManagerConfig struct {
	// Pool is the manager's own pool for read-model writes. It is deliberately
	// separate from the store's pool: projection writes tune differently from
	// appends, and catch-up must not starve writers.
	Pool *pgxpool.Pool

	// Store is the event store the loops stream from.
	Store EventStore

	// ConnString is used for the dedicated LISTEN connection and, in
	// single-instance mode, for the per-projection lock connections.
	ConnString string

	Projections []ProjectionDefinition

	// OnError fires when a projection exhausts its retries. OnRetry fires
	// before each retry. OnStatusChange fires on every transition. All three
	// are isolated: a panicking callback is logged and swallowed.
	OnError        func(name string, err error)
	OnRetry        func(name string, attempt int, err error, nextDelay time.Duration)
	OnStatusChange func(name string, from, to ProjectionStatus)

	MaxRetries      int           // default 3
	RetryDelay      time.Duration // default 500ms
	StreamBatchSize int           // default 100
	PollInterval    time.Duration // default 5s
	SetupTimeout    time.Duration // default 30s; exceeding it fails Initialize

	// SingleInstance guards each projection with a session advisory lock so
	// only one process in a fleet runs it. A loop that loses the race exits
	// silently.
	SingleInstance bool

	// DryRun runs handlers against the real database but rolls every
	// transaction back and never advances checkpoints.
	DryRun bool
}

// ProjectionManager runs a set of projections: it owns their schema setup,
// their checkpoint rows, the shared notification listener and one loop per
// projection.
type ProjectionManager struct {
	cfg      ManagerConfig
	listener *NotificationListener

	mu        sync.Mutex
	loops     map[string]*projectionLoop
	unsubs    map[string]func()
	lockConns map[string]*pgx.Conn
	wg        sync.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool
}

// NewProjectionManager validates the configuration and the projection
// definitions and returns a manager ready for Initialize.
func NewProjectionManager(cfg ManagerConfig) (*ProjectionManager, error) {
	if cfg.Pool == nil || cfg.Store == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "newProjectionManager",
				Err: fmt.Errorf("pool and store are required"),
			},
			Field: "config",
			Value: "nil",
		}
	}
	if cfg.ConnString == "" {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "newProjectionManager",
				Err: fmt.Errorf("connection string for the listener is required"),
			},
			Field: "connString",
			Value: "empty",
		}
	}
	if len(cfg.Projections) == 0 {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "newProjectionManager",
				Err: fmt.Errorf("at least one projection is required"),
			},
			Field: "projections",
			Value: "empty",
		}
	}
	seen := make(map[string]bool, len(cfg.Projections))
	for i, def := range cfg.Projections {
		validated, err := DefineProjection(def)
		if err != nil {
			return nil, err
		}
		if seen[validated.Name] {
			return nil, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "newProjectionManager",
					Err: fmt.Errorf("duplicate projection name %q", validated.Name),
				},
				Field: "name",
				Value: validated.Name,
			}
		}
		seen[validated.Name] = true
		cfg.Projections[i] = validated
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.StreamBatchSize <= 0 {
		cfg.StreamBatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 30 * time.Second
	}

	return &ProjectionManager{
		cfg:       cfg,
		listener:  NewNotificationListener(cfg.ConnString),
		loops:     make(map[string]*projectionLoop),
		unsubs:    make(map[string]func()),
		lockConns: make(map[string]*pgx.Conn),
	}, nil
}

// Initialize applies the projection schema and each projection's setup,
// creates missing checkpoint rows and starts the notification listener. It is
// idempotent apart from listener startup, which must happen exactly once.
//
// The listener is subscribed before any loop begins catch-up; that ordering
// is what makes catch-up → live gap-free.
func (m *ProjectionManager) Initialize(ctx context.Context) error {
	if err := applySchemaStatements(ctx, m.cfg.Pool, projectionSchemaStatements); err != nil {
		return err
	}

	for _, def := range m.cfg.Projections {
		if def.Setup == nil {
			continue
		}
		setupCtx, cancel := context.WithTimeout(ctx, m.cfg.SetupTimeout)
		err := def.Setup(setupCtx, m.cfg.Pool)
		cancel()
		if err != nil {
			return &EventStoreError{
				Op:  "initialize",
				Err: fmt.Errorf("setup for projection %q failed: %w", def.Name, err),
			}
		}
	}

	for _, def := range m.cfg.Projections {
		if _, err := m.cfg.Pool.Exec(ctx,
			`INSERT INTO projection_checkpoints (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
			def.Name,
		); err != nil {
			return &EventStoreError{
				Op:  "initialize",
				Err: fmt.Errorf("failed to create checkpoint for %q: %w", def.Name, err),
			}
		}
	}

	return m.listener.Start(ctx)
}

// Start spawns one loop per projection. It may be called only once. A loop
// failure never escapes to the caller: the loop records its error state and
// its siblings keep running.
func (m *ProjectionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return &EventStoreError{
			Op:  "start",
			Err: fmt.Errorf("projection manager already started"),
		}
	}
	m.started = true
	m.runCtx, m.runCancel = context.WithCancel(context.Background())

	for _, def := range m.cfg.Projections {
		if err := m.spawnLoopLocked(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// spawnLoopLocked creates, registers and launches one loop. Caller holds m.mu.
func (m *ProjectionManager) spawnLoopLocked(ctx context.Context, def ProjectionDefinition) error {
	if m.cfg.SingleInstance {
		acquired, conn, err := m.acquireInstanceLock(ctx, def.Name)
		if err != nil {
			return err
		}
		if !acquired {
			// Another process owns this projection; its lock is released when
			// that process's connection closes.
			log.WithField("projection", def.Name).
				Info("projection owned by another instance, skipping")
			loop := newProjectionLoop(def, m.cfg.Store, m.cfg.Pool, m.loopConfig(), 0)
			loop.setStatus(StatusStopped)
			m.loops[def.Name] = loop
			return nil
		}
		m.lockConns[def.Name] = conn
	}

	lastPosition, err := m.readCheckpoint(ctx, def.Name)
	if err != nil {
		return err
	}

	loop := newProjectionLoop(def, m.cfg.Store, m.cfg.Pool, m.loopConfig(), lastPosition)
	m.loops[def.Name] = loop
	m.unsubs[def.Name] = m.listener.Subscribe(loop.Notify)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		loop.run(m.runCtx)
	}()
	return nil
}

func (m *ProjectionManager) loopConfig() loopConfig {
	return loopConfig{
		maxRetries:      m.cfg.MaxRetries,
		retryDelay:      m.cfg.RetryDelay,
		pollInterval:    m.cfg.PollInterval,
		streamBatchSize: m.cfg.StreamBatchSize,
		dryRun:          m.cfg.DryRun,
		onError:         m.cfg.OnError,
		onRetry:         m.cfg.OnRetry,
		onStatusChange:  m.cfg.OnStatusChange,
	}
}

// acquireInstanceLock takes the named session advisory lock for a projection
// on a dedicated connection. The lock lives as long as the connection, which
// is exactly the fencing we want.
func (m *ProjectionManager) acquireInstanceLock(ctx context.Context, name string) (bool, *pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, m.cfg.ConnString)
	if err != nil {
		return false, nil, &EventStoreError{
			Op:  "start",
			Err: fmt.Errorf("failed to open lock connection for %q: %w", name, err),
		}
	}
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", instanceLockKey(name)).Scan(&acquired); err != nil {
		conn.Close(ctx)
		return false, nil, &EventStoreError{
			Op:  "start",
			Err: fmt.Errorf("failed to acquire instance lock for %q: %w", name, err),
		}
	}
	if !acquired {
		conn.Close(ctx)
		return false, nil, nil
	}
	return true, conn, nil
}

func instanceLockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("dcb:projection:" + name))
	return int64(h.Sum64())
}

func (m *ProjectionManager) readCheckpoint(ctx context.Context, name string) (int64, error) {
	var lastPosition int64
	err := m.cfg.Pool.QueryRow(ctx,
		`SELECT COALESCE(last_position, 0) FROM projection_checkpoints WHERE name = $1`,
		name,
	).Scan(&lastPosition)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, &EventStoreError{
			Op:  "readCheckpoint",
			Err: fmt.Errorf("failed to read checkpoint for %q: %w", name, err),
		}
	}
	return lastPosition, nil
}

// Stop signals every loop, waits for them to finish, stops the listener and
// releases the single-instance lock connections. Cancellation is cooperative:
// in-flight handlers run to completion.
func (m *ProjectionManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	loops := make([]*projectionLoop, 0, len(m.loops))
	for _, loop := range m.loops {
		loops = append(loops, loop)
	}
	m.mu.Unlock()

	for _, loop := range loops {
		loop.Stop()
	}

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return &EventStoreError{
			Op:  "stop",
			Err: fmt.Errorf("timed out waiting for projection loops: %w", ctx.Err()),
		}
	}

	if m.runCancel != nil {
		m.runCancel()
	}
	m.listener.Stop(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, conn := range m.lockConns {
		conn.Close(ctx)
		delete(m.lockConns, name)
	}
	return nil
}

// WaitUntilLive blocks until every loop has settled: live, errored or
// stopped. The usual caller is startup code that must not serve reads from a
// half-caught-up model.
func (m *ProjectionManager) WaitUntilLive(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		settled := true
		for _, state := range m.GetStatus() {
			if state.Status != StatusLive && !state.Status.terminal() {
				settled = false
				break
			}
		}
		if settled {
			return nil
		}
		if time.Now().After(deadline) {
			return &EventStoreError{
				Op:  "waitUntilLive",
				Err: fmt.Errorf("projections not live after %s", timeout),
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForPosition blocks until the named projection's checkpoint reaches the
// target position. This is the synchronisation point for
// write-followed-by-query reads and for tests.
func (m *ProjectionManager) WaitForPosition(ctx context.Context, name string, target int64, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		position, err := m.readCheckpoint(ctx, name)
		if err != nil {
			return err
		}
		if position >= target {
			return nil
		}
		if time.Now().After(deadline) {
			return &EventStoreError{
				Op:  "waitForPosition",
				Err: fmt.Errorf("projection %q at position %d, target %d not reached after %s", name, position, target, timeout),
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Restart replaces an errored loop with a fresh one resuming from the
// persisted checkpoint. Only loops in the error state can be restarted; the
// checkpoint never moves backwards.
func (m *ProjectionManager) Restart(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	loop, ok := m.loops[name]
	if !ok {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "restart",
				Err: fmt.Errorf("unknown projection %q", name),
			},
			Field: "name",
			Value: name,
		}
	}
	state := loop.Snapshot()
	if state.Status != StatusError {
		return &EventStoreError{
			Op:  "restart",
			Err: fmt.Errorf("projection %q is %s, only errored projections can be restarted", name, state.Status),
		}
	}

	if unsub := m.unsubs[name]; unsub != nil {
		unsub()
	}

	var def ProjectionDefinition
	for _, d := range m.cfg.Projections {
		if d.Name == name {
			def = d
			break
		}
	}

	lastPosition, err := m.readCheckpoint(ctx, name)
	if err != nil {
		return err
	}
	// In-memory progress may be ahead of an unflushed checkpoint in dry-run;
	// never rewind past what this process already handled.
	if state.LastPosition > lastPosition {
		lastPosition = state.LastPosition
	}

	fresh := newProjectionLoop(def, m.cfg.Store, m.cfg.Pool, m.loopConfig(), lastPosition)
	m.loops[name] = fresh
	m.unsubs[name] = m.listener.Subscribe(fresh.Notify)

	log.WithFields(log.Fields{"projection": name, "position": lastPosition}).
		Info("restarting projection")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fresh.run(m.runCtx)
	}()
	return nil
}

// GetStatus returns a snapshot of every loop's state. The snapshots are
// copies; mutating them has no effect on the runtime.
func (m *ProjectionManager) GetStatus() map[string]ProjectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ProjectionState, len(m.loops))
	for name, loop := range m.loops {
		out[name] = loop.Snapshot()
	}
	return out
}
