package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/matheus3301/matchsync/internal/auth"
	"github.com/matheus3301/matchsync/internal/bus"
	"github.com/matheus3301/matchsync/internal/status"
	"github.com/matheus3301/matchsync/internal/wire"
	appErrors "github.com/matheus3301/matchsync/pkg/errors"
	"go.uber.org/zap"
)

// Config bounds the reconnect policy.
type Config struct {
	// MaxAttempts is the number of consecutive failed dials before the
	// manager gives up with connection_failed.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns the reconnect policy used when none is configured.
func DefaultConfig() Config {
	return Config{MaxAttempts: 10, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	switch {
	case c.MaxAttempts <= 0:
		c.MaxAttempts = d.MaxAttempts
	case c.MaxAttempts < 2:
		// At least one retry is always made.
		c.MaxAttempts = 2
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(d.MaxDelay, c.BaseDelay)
	}
	return c
}

// Backoff returns the delay before retry number attempt (1-based):
// BaseDelay doubled per attempt, capped at MaxDelay.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay || d <= 0 {
			return c.MaxDelay
		}
	}
	return min(d, c.MaxDelay)
}

// LifecycleKind names a connection lifecycle notification.
type LifecycleKind string

const (
	LifecycleConnected        LifecycleKind = "connected"
	LifecycleReconnecting     LifecycleKind = "reconnecting"
	LifecycleDisconnected     LifecycleKind = "disconnected"
	LifecycleConnectionFailed LifecycleKind = "connection_failed"
)

// Lifecycle is delivered to lifecycle handlers on every transition of the
// session.
type Lifecycle struct {
	Kind LifecycleKind
	// Reconnected is set on connected when the session had been up before.
	Reconnected bool
	// Attempt is the failed dial count when Kind is reconnecting.
	Attempt int
	Err     error
}

// Handler receives the raw payload of one inbound event.
type Handler func(data json.RawMessage)

// LifecycleHandler receives lifecycle notifications.
type LifecycleHandler func(Lifecycle)

type eventHandler struct {
	id int
	fn Handler
}

type lifecycleHandler struct {
	id int
	fn LifecycleHandler
}

// Manager owns the single realtime session of the process. Inbound frames
// and lifecycle notifications are dispatched serially from the session
// goroutine, so handlers observe events in arrival order and must not block
// on the manager (Disconnect from inside a handler deadlocks).
type Manager struct {
	cfg       Config
	transport Transport
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger

	// lifeMu serializes Connect and Disconnect so session goroutines never
	// overlap.
	lifeMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	conn   Conn

	hmu       sync.RWMutex
	nextID    int
	handlers  map[string][]eventHandler
	lifecycle []lifecycleHandler
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config, transport Transport, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg.normalized(),
		transport: transport,
		machine:   machine,
		bus:       b,
		logger:    logger,
		handlers:  make(map[string][]eventHandler),
	}
}

// Connect starts a session for the identity carried by token. It returns as
// soon as the session goroutine is running; the outcome is reported through
// lifecycle handlers and Status. Connect on a live session is a no-op.
// A previous session that gave up is waited for first, so its final
// lifecycle events are delivered before the new session's. Like Disconnect,
// Connect must not be called from a handler.
func (m *Manager) Connect(token string) error {
	userID, err := auth.UserIDFromToken(token)
	if err != nil {
		return err
	}

	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	if m.machine.Current() != status.Disconnected {
		m.mu.Unlock()
		return nil
	}
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.machine.Transition(status.Connecting); err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "start realtime session", err)
	}
	m.machine.SetSessionUser(userID)
	m.machine.SetError(nil)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.logger.Info("realtime connecting", zap.String("user_id", userID))
	go m.run(ctx, token, userID, m.done)
	return nil
}

// Disconnect ends the session and waits until the manager is Disconnected.
// Calling it on an already disconnected manager does nothing.
func (m *Manager) Disconnect() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Status returns the current connection record.
func (m *Manager) Status() status.Connection {
	return m.machine.Snapshot()
}

// Connected reports whether a session is established right now.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// On registers a handler for inbound frames of the given event. The returned
// function removes it and is safe to call more than once.
func (m *Manager) On(event string, fn Handler) func() {
	m.hmu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[event] = append(m.handlers[event], eventHandler{id: id, fn: fn})
	m.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hmu.Lock()
			defer m.hmu.Unlock()
			hs := m.handlers[event]
			for i, h := range hs {
				if h.id == id {
					m.handlers[event] = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
			if len(m.handlers[event]) == 0 {
				delete(m.handlers, event)
			}
		})
	}
}

// OnLifecycle registers a lifecycle handler. The returned function removes it.
func (m *Manager) OnLifecycle(fn LifecycleHandler) func() {
	m.hmu.Lock()
	id := m.nextID
	m.nextID++
	m.lifecycle = append(m.lifecycle, lifecycleHandler{id: id, fn: fn})
	m.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hmu.Lock()
			defer m.hmu.Unlock()
			for i, h := range m.lifecycle {
				if h.id == id {
					m.lifecycle = append(m.lifecycle[:i:i], m.lifecycle[i+1:]...)
					break
				}
			}
		})
	}
}

// HandlerCount returns the number of frame handlers registered for event.
func (m *Manager) HandlerCount(event string) int {
	m.hmu.RLock()
	defer m.hmu.RUnlock()
	return len(m.handlers[event])
}

// Emit sends one event on the live session. A write failure closes the
// session so the reconnect path takes over.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return appErrors.ErrNotConnected
	}

	f, err := wire.NewFrame(event, payload)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInvalidArgument, "encode "+event, err)
	}
	if err := conn.WriteFrame(f); err != nil {
		m.logger.Warn("emit failed", zap.String("event", event), zap.Error(err))
		_ = conn.Close()
		return appErrors.ErrEmitFailed(event, err)
	}
	return nil
}

func (m *Manager) run(ctx context.Context, token, userID string, done chan struct{}) {
	defer close(done)

	attempt := 0
	everConnected := false
	for {
		conn, err := m.transport.Dial(ctx, token, userID)
		if err != nil {
			if ctx.Err() != nil {
				m.finish(nil)
				return
			}
			attempt++
			dialErr := appErrors.ErrDialFailed(err)
			m.machine.SetError(dialErr)
			if attempt >= m.cfg.MaxAttempts {
				m.logger.Error("realtime connection failed",
					zap.Int("attempts", attempt), zap.Error(err))
				m.finish(dialErr)
				return
			}
			delay := m.cfg.Backoff(attempt)
			m.logger.Warn("realtime dial failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
			m.reconnecting(attempt, dialErr)
			if !sleepCtx(ctx, delay) {
				m.finish(nil)
				return
			}
			continue
		}

		attempt = 0
		m.setConn(conn)
		m.machine.SetError(nil)
		if err := m.machine.Transition(status.Connected); err != nil {
			m.logger.Error("unexpected state on connect", zap.Error(err))
		}
		m.logger.Info("realtime connected",
			zap.String("user_id", userID), zap.Bool("reconnected", everConnected))
		m.publish(bus.KindConnected, nil)

		if err := m.Emit(wire.EventUserOnline, wire.UserOnline{UserID: userID}); err != nil {
			m.logger.Warn("announce presence", zap.Error(err))
		}
		m.dispatchLifecycle(Lifecycle{Kind: LifecycleConnected, Reconnected: everConnected})
		everConnected = true

		readErr := m.readLoop(ctx, conn)
		m.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			m.finish(nil)
			return
		}

		lost := appErrors.Transport("realtime connection lost", readErr)
		m.machine.SetError(lost)
		m.logger.Warn("realtime connection lost", zap.Error(readErr))
		m.reconnecting(0, lost)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		m.dispatchFrame(f)
	}
}

func (m *Manager) reconnecting(attempt int, err error) {
	if m.machine.Current() != status.Reconnecting {
		if terr := m.machine.Transition(status.Reconnecting); terr != nil {
			m.logger.Error("unexpected state on reconnect", zap.Error(terr))
		}
	}
	m.publish(bus.KindReconnecting, attempt)
	m.dispatchLifecycle(Lifecycle{Kind: LifecycleReconnecting, Attempt: attempt, Err: err})
}

// finish moves the session to Disconnected. A non-nil err reports that the
// retry ceiling was reached.
func (m *Manager) finish(err error) {
	if m.machine.Current() != status.Disconnected {
		if terr := m.machine.Transition(status.Disconnected); terr != nil {
			m.logger.Error("unexpected state on disconnect", zap.Error(terr))
		}
	}
	if err != nil {
		m.publish(bus.KindConnectionFailed, err)
		m.dispatchLifecycle(Lifecycle{Kind: LifecycleConnectionFailed, Err: err})
	}
	m.publish(bus.KindDisconnected, nil)
	m.dispatchLifecycle(Lifecycle{Kind: LifecycleDisconnected, Err: err})
	m.logger.Info("realtime disconnected")
}

func (m *Manager) setConn(c Conn) {
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
}

func (m *Manager) publish(kind string, payload any) {
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(kind, payload))
	}
}

func (m *Manager) dispatchFrame(f wire.Frame) {
	m.hmu.RLock()
	hs := append([]eventHandler(nil), m.handlers[f.Event]...)
	m.hmu.RUnlock()

	if len(hs) == 0 {
		m.logger.Debug("unhandled event", zap.String("event", f.Event))
		return
	}
	for _, h := range hs {
		m.safeCall(f.Event, func() { h.fn(f.Data) })
	}
}

func (m *Manager) dispatchLifecycle(l Lifecycle) {
	m.hmu.RLock()
	hs := append([]lifecycleHandler(nil), m.lifecycle...)
	m.hmu.RUnlock()

	for _, h := range hs {
		m.safeCall(string(l.Kind), func() { h.fn(l) })
	}
}

func (m *Manager) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panicked", zap.String("event", name), zap.Any("panic", r))
		}
	}()
	fn()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
