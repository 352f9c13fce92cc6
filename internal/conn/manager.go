// Package conn owns the persistent signaling channel: one WebSocket at
// a time, the login handshake that gates all other traffic, reconnect
// scheduling, and fan-out of decoded inbound frames onto the bus.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onboardly/comms/internal/bus"
	"github.com/onboardly/comms/internal/proto"
	"github.com/onboardly/comms/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrChannelUnavailable means the socket is down. Message sends
	// fall back to the REST API; call frames have no fallback.
	ErrChannelUnavailable = errors.New("signaling channel unavailable")

	// ErrLoginFailed means the server rejected this identity. The
	// session is dead; queued frames are discarded.
	ErrLoginFailed = errors.New("login rejected")
)

// Manager owns the channel lifecycle. Components enqueue frames
// through Send but never touch the socket itself.
type Manager struct {
	selfID  string
	url     string
	policy  Policy
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu       sync.Mutex
	ws       *websocket.Conn
	gen      int // socket generation; stale read loops bail out
	loggedIn bool
	loginErr error
	pending  [][]byte // frames enqueued before login-success
	loginCh  chan error
	closed   bool

	writeMu sync.Mutex // gorilla allows one concurrent writer
}

// NewManager creates a manager for the given identity and endpoint.
func NewManager(selfID, url string, policy Policy, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		selfID:  selfID,
		url:     url,
		policy:  policy,
		bus:     b,
		machine: machine,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
	}
}

// Connect opens the channel and performs the login handshake. It
// returns only after the server acknowledged the login, or with
// ErrLoginFailed carrying the server-supplied reason.
func (m *Manager) Connect(ctx context.Context) error {
	_ = m.machine.Transition(status.Connecting)
	return m.connectOnce(ctx)
}

// connectOnce dials, replays login, and waits for the acknowledgment.
// The new socket replaces any previous one atomically.
func (m *Manager) connectOnce(ctx context.Context) error {
	ws, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.url, err)
	}

	loginCh := make(chan error, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ws.Close()
		return ErrChannelUnavailable
	}
	if m.ws != nil {
		_ = m.ws.Close()
	}
	m.ws = ws
	m.gen++
	gen := m.gen
	m.loggedIn = false
	m.loginCh = loginCh
	m.mu.Unlock()

	_ = m.machine.Transition(status.LoggingIn)
	go m.readLoop(ws, gen)

	if err := m.write(ws, &proto.Login{SenderID: m.selfID}); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	select {
	case err := <-loginCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	_ = m.machine.Transition(status.Ready)
	m.publish("conn.ready", nil)
	m.logger.Info("channel ready", zap.String("url", m.url))
	return nil
}

// Send enqueues one frame. Frames sent before login completes are
// queued and flushed on login-success; they are rejected wholesale if
// login errors.
func (m *Manager) Send(f proto.Frame) error {
	data, err := proto.Encode(f)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed || m.ws == nil {
		m.mu.Unlock()
		return ErrChannelUnavailable
	}
	if m.loginErr != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrLoginFailed, m.loginErr)
	}
	if !m.loggedIn {
		m.pending = append(m.pending, data)
		m.mu.Unlock()
		return nil
	}
	ws := m.ws
	m.mu.Unlock()

	return m.writeRaw(ws, data)
}

// Close shuts the channel down for good; no reconnect follows.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ws := m.ws
	m.ws = nil
	m.mu.Unlock()

	_ = m.machine.Transition(status.Closed)
	if ws != nil {
		return ws.Close()
	}
	return nil
}

// readLoop decodes inbound frames from one socket generation and routes
// them. It exits when its socket dies; only the current generation may
// schedule a reconnect.
func (m *Manager) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleClosed(gen, err)
			return
		}

		frame, err := proto.Decode(data)
		if err != nil {
			var unknown *proto.UnknownEventError
			if errors.As(err, &unknown) {
				m.logger.Warn("dropping unknown event", zap.String("event", unknown.Event))
			} else {
				m.logger.Warn("dropping malformed frame", zap.Error(err))
			}
			continue
		}

		m.dispatch(ws, frame)
	}
}

// dispatch routes one decoded frame. Login frames resolve the pending
// handshake; everything else is published as frame.<event>.
func (m *Manager) dispatch(ws *websocket.Conn, frame proto.Frame) {
	switch f := frame.(type) {
	case *proto.LoginSuccess:
		m.flushAndMarkLoggedIn(ws)
		m.mu.Lock()
		ch := m.loginCh
		m.mu.Unlock()
		if ch != nil {
			select {
			case ch <- nil:
			default:
			}
		}

	case *proto.LoginError:
		m.mu.Lock()
		m.loginErr = errors.New(f.Message)
		m.pending = nil
		ch := m.loginCh
		m.mu.Unlock()

		_ = m.machine.Transition(status.LoginFailed)
		m.publish("conn.login_failed", f.Message)
		m.logger.Error("login rejected", zap.String("reason", f.Message))
		if ch != nil {
			select {
			case ch <- fmt.Errorf("%w: %s", ErrLoginFailed, f.Message):
			default:
			}
		}

	default:
		m.publish("frame."+string(frame.FrameKind()), frame)
	}
}

// handleClosed reacts to a dead socket: one reconnect round per the
// injected policy, with login replayed on success. Conversation history
// is never replayed over the channel; subscribers to conn.ready
// re-fetch what they need.
func (m *Manager) handleClosed(gen int, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.loginErr != nil {
		m.mu.Unlock()
		return
	}
	m.ws = nil
	m.loggedIn = false
	m.mu.Unlock()

	m.logger.Warn("channel closed unexpectedly", zap.Error(cause))
	_ = m.machine.Transition(status.Reconnecting)
	m.publish("conn.down", nil)

	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		time.Sleep(m.policy.Backoff(attempt))

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		_ = m.machine.Transition(status.Connecting)
		if err := m.connectOnce(context.Background()); err != nil {
			m.logger.Error("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			if errors.Is(err, ErrLoginFailed) {
				return
			}
			_ = m.machine.Transition(status.Reconnecting)
			continue
		}
		return
	}

	m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", m.policy.MaxAttempts))
	m.publish("conn.dead", nil)
}

// flushAndMarkLoggedIn drains the pre-login queue in order, then opens
// the direct send path. Sends racing the flush keep landing in the
// queue and are picked up by the next pass, preserving order.
func (m *Manager) flushAndMarkLoggedIn(ws *websocket.Conn) {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.loggedIn = true
			m.mu.Unlock()
			return
		}
		queued := m.pending
		m.pending = nil
		m.mu.Unlock()

		for _, data := range queued {
			if err := m.writeRaw(ws, data); err != nil {
				m.logger.Warn("flush of queued frame failed", zap.Error(err))
				return
			}
		}
	}
}

func (m *Manager) write(ws *websocket.Conn, f proto.Frame) error {
	data, err := proto.Encode(f)
	if err != nil {
		return err
	}
	return m.writeRaw(ws, data)
}

func (m *Manager) writeRaw(ws *websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

func (m *Manager) publish(kind string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
