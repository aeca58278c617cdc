package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/cenkalti/backoff/v5"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection manager closed")
)

// State is the connection state reported by Manager.Status.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var connectedNotice = mustJSON(protocol.ConnectionNotice{Connected: true})

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// session is one Initialize..Disconnect lifetime and its connection loop.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
}

// clearKick drops a pending reconnect request.
func (s *session) clearKick() {
	select {
	case <-s.kick:
	default:
	}
}

// Manager keeps one connection to the relay alive. Reconnection is bounded by
// Config.MaxReconnectAttempts consecutive failures; once they are used up the
// manager stays disconnected until Initialize or ConnectUser is called again.
//
// Handlers run on the connection loop goroutine and must not call Disconnect.
type Manager struct {
	cfg       Config
	dialer    Dialer
	log       *slog.Logger
	subs      *Subscriptions
	heartbeat *HeartbeatMonitor
	now       func() time.Time

	mu        sync.Mutex
	state     State
	conn      Conn
	session   *session
	attempts  int
	exhausted bool
	identity  *protocol.UserConnect
	lastAck   time.Time

	writeMu sync.Mutex
}

// NewManager returns an idle manager; Initialize starts it.
func NewManager(cfg Config, dialer Dialer, log *slog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg.Sanitize(),
		dialer: dialer,
		log:    log.With("component", "client"),
		subs:   NewSubscriptions(),
		now:    time.Now,
	}
	m.heartbeat = NewHeartbeatMonitor(m.cfg.HeartbeatInterval, m.Connected, m.sendHeartbeat, m.requestReconnect,
		m.log.With("component", "heartbeat"))
	m.subs.Subscribe(protocol.EventHeartbeatAck, m.onHeartbeatAck)
	return m
}

// Initialize starts a session. It is a no-op while a session is connecting or
// connected, and restarts the connection loop with a fresh attempt budget
// once a previous session has exhausted its reconnects.
func (m *Manager) Initialize() {
	m.mu.Lock()
	if m.session != nil && !m.exhausted {
		m.mu.Unlock()
		return
	}
	previous := m.session

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	m.session = sess
	m.attempts = 0
	m.exhausted = false
	m.state = StateConnecting
	m.mu.Unlock()

	if previous != nil {
		previous.cancel()
		<-previous.done
	}

	m.heartbeat.Start()
	go m.loop(sess)
	m.log.Info("Connection manager started", "url", m.cfg.URL)
}

// ConnectUser claims address for this client. The claim is sent now when
// connected and again after every reconnect; when the transport is down it
// forces a connect. It reports whether the claim was sent immediately.
func (m *Manager) ConnectUser(address, userName string) bool {
	claim := protocol.UserConnect{Address: protocol.NormalizeAddress(address), UserName: userName}
	if claim.Address == "" {
		return false
	}

	m.mu.Lock()
	m.identity = &claim
	conn := m.liveConn()
	idle := m.session == nil || m.exhausted
	m.mu.Unlock()

	if conn != nil {
		if err := m.write(conn, protocol.EventUserConnect, claim); err == nil {
			return true
		}
	}
	if idle {
		m.Initialize()
		return false
	}
	m.requestReconnect()
	return false
}

// SendDirectMessage sends msg to the address to. It reports false when the
// transport is down, which also requests a reconnect.
func (m *Manager) SendDirectMessage(from, to, msg string) bool {
	return m.send(protocol.EventSendMessage, protocol.ChatMessage{
		Type:      protocol.KindDirect,
		From:      protocol.NormalizeAddress(from),
		FromName:  m.displayName(),
		To:        protocol.NormalizeAddress(to),
		Msg:       msg,
		Timestamp: m.now().UnixMilli(),
	})
}

// SendGroupMessage sends msg to every member of groupID.
func (m *Manager) SendGroupMessage(sender string, groupID protocol.ID, msg string) bool {
	return m.send(protocol.EventSendMessage, protocol.ChatMessage{
		Type:       protocol.KindGroup,
		Sender:     protocol.NormalizeAddress(sender),
		SenderName: m.displayName(),
		GroupID:    groupID,
		Msg:        msg,
		Timestamp:  m.now().UnixMilli(),
	})
}

// SendTypingIndicator signals typing to a peer address or, with a target built
// by protocol.GroupTarget, to a group.
func (m *Manager) SendTypingIndicator(from, to string, isTyping bool) bool {
	return m.send(protocol.EventTyping, protocol.Typing{
		From:     protocol.NormalizeAddress(from),
		To:       to,
		IsTyping: isTyping,
	})
}

// SendReadReceipt tells sender that reader has read messageID.
func (m *Manager) SendReadReceipt(messageID protocol.ID, reader, sender string) bool {
	return m.send(protocol.EventMessageRead, protocol.MessageRead{
		MessageID: messageID,
		Reader:    protocol.NormalizeAddress(reader),
		Sender:    protocol.NormalizeAddress(sender),
	})
}

// Subscribe registers fn for a server event, or for every event's connect
// notice. The returned func unsubscribes.
func (m *Manager) Subscribe(event string, fn Handler) func() {
	return m.subs.Subscribe(event, fn)
}

// Status returns the current connection state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a transport is up.
func (m *Manager) Connected() bool {
	return m.Status() == StateConnected
}

// Exhausted reports whether the current session gave up reconnecting.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// LastAck returns when the relay last acknowledged a heartbeat.
func (m *Manager) LastAck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAck
}

// Disconnect ends the session: the heartbeat is stopped first, then the
// transport is closed, then Disconnect waits for the connection loop to exit.
// The claimed identity is forgotten.
func (m *Manager) Disconnect() {
	m.heartbeat.Stop()

	m.mu.Lock()
	sess := m.session
	conn := m.conn
	m.session = nil
	m.conn = nil
	m.state = StateDisconnected
	m.exhausted = false
	m.attempts = 0
	m.identity = nil
	m.mu.Unlock()

	if sess == nil {
		return
	}
	sess.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-sess.done
	m.log.Info("Disconnected")
}

// loop is the only goroutine that dials. It serves each connection until it
// drops and then backs off, counting consecutive failures against the cap.
func (m *Manager) loop(sess *session) {
	defer close(sess.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectDelay
	bo.MaxInterval = m.cfg.ReconnectDelayMax
	bo.Reset()

	for {
		if sess.ctx.Err() != nil {
			return
		}
		m.setState(sess, StateConnecting)

		conn, err := m.dial(sess.ctx)
		// This attempt answers any reconnect requested while it was dialing.
		sess.clearKick()
		if err == nil {
			bo.Reset()
			m.serve(sess, conn)
		} else if sess.ctx.Err() == nil {
			m.log.Warn("Connection failed", "url", m.cfg.URL, "err", err)
		}
		if sess.ctx.Err() != nil {
			return
		}

		attempts := m.recordFailure(sess)
		if attempts > m.cfg.MaxReconnectAttempts {
			m.exhaust(sess, attempts-1)
			return
		}

		delay := bo.NextBackOff()
		m.log.Info("Reconnecting", "attempt", attempts, "max", m.cfg.MaxReconnectAttempts, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-sess.ctx.Done():
			timer.Stop()
			return
		case <-sess.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	return m.dialer.Dial(ctx, m.cfg.URL)
}

// serve publishes conn, announces the connection, re-claims the identity and
// reads until the transport fails.
func (m *Manager) serve(sess *session, conn Conn) {
	m.mu.Lock()
	if m.session != sess || sess.ctx.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	identity := m.identity
	m.mu.Unlock()
	sess.clearKick()

	m.log.Info("Connected", "url", m.cfg.URL)
	m.subs.DispatchAll(connectedNotice)

	if identity != nil {
		if err := m.write(conn, protocol.EventUserConnect, *identity); err != nil {
			m.log.Warn("Failed to claim identity", "address", identity.Address, "err", err)
		}
	}

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if sess.ctx.Err() == nil {
				m.log.Warn("Connection lost", "err", err)
			}
			break
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			m.log.Warn("Invalid frame from relay", "err", err)
			continue
		}
		m.subs.Dispatch(env.Event, env.Data)
	}

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	if m.session == sess {
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) setState(sess *session, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == sess {
		m.state = state
	}
}

func (m *Manager) recordFailure(sess *session) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != sess {
		return 0
	}
	m.attempts++
	return m.attempts
}

func (m *Manager) exhaust(sess *session, attempts int) {
	m.heartbeat.Stop()

	m.mu.Lock()
	if m.session == sess {
		m.exhausted = true
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	m.log.Error("Giving up on the relay", "url", m.cfg.URL, "reconnectAttempts", attempts)
}

// requestReconnect feeds a suspected transport failure into the loop. A live
// connection is closed so its read fails; an idle loop is woken to redial now.
// Nothing happens once reconnects are exhausted.
func (m *Manager) requestReconnect() {
	m.mu.Lock()
	sess := m.session
	exhausted := m.exhausted
	conn := m.liveConn()
	m.mu.Unlock()

	if sess == nil || exhausted {
		return
	}
	if conn != nil {
		_ = conn.Close()
		return
	}
	select {
	case sess.kick <- struct{}{}:
	default:
	}
}

// liveConn returns the connection when connected. Callers hold m.mu.
func (m *Manager) liveConn() Conn {
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

// Send writes one event to the relay. It fails with ErrClosed outside a
// session and with ErrNotConnected while the transport is down; any failure
// inside a session requests a reconnect.
func (m *Manager) Send(event string, payload any) error {
	err := m.trySend(event, payload)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrClosed) {
		m.requestReconnect()
	}
	return fmt.Errorf("send %s: %w", event, err)
}

func (m *Manager) send(event string, payload any) bool {
	if err := m.Send(event, payload); err != nil {
		m.log.Debug("Send failed", "err", err)
		return false
	}
	return true
}

func (m *Manager) trySend(event string, payload any) error {
	m.mu.Lock()
	running := m.session != nil
	conn := m.liveConn()
	m.mu.Unlock()

	switch {
	case !running:
		return ErrClosed
	case conn == nil:
		return ErrNotConnected
	}
	return m.write(conn, event, payload)
}

func (m *Manager) write(conn Conn, event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(frame)
}

func (m *Manager) sendHeartbeat() bool {
	err := m.trySend(protocol.EventHeartbeat, protocol.Heartbeat{Timestamp: m.now().UnixMilli()})
	return err == nil
}

func (m *Manager) onHeartbeatAck(payload json.RawMessage) {
	var ack protocol.HeartbeatAck
	if json.Unmarshal(payload, &ack) != nil || ack.Timestamp == 0 {
		return
	}
	m.mu.Lock()
	m.lastAck = m.now()
	m.mu.Unlock()
}

func (m *Manager) displayName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return ""
	}
	return m.identity.UserName
}
