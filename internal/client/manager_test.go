package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tyrowin/chatrelay/internal/client"
	"github.com/Tyrowin/chatrelay/internal/client/mocks"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const relayURL = "ws://relay.test/ws"

// fakeConn is an in-memory relay session. Frames pushed with deliver are read
// by the manager; every frame the manager tries to write is recorded, even
// after Close.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []protocol.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case raw := <-c.inbound:
		return raw, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(payload []byte) error {
	env, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()

	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	c.inbound <- raw
}

func (c *fakeConn) sent(event string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.written {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func testConfig() client.Config {
	return client.Config{
		URL:                  relayURL,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       time.Millisecond,
		ReconnectDelayMax:    5 * time.Millisecond,
		DialTimeout:          time.Second,
		HeartbeatInterval:    time.Hour,
	}
}

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelError)
}

func TestManager_StopsAfterMaxReconnectAttempts(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	cfg := testConfig()

	var dials atomic.Int32
	// Given a relay that never answers
	dialer.EXPECT().Dial(gomock.Any(), relayURL).DoAndReturn(
		func(context.Context, string) (client.Conn, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		}).Times(cfg.MaxReconnectAttempts + 1)

	manager := client.NewManager(cfg, dialer, testLogger())
	defer manager.Disconnect()

	// When the manager starts
	manager.Initialize()

	// Then it gives up after the initial dial plus every allowed retry
	req.Eventually(manager.Exhausted, 2*time.Second, time.Millisecond)
	req.Equal(client.StateDisconnected, manager.Status())

	// And neither sends nor a second Initialize of a live session dial again
	req.False(manager.SendDirectMessage("0xalice", "0xbob", "hello"))
	req.ErrorIs(manager.Send(protocol.EventHeartbeat, protocol.Heartbeat{}), client.ErrNotConnected)
	time.Sleep(30 * time.Millisecond)
	req.EqualValues(cfg.MaxReconnectAttempts+1, dials.Load())
	req.Equal(client.StateDisconnected, manager.Status())
}

func TestManager_ConnectNotifiesEverySubscriber(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	conn := newFakeConn()
	dialer.EXPECT().Dial(gomock.Any(), relayURL).Return(conn, nil).Times(1)

	manager := client.NewManager(testConfig(), dialer, testLogger())
	defer manager.Disconnect()

	notices := make(chan string, 4)
	for _, event := range []string{protocol.EventNewMessage, protocol.EventUsersStatus} {
		manager.Subscribe(event, func(payload json.RawMessage) {
			var notice protocol.ConnectionNotice
			if json.Unmarshal(payload, &notice) == nil && notice.Connected {
				notices <- event
			}
		})
	}

	manager.Initialize()
	manager.Initialize()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case event := <-notices:
			got[event] = true
		case <-time.After(2 * time.Second):
			t.Fatal("connect notice not delivered")
		}
	}
	req.True(got[protocol.EventNewMessage])
	req.True(got[protocol.EventUsersStatus])
	req.Equal(client.StateConnected, manager.Status())
}

func TestManager_DispatchesServerEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	conn := newFakeConn()
	dialer.EXPECT().Dial(gomock.Any(), relayURL).Return(conn, nil).Times(1)

	manager := client.NewManager(testConfig(), dialer, testLogger())
	defer manager.Disconnect()

	received := make(chan protocol.ChatMessage, 1)
	manager.Subscribe(protocol.EventNewMessage, func(payload json.RawMessage) {
		var msg protocol.ChatMessage
		if json.Unmarshal(payload, &msg) == nil && msg.Msg != "" {
			received <- msg
		}
	})
	manager.Initialize()
	require.Eventually(t, manager.Connected, 2*time.Second, time.Millisecond)

	conn.inbound <- []byte("garbage")
	conn.deliver(t, protocol.EventNewMessage, protocol.ChatMessage{Type: protocol.KindDirect, From: "0xbob", To: "0xalice", Msg: "hey"})

	select {
	case msg := <-received:
		require.Equal(t, "0xbob", msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("new_message not dispatched")
	}
}

func TestManager_ConnectUserClaimsNowAndAfterReconnect(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	first := newFakeConn()
	second := newFakeConn()
	gomock.InOrder(
		dialer.EXPECT().Dial(gomock.Any(), relayURL).Return(first, nil),
		dialer.EXPECT().Dial(gomock.Any(), relayURL).Return(second, nil),
	)

	manager := client.NewManager(testConfig(), dialer, testLogger())
	defer manager.Disconnect()

	// Given a claim made before the manager was started
	req.False(manager.ConnectUser("0xAlice", "Alice"))

	// Then it connects and sends the claim on the first connection
	req.Eventually(func() bool { return len(first.sent(protocol.EventUserConnect)) == 1 }, 2*time.Second, time.Millisecond)
	var claim protocol.UserConnect
	req.NoError(json.Unmarshal(first.sent(protocol.EventUserConnect)[0].Data, &claim))
	req.Equal(protocol.UserConnect{Address: "0xalice", UserName: "Alice"}, claim)

	// When the relay drops the connection
	_ = first.Close()

	// Then the identity is claimed again on the new connection
	req.Eventually(func() bool { return len(second.sent(protocol.EventUserConnect)) == 1 }, 2*time.Second, time.Millisecond)
	req.Eventually(manager.Connected, 2*time.Second, time.Millisecond)

	req.True(manager.SendGroupMessage("0xalice", "7", "hi group"))
	sent := second.sent(protocol.EventSendMessage)
	req.Len(sent, 1)
	var msg protocol.ChatMessage
	req.NoError(json.Unmarshal(sent[0].Data, &msg))
	req.Equal(protocol.KindGroup, msg.Type)
	req.Equal(protocol.ID("7"), msg.GroupID)
	req.Equal("Alice", msg.SenderName)
	req.NotZero(msg.Timestamp)
}

func TestManager_SendWithoutSession(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	manager := client.NewManager(testConfig(), mocks.NewMockDialer(ctrl), testLogger())

	req.False(manager.SendDirectMessage("0xalice", "0xbob", "hi"))
	req.False(manager.SendTypingIndicator("0xalice", "0xbob", true))
	req.False(manager.SendReadReceipt("1", "0xalice", "0xbob"))
	req.ErrorIs(manager.Send(protocol.EventTyping, protocol.Typing{}), client.ErrClosed)
	req.Equal(client.StateDisconnected, manager.Status())
	req.False(manager.ConnectUser("   ", "nobody"))

	manager.Disconnect()
}

func TestManager_NoHeartbeatAfterDisconnect(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	conn := newFakeConn()
	dialer.EXPECT().Dial(gomock.Any(), relayURL).Return(conn, nil).Times(1)

	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	manager := client.NewManager(cfg, dialer, testLogger())
	manager.Initialize()

	req.Eventually(func() bool { return len(conn.sent(protocol.EventHeartbeat)) >= 2 }, 2*time.Second, time.Millisecond)
	conn.deliver(t, protocol.EventHeartbeatAck, protocol.HeartbeatAck{Timestamp: 1})
	req.Eventually(func() bool { return !manager.LastAck().IsZero() }, 2*time.Second, time.Millisecond)

	manager.Disconnect()
	beats := len(conn.sent(protocol.EventHeartbeat))
	req.True(conn.isClosed())
	req.Equal(client.StateDisconnected, manager.Status())

	time.Sleep(40 * time.Millisecond)
	req.Len(conn.sent(protocol.EventHeartbeat), beats)
}

func TestManager_HeartbeatTriggersReconnect(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	first := newFakeConn()
	second := newFakeConn()
	gomock.InOrder(
		dialer.EXPECT().Dial(gomock.Any(), relayURL).Return(first, nil),
		dialer.EXPECT().Dial(gomock.Any(), relayURL).Return(second, nil),
	)

	// Given a reconnect delay far longer than the test
	cfg := testConfig()
	cfg.ReconnectDelay = time.Hour
	cfg.ReconnectDelayMax = time.Hour
	cfg.HeartbeatInterval = 10 * time.Millisecond
	manager := client.NewManager(cfg, dialer, testLogger())
	defer manager.Disconnect()

	manager.Initialize()
	req.Eventually(manager.Connected, 2*time.Second, time.Millisecond)

	// When the transport drops
	_ = first.Close()

	// Then the heartbeat wakes the loop and it redials without waiting
	req.Eventually(func() bool { return len(second.sent(protocol.EventHeartbeat)) >= 1 }, 2*time.Second, time.Millisecond)
	req.False(manager.Exhausted())
}

func TestManager_ConnectUserRestartsExhaustedManager(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	conn := newFakeConn()

	cfg := testConfig()
	cfg.MaxReconnectAttempts = 0
	gomock.InOrder(
		dialer.EXPECT().Dial(gomock.Any(), relayURL).Return(nil, errors.New("down")),
		dialer.EXPECT().Dial(gomock.Any(), relayURL).Return(conn, nil),
	)

	manager := client.NewManager(cfg, dialer, testLogger())
	defer manager.Disconnect()

	manager.Initialize()
	req.Eventually(manager.Exhausted, 2*time.Second, time.Millisecond)

	manager.ConnectUser("0xalice", "")
	req.Eventually(func() bool { return len(conn.sent(protocol.EventUserConnect)) == 1 }, 2*time.Second, time.Millisecond)
	req.False(manager.Exhausted())
	req.Equal(client.StateConnected, manager.Status())
}

// TestManager_ConcurrentInitializeStartsOneLoop races many Initialize calls
// and expects a single dial and a single connect notice.
func TestManager_ConcurrentInitializeStartsOneLoop(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	conn := newFakeConn()
	dialer.EXPECT().Dial(gomock.Any(), relayURL).Return(conn, nil).Times(1)

	manager := client.NewManager(testConfig(), dialer, testLogger())
	defer manager.Disconnect()

	var notices atomic.Int32
	manager.Subscribe(protocol.EventNewMessage, func(payload json.RawMessage) {
		if client.IsConnectionNotice(payload) {
			notices.Add(1)
		}
	})

	const callers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			manager.Initialize()
		}()
	}
	close(start)
	wg.Wait()

	req.Eventually(manager.Connected, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	req.EqualValues(1, notices.Load())
	req.Equal(client.StateConnected, manager.Status())
}

// TestManager_SendDuringDialKeepsBackoff checks that a reconnect requested
// while a dial is in flight does not cut the following backoff short.
func TestManager_SendDuringDialKeepsBackoff(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)

	dialing := make(chan struct{})
	release := make(chan struct{})
	var dials atomic.Int32
	dialer.EXPECT().Dial(gomock.Any(), relayURL).DoAndReturn(
		func(ctx context.Context, _ string) (client.Conn, error) {
			if dials.Add(1) == 1 {
				close(dialing)
				select {
				case <-release:
				case <-ctx.Done():
				}
			}
			return nil, errors.New("connection refused")
		}).AnyTimes()

	// Given a reconnect delay far longer than the test
	cfg := testConfig()
	cfg.ReconnectDelay = time.Hour
	cfg.ReconnectDelayMax = time.Hour
	manager := client.NewManager(cfg, dialer, testLogger())
	defer manager.Disconnect()

	manager.Initialize()
	select {
	case <-dialing:
	case <-time.After(2 * time.Second):
		t.Fatal("manager never dialed")
	}

	// When a send fails while the first dial is still pending
	req.False(manager.SendDirectMessage("0xalice", "0xbob", "hello"))
	close(release)

	// Then the failed dial is followed by the backoff, not an immediate redial
	time.Sleep(100 * time.Millisecond)
	req.EqualValues(1, dials.Load())
	req.False(manager.Exhausted())
	req.Equal(client.StateConnecting, manager.Status())

	// And a request made during the backoff still redials at once
	req.False(manager.SendDirectMessage("0xalice", "0xbob", "again"))
	req.Eventually(func() bool { return dials.Load() == 2 }, 2*time.Second, time.Millisecond)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "disconnected", client.StateDisconnected.String())
	require.Equal(t, "connecting", client.StateConnecting.String())
	require.Equal(t, "connected", client.StateConnected.String())
}
