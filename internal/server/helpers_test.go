package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelError)
}

// recordingTransport keeps every frame it is sent.
type recordingTransport struct {
	name   string
	mu     sync.Mutex
	frames [][]byte
}

func newTransport(name string) *recordingTransport {
	return &recordingTransport{name: name}
}

func (t *recordingTransport) Send(payload []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, payload)
	return true
}

func (t *recordingTransport) envelopes(tb testing.TB) []protocol.Envelope {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(t.frames))
	for _, frame := range t.frames {
		env, err := protocol.Decode(frame)
		require.NoError(tb, err)
		out = append(out, env)
	}
	return out
}

func (t *recordingTransport) named(tb testing.TB, event string) []protocol.Envelope {
	tb.Helper()
	var out []protocol.Envelope
	for _, env := range t.envelopes(tb) {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (t *recordingTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = nil
}

// listFanout broadcasts to a fixed list of transports.
type listFanout struct {
	transports []Transport
}

func (f *listFanout) Broadcast(payload []byte, except Transport) int {
	n := 0
	for _, t := range f.transports {
		if except != nil && t == except {
			continue
		}
		if t.Send(payload) {
			n++
		}
	}
	return n
}

type triggerCounter struct {
	n atomic.Int32
}

func (c *triggerCounter) Trigger() {
	c.n.Add(1)
}

// recordingDispatcher remembers disconnects reported by the hub.
type recordingDispatcher struct {
	mu           sync.Mutex
	disconnected []Transport
}

func (d *recordingDispatcher) Dispatch(context.Context, Transport, []byte) {}

func (d *recordingDispatcher) Disconnected(_ context.Context, t Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, t)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.disconnected)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func frame(tb testing.TB, event string, payload any) []byte {
	tb.Helper()
	raw, err := protocol.Encode(event, payload)
	require.NoError(tb, err)
	return raw
}

func decodeData[T any](tb testing.TB, env protocol.Envelope) T {
	tb.Helper()
	var v T
	require.NoError(tb, json.Unmarshal(env.Data, &v))
	return v
}
