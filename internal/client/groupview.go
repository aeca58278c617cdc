package client

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/samber/lo"
)

// TypingTimeout is how long a typing signal stays valid without a refresh.
const TypingTimeout = 3 * time.Second

// Subscriber is anything events can be subscribed on; both Manager and
// Subscriptions qualify.
type Subscriber interface {
	Subscribe(event string, fn Handler) func()
}

// GroupView selects the traffic of a single group. The relay broadcasts group
// messages and group typing to every connected client, so each receiver drops
// what is not addressed to its own group.
type GroupView struct {
	GroupID protocol.ID
}

// AcceptMessage reports whether msg belongs to the view's group.
func (v GroupView) AcceptMessage(msg protocol.GroupMessage) bool {
	return msg.GroupID.Matches(v.GroupID)
}

// AcceptTyping reports whether signal targets the view's group. Direct
// typing signals are never accepted.
func (v GroupView) AcceptTyping(signal protocol.UserTyping) bool {
	id, ok := protocol.ParseGroupTarget(signal.To)
	return ok && id.Matches(v.GroupID)
}

// Attach subscribes filtered callbacks on s. Either callback may be nil. The
// returned func removes both subscriptions.
func (v GroupView) Attach(s Subscriber, onMessage func(protocol.GroupMessage), onTyping func(protocol.UserTyping)) func() {
	var unsubscribe []func()
	if onMessage != nil {
		unsubscribe = append(unsubscribe, s.Subscribe(protocol.EventNewGroupMessage, func(data json.RawMessage) {
			var msg protocol.GroupMessage
			if json.Unmarshal(data, &msg) == nil && v.AcceptMessage(msg) {
				onMessage(msg)
			}
		}))
	}
	if onTyping != nil {
		unsubscribe = append(unsubscribe, s.Subscribe(protocol.EventUserTyping, func(data json.RawMessage) {
			var signal protocol.UserTyping
			if json.Unmarshal(data, &signal) == nil && v.AcceptTyping(signal) {
				onTyping(signal)
			}
		}))
	}
	return func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}
}

// TypingTracker remembers who is typing. A signal expires after the timeout
// unless refreshed; an explicit stop clears it at once.
type TypingTracker struct {
	mu      sync.Mutex
	timeout time.Duration
	since   map[string]time.Time
}

// NewTypingTracker returns a tracker whose signals expire after timeout, or
// after TypingTimeout when timeout is not positive.
func NewTypingTracker(timeout time.Duration) *TypingTracker {
	if timeout <= 0 {
		timeout = TypingTimeout
	}
	return &TypingTracker{timeout: timeout, since: make(map[string]time.Time)}
}

// Observe records a typing signal received at the given time.
func (t *TypingTracker) Observe(signal protocol.UserTyping, at time.Time) {
	from := protocol.NormalizeAddress(signal.From)
	if from == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if signal.IsTyping {
		t.since[from] = at
		return
	}
	delete(t.since, from)
}

// Typing returns the addresses still typing at now, sorted.
func (t *TypingTracker) Typing(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	for from, at := range t.since {
		if now.Sub(at) >= t.timeout {
			delete(t.since, from)
		}
	}
	typing := lo.Keys(t.since)
	slices.Sort(typing)
	return typing
}
