package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Tyrowin/chatrelay/internal/protocol"
	"go.opentelemetry.io/otel"
)

// Dispatcher consumes frames read from transports and their disconnects.
type Dispatcher interface {
	Dispatch(ctx context.Context, from Transport, raw []byte)
	Disconnected(ctx context.Context, t Transport)
}

type presenceNotifier interface {
	Trigger()
}

// Router classifies inbound frames and relays them to the right transports.
//
// Group traffic is not checked against any membership list: it is broadcast
// to every other transport and each client keeps only its own groups.
// Membership and send authorization belong to the ledger service callers
// consult around this relay.
type Router struct {
	registry *Registry
	fanout   Fanout
	presence presenceNotifier
	metrics  *relayMetrics
	log      *slog.Logger
	now      func() time.Time
}

var _ Dispatcher = (*Router)(nil)

// NewRouter wires a router over the registry and fan-out.
func NewRouter(registry *Registry, fanout Fanout, presence presenceNotifier, log *slog.Logger) *Router {
	return &Router{
		registry: registry,
		fanout:   fanout,
		presence: presence,
		metrics:  newRelayMetrics(otel.GetMeterProvider()),
		log:      log.With("component", "router"),
		now:      time.Now,
	}
}

// Dispatch handles one frame received from a transport. Failures never
// propagate: a bad frame is logged and dropped.
func (r *Router) Dispatch(ctx context.Context, from Transport, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		r.log.Warn("Invalid frame", "err", err)
		return
	}

	switch env.Event {
	case protocol.EventUserConnect:
		r.handleUserConnect(from, env.Data)
	case protocol.EventSendMessage:
		r.handleSendMessage(ctx, from, env.Data)
	case protocol.EventTyping:
		r.relayTyping(ctx, from, env.Data)
	case protocol.EventMessageRead:
		r.relayReadReceipt(ctx, from, env.Data)
	case protocol.EventHeartbeat:
		r.handleHeartbeat(from)
	default:
		r.log.Warn("Received unknown event", "event", env.Event)
	}
}

// Disconnected releases the identity held by t, if t is still its current
// transport, and announces the presence change.
func (r *Router) Disconnected(_ context.Context, t Transport) {
	id, ok := r.registry.Unregister(t)
	if !ok {
		return
	}
	r.log.Info("User disconnected", "address", id.Address)
	r.presence.Trigger()
}

func (r *Router) handleUserConnect(from Transport, data json.RawMessage) {
	var claim protocol.UserConnect
	if err := protocol.Unmarshal(data, &claim); err != nil {
		r.log.Debug("Ignoring user_connect without identity", "err", err)
		return
	}

	id := NewIdentity(claim.Address, claim.UserName)
	if id.Address == "" {
		return
	}
	if superseded := r.registry.Register(id, from); superseded != nil {
		r.log.Info("Identity moved to a new transport", "address", id.Address)
	}
	r.presence.Trigger()
	r.log.Info("User connected", "address", id.Address, "userName", id.DisplayName)
}

func (r *Router) handleSendMessage(ctx context.Context, from Transport, data json.RawMessage) {
	var msg protocol.ChatMessage
	if err := protocol.Unmarshal(data, &msg); err != nil {
		r.log.Debug("Dropping send_message", "err", err)
		return
	}

	msg.From = protocol.NormalizeAddress(msg.From)
	msg.Sender = protocol.NormalizeAddress(msg.Sender)
	msg.To = protocol.NormalizeAddress(msg.To)
	msg.Delivered = false
	if msg.Timestamp == 0 {
		msg.Timestamp = r.now().UnixMilli()
	}

	switch msg.Type {
	case protocol.KindDirect:
		r.routeDirect(ctx, from, msg)
	case protocol.KindGroup:
		r.routeGroup(ctx, from, msg)
	}
}

// routeDirect delivers to the recipient when online and always echoes a
// delivered copy to the sender. The echo is not a receipt from the recipient.
func (r *Router) routeDirect(ctx context.Context, from Transport, msg protocol.ChatMessage) {
	if msg.To == "" {
		r.log.Debug("Dropping direct message without recipient", "from", msg.Author())
		return
	}

	if recipient, ok := r.registry.Lookup(msg.To); ok {
		r.deliver(recipient, protocol.EventNewMessage, msg)
	} else {
		r.metrics.signalDropped(ctx, protocol.EventNewMessage)
		r.log.Debug("Direct recipient offline", "to", msg.To)
	}

	echo := msg
	echo.Delivered = true
	r.deliver(from, protocol.EventNewMessage, echo)
	r.metrics.messageRouted(ctx, protocol.KindDirect)
}

// routeGroup broadcasts to every other transport and echoes to the sender.
func (r *Router) routeGroup(ctx context.Context, from Transport, msg protocol.ChatMessage) {
	if msg.GroupID == "" {
		r.log.Debug("Dropping group message without group id", "from", msg.Author())
		return
	}

	out := protocol.GroupMessage{
		GroupID:    msg.GroupID,
		Sender:     msg.Author(),
		SenderName: msg.AuthorName(),
		Msg:        msg.Msg,
		Timestamp:  msg.Timestamp,
	}
	payload, err := protocol.Encode(protocol.EventNewGroupMessage, out)
	if err != nil {
		r.log.Error("Failed to encode group message", "err", err)
		return
	}
	n := r.fanout.Broadcast(payload, from)
	r.log.Debug("Group message broadcast", "groupId", msg.GroupID, "transports", n)

	out.Delivered = true
	r.deliver(from, protocol.EventNewGroupMessage, out)
	r.metrics.messageRouted(ctx, protocol.KindGroup)
}

func (r *Router) handleHeartbeat(from Transport) {
	r.deliver(from, protocol.EventHeartbeatAck, protocol.HeartbeatAck{Timestamp: r.now().UnixMilli()})
	r.registry.Touch(from)
}

func (r *Router) deliver(t Transport, event string, payload any) bool {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.log.Error("Failed to encode frame", "event", event, "err", err)
		return false
	}
	return t.Send(frame)
}
