package server

import (
	"context"
	"encoding/json"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// relayTyping forwards a typing signal. Group targets are broadcast to every
// other transport; peer targets go point to point or are dropped. Receivers
// expire the typing state themselves.
func (r *Router) relayTyping(ctx context.Context, from Transport, data json.RawMessage) {
	var typing protocol.Typing
	if err := protocol.Unmarshal(data, &typing); err != nil {
		r.log.Debug("Dropping typing signal", "err", err)
		return
	}

	author := protocol.NormalizeAddress(typing.From)
	now := r.now().UnixMilli()

	if groupID, ok := protocol.ParseGroupTarget(typing.To); ok {
		payload, err := protocol.Encode(protocol.EventUserTyping, protocol.UserTyping{
			From:      author,
			To:        typing.To,
			IsTyping:  typing.IsTyping,
			Timestamp: now,
		})
		if err != nil {
			r.log.Error("Failed to encode typing signal", "err", err)
			return
		}
		n := r.fanout.Broadcast(payload, from)
		r.log.Debug("Group typing broadcast", "groupId", groupID, "transports", n)
		return
	}

	recipient, ok := r.registry.Lookup(typing.To)
	if !ok {
		r.metrics.signalDropped(ctx, protocol.EventUserTyping)
		return
	}
	r.deliver(recipient, protocol.EventUserTyping, protocol.UserTyping{
		From:      author,
		IsTyping:  typing.IsTyping,
		Timestamp: now,
	})
}

// relayReadReceipt tells a message's author that it was read.
func (r *Router) relayReadReceipt(ctx context.Context, _ Transport, data json.RawMessage) {
	var read protocol.MessageRead
	if err := protocol.Unmarshal(data, &read); err != nil {
		r.log.Debug("Dropping read receipt", "err", err)
		return
	}

	author, ok := r.registry.Lookup(read.Sender)
	if !ok {
		r.metrics.signalDropped(ctx, protocol.EventReadReceipt)
		return
	}
	r.deliver(author, protocol.EventReadReceipt, protocol.ReadReceipt{
		MessageID: read.MessageID,
		Reader:    protocol.NormalizeAddress(read.Reader),
	})
}
