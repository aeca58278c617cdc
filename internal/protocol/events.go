package protocol

// Inbound events, sent by clients.
const (
	EventUserConnect = "user_connect"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventMessageRead = "message_read"
	EventHeartbeat   = "heartbeat"
)

// Outbound events, sent by the server.
const (
	EventUsersStatus     = "users_status"
	EventNewMessage      = "new_message"
	EventNewGroupMessage = "new_group_message"
	EventUserTyping      = "user_typing"
	EventReadReceipt     = "read_receipt"
	EventHeartbeatAck    = "heartbeat_ack"
)

// Message kinds carried in ChatMessage.Type.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// OutboundEvents lists every event a client can subscribe to.
var OutboundEvents = []string{
	EventUsersStatus,
	EventNewMessage,
	EventNewGroupMessage,
	EventUserTyping,
	EventReadReceipt,
	EventHeartbeatAck,
}
