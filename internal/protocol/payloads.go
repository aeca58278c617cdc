package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultUserName is reported for identities that claimed no display name.
const DefaultUserName = "Anonymous"

const groupTargetPrefix = "group:"

// NormalizeAddress returns the canonical form of a user address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ID is an identifier that clients send either as a JSON string or a JSON
// number (group ids and message ids come from an external ledger).
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Matches reports whether two ids name the same thing. Numeric ids compare by
// value so "7", "07" and 7 are one group.
func (id ID) Matches(other ID) bool {
	a, errA := strconv.ParseFloat(strings.TrimSpace(string(id)), 64)
	b, errB := strconv.ParseFloat(strings.TrimSpace(string(other)), 64)
	if errA == nil && errB == nil {
		return a == b
	}
	return id == other
}

// GroupTarget encodes a group id as a typing target.
func GroupTarget(id ID) string {
	return groupTargetPrefix + string(id)
}

// ParseGroupTarget reports whether target addresses a group and returns its id.
func ParseGroupTarget(target string) (ID, bool) {
	rest, ok := strings.CutPrefix(target, groupTargetPrefix)
	if !ok {
		return "", false
	}
	return ID(rest), true
}

// UserConnect claims an identity for the sending transport.
type UserConnect struct {
	Address  string `json:"address" validate:"required"`
	UserName string `json:"userName"`
}

// ChatMessage is the send_message payload and, for direct messages, the
// new_message payload delivered to both parties.
type ChatMessage struct {
	ID         ID     `json:"id,omitempty"`
	Type       string `json:"type" validate:"oneof=direct group"`
	From       string `json:"from,omitempty"`
	FromName   string `json:"fromName,omitempty"`
	Sender     string `json:"sender,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	To         string `json:"to,omitempty"`
	GroupID    ID     `json:"groupId,omitempty"`
	Msg        string `json:"msg"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Delivered  bool   `json:"delivered,omitempty"`
}

// Author returns the normalized sender address, preferring From over Sender.
func (m ChatMessage) Author() string {
	if m.From != "" {
		return NormalizeAddress(m.From)
	}
	return NormalizeAddress(m.Sender)
}

// AuthorName returns the display name the sender attached, if any.
func (m ChatMessage) AuthorName() string {
	if m.FromName != "" {
		return m.FromName
	}
	return m.SenderName
}

// GroupMessage is the new_group_message payload.
type GroupMessage struct {
	GroupID    ID     `json:"groupId"`
	Sender     string `json:"sender"`
	SenderName string `json:"senderName,omitempty"`
	Msg        string `json:"msg"`
	Timestamp  int64  `json:"timestamp"`
	Delivered  bool   `json:"delivered,omitempty"`
}

// Typing is the inbound typing payload; To is a peer address or a group target.
type Typing struct {
	From     string `json:"from"`
	To       string `json:"to" validate:"required"`
	IsTyping bool   `json:"isTyping"`
}

// UserTyping is the outbound typing payload. To is only set for group targets.
type UserTyping struct {
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp int64  `json:"timestamp"`
}

// MessageRead reports that reader has seen a message authored by sender.
type MessageRead struct {
	MessageID ID     `json:"messageId"`
	Reader    string `json:"reader" validate:"required"`
	Sender    string `json:"sender" validate:"required"`
}

// ReadReceipt is forwarded to the author of a read message.
type ReadReceipt struct {
	MessageID ID     `json:"messageId"`
	Reader    string `json:"reader"`
}

// Heartbeat is sent by clients to keep their identity fresh.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// HeartbeatAck answers a Heartbeat with the server time in milliseconds.
type HeartbeatAck struct {
	Timestamp int64 `json:"timestamp"`
}

// UserStatus is one entry of a users_status snapshot.
type UserStatus struct {
	Address  string    `json:"address"`
	UserName string    `json:"userName"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// ConnectionNotice is dispatched locally by clients to every subscriber when
// the transport (re)connects. It never travels over the wire.
type ConnectionNotice struct {
	Connected bool `json:"connected"`
}
