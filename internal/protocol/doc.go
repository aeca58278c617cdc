// Package protocol defines the wire contract shared by the relay server and
// its clients: the JSON envelope, event names, payload shapes, and the
// normalization rules applied to addresses and group targets.
//
// Every websocket text frame carries exactly one envelope:
//
//	{"event": "send_message", "data": {...}}
package protocol
