// Package client is the chatrelay client runtime: a websocket connection
// manager with bounded reconnection, a heartbeat monitor, and a subscription
// hub that fans decoded server events out to application callbacks.
//
// Manager owns exactly one connection loop per session. Every transport
// failure, whether seen by the read loop, a failed send, or the heartbeat,
// feeds the same loop and the same attempt counter, so at most one reconnect
// is ever in flight and the attempt cap is global.
package client
