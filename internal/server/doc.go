// Package server implements the relay side of chatrelay: a websocket hub,
// the identity registry, presence broadcasting, and the routers for direct
// and group messages, typing signals and read receipts.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, routing, and HTTP handlers. A Server wires them
// together; the pieces are exported individually so they can be tested
// without a network.
package server
