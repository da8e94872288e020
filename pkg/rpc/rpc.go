// Package rpc implements the bidirectional JSON-RPC 2.0 channel shared by
// Springboard engines.
//
// A process plays one of two roles. A Client initiates the connection to its
// counterpart and serves inbound calls through an embedded Server. A Hub
// accepts connections, keeps a registry of sessions and can broadcast to all
// of them or address one by session id.
//
// Envelopes are framed by a jsonrpc2.ObjectStream, so the same code runs over
// WebSocket (gorilla), over an in-process bridge (see NewBridge) or, for
// one-shot requests, over HTTP (see HTTPHandler and HTTPClient).
//
// Malformed input (invalid JSON, a jsonrpc field other than "2.0", a request
// without a method) is logged and dropped. It never produces a response.
package rpc

import (
	"context"
)

// Role says whether a transport initiates connections or accepts them.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// RPC is the transport contract consumed by the shared state service and
// action dispatch.
type RPC interface {
	Role() Role

	// CallRPC sends a request and waits for its response. A non-nil result
	// receives the decoded result.
	CallRPC(ctx context.Context, method string, params, result any) error

	// BroadcastRPC notifies every connected peer. Unreachable peers are skipped.
	BroadcastRPC(ctx context.Context, method string, params any) error

	// RegisterRPC installs the handler for method, replacing any previous one.
	RegisterRPC(method string, h HandlerFunc)

	// UnregisterRPC removes the handler for method.
	UnregisterRPC(method string)
}
