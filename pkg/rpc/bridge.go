package rpc

import (
	"net"

	"github.com/sourcegraph/jsonrpc2"
)

// NewBridge returns the two ends of an in-process channel, as used between a
// native shell and the webview it hosts. Messages are framed with
// Content-Length headers like a message port carrying LSP-style traffic.
//
// Typical use: hub.Attach("webview", a) on the native side and
// NewClient(ctx, b) on the webview side.
func NewBridge() (a, b jsonrpc2.ObjectStream) {
	left, right := net.Pipe()
	return jsonrpc2.NewBufferedStream(left, jsonrpc2.VSCodeObjectCodec{}),
		jsonrpc2.NewBufferedStream(right, jsonrpc2.VSCodeObjectCodec{})
}
