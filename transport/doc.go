// Package transport carries JSON-RPC 2.0 between the bus and remote
// peers.
//
// # Overview
//
// A Transport moves messages; a Handler (usually a Router) answers them.
// Serve joins the two:
//
//	r := transport.NewRouter()
//	r.Register("agents/list", listAgents)
//	t := transport.NewStdioTransport(os.Stdin, os.Stdout, transport.DefaultConfig())
//	err := transport.Serve(ctx, t, r, log)
//
// # Available Transports
//
//   - StdioTransport: newline-delimited JSON over a reader/writer pair
//   - WebSocketTransport: one JSON message per text frame
//   - SSETransport: HTTP POST in, Server-Sent Events out
//
// # Errors
//
// Handler errors become JSON-RPC errors through ToError. Structured bus
// errors map to codes in the -32001..-32006 server range and carry their
// bus code and retryability in the error data.
//
// # Thread Safety
//
// All transport methods are safe for concurrent use. The Recv channel is
// closed when the reading side ends.
package transport
