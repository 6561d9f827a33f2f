// Package api provides the HTTP listener of the CAN bridge.
//
// The listener carries two things:
//
//   - the WebSocket form of the command protocol (see package server),
//     mounted at the configured websocket_path
//   - a read-only JSON status API under /api/v1
//
// # Routes
//
//	GET /api/v1/health            bridge counters; 503 while the bus is down
//	GET /api/v1/encoders          every tracked node, ordered by id
//	GET /api/v1/encoders/{node}   one node
//	GET /api/v1/commands          command log (?command=&status=&since=&limit=)
//	GET /api/v1/renames           node id change history (?limit=)
//
// The command and rename routes need the audit database; without it they
// answer 503.
//
// # Authentication
//
// When api.jwt_secret is set, every route except /health requires an
// HS256 bearer token issued by IssueToken (canbridgectl token prints one).
// The WebSocket endpoint is not covered.
//
// # Lifecycle
//
//	srv, err := api.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
