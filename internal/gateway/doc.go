// Package gateway assembles and runs the coven-inbox server.
//
// # Overview
//
// The Gateway owns every long-lived component: the document store, the
// session registry, the conversation service, the orchestrator, the
// optional AMQP publisher, the HTTP server and the gRPC health server.
// New builds them from configuration; NewWithComponents accepts a store,
// chat factory and publisher directly and is what tests use.
//
// # HTTP API
//
// All tenant routes live under /api/tenants/{tenant} and require a token
// whose subject is the tenant, or an admin token, when auth is enabled:
//
//   - POST   /session - Start the tenant's session
//   - DELETE /session - Stop it
//   - GET    /session - Live snapshot plus the persisted session document
//   - GET    /session/qr.png - Pairing code rendered as a PNG
//   - POST   /messages - Send a text message
//   - GET    /conversations - Conversations, most recent first
//   - GET    /conversations/{contact}/messages - Message history
//   - GET    /stream - Websocket of document changes
//
// GET /api/sessions lists every live session and is admin only. GET /health
// and GET /health/ready are always open.
//
// Errors are JSON objects of the form {"error": "..."}.
//
// # gRPC Health
//
// The gRPC server exposes grpc.health.v1. The overall service is SERVING
// while the gateway runs, and each tenant has a "session/<tenant>" service
// that is SERVING only while its session is READY.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is done or a signal arrives
//
// Shutdown stops the HTTP server, closes streams, stops every session,
// drains gRPC and closes the publisher and store, in that order.
package gateway
