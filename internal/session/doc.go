// Package session manages one live chat-network connection per tenant.
//
// # Overview
//
// A Session pairs a chat.Client with a lifecycle state machine. Every
// transition is mirrored to the tenant's session document so external
// observers can render pairing codes and connection status.
//
// # Lifecycle
//
//	INIT -> AWAITING_PAIRING -> AUTHENTICATED -> READY
//	  any non-terminal state -> DISCONNECTED | FAILED
//
// Restored devices may go straight from INIT to READY. A repeated pairing
// code while AWAITING_PAIRING replaces the stored code. Events that do not
// fit the current state are logged and dropped.
//
// Persisted status values:
//
//	INIT, AUTHENTICATED       carregando
//	AWAITING_PAIRING          qrCode (pairingArtifact holds the code)
//	READY                     conectado
//	DISCONNECTED, FAILED      desconectado
//
// # Registry
//
// The Registry is the process-wide tenant map:
//
//	reg := session.NewRegistry(session.Config{Factory: f, Store: s, Inbound: conv})
//
// Key operations:
//
//   - Start(ctx, tenant): create a session unless one is live
//   - Get(tenant): look up the live session
//   - Stop(ctx, tenant): remove the session and wait for its worker to finish
//   - List(): snapshots of all live sessions
//   - Close(ctx): stop everything on shutdown
//
// # Concurrency
//
// Each session has one worker goroutine. Client events and work submitted
// with Session.Do are processed one at a time, so conversation writes for a
// tenant are serialized and a stop never interrupts a handler midway.
//
// The worker owns shutdown: whether the client ended the session or Stop
// asked for it, the worker closes the client and writes the final status as
// it exits. Document writes for a tenant go through one per-tenant lock and
// are dropped once a newer session owns the tenant, so a session that is
// still draining cannot overwrite its replacement.
package session
