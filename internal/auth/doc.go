// Package auth provides JWT authentication for the coven-inbox HTTP API.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with auth.jwt_secret (at least 32 bytes).
// The "sub" claim is the tenant id the token may act for. Operator tokens
// carry "role":"admin" and may act for every tenant.
//
//	coven-inbox token --tenant acme --ttl 24h
//	coven-inbox token --tenant ops --admin
//
// # HTTP Middleware
//
//	HTTPAuthMiddleware(verifier)  verifies the bearer token
//	RequireTenant(enabled)        checks sub against the {tenant} path value
//	RequireAdminHTTP(enabled)     requires role=admin
//
// Websocket clients that cannot set headers may pass ?access_token=.
// When no secret is configured the verifier is nil and every request is
// allowed.
package auth
