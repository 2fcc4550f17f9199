// Package matrix implements chat.Client on top of maunium.net/go/mautrix.
//
// A Matrix account is already authenticated by its access token, so there
// is no pairing step: Whoami success emits authenticated, the first sync
// response emits ready and the initial timeline backlog is skipped. Each
// room is one remote contact; the sender's profile display name is the
// contact name. A sync error ends the session with a failure.
//
// The account belongs to a single tenant. The Factory builds clients only
// for that tenant, so no two tenants share a room list.
package matrix
