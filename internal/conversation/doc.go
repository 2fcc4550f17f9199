// Package conversation keeps per-tenant conversation summaries and message
// logs in the document store.
//
// # Overview
//
// Every message, inbound or outbound, goes through Service.record:
//
//  1. Upsert tenant/{t}/conversations/{contact} with lastMessageText and
//     lastMessageAt, setting contactName when it is new or better.
//  2. Append to tenant/{t}/conversations/{contact}/messages.
//  3. Optionally publish a notify.MessageAppended envelope.
//
// The upsert is a read followed by a merge write. It is safe because the
// session worker serializes all writes for a tenant.
//
// # Contact names
//
// Inbound messages resolve the author's display name through the client's
// contact directory. When the lookup fails the remote contact id is used as
// a fallback, and a fallback never replaces a name that is already stored.
//
// # Delivery
//
// Inbound handling is at-most-once: a failed write is reported to the
// caller, which logs it. When a dedupe cache is set, messages carrying a
// network id are dropped if the same id was seen recently.
package conversation
