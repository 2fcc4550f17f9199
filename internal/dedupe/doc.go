// Package dedupe remembers recently handled inbound message ids so that a
// network redelivery of the same message is not stored twice.
//
// The cache is in-memory only: it narrows the duplicate window while the
// process runs but gives no guarantee across restarts. Events that carry no
// network id are never deduplicated.
//
// Usage:
//
//	cache := dedupe.New(10*time.Minute, 10000)
//	if cache.CheckAndMark(dedupe.MessageKey(tenantID, msgID)) {
//	    return // already handled
//	}
package dedupe
