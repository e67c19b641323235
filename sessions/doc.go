// Package sessions implements the session security store shared by every
// backend instance.
//
// Session state lives in Redis, which is the single source of truth across
// instances. A session record is keyed by its id and carries the principal it
// belongs to, the IP address it is bound to and its activity timestamps. The
// store enforces:
//
//   - a cap on concurrently active sessions per principal (oldest evicted first)
//   - IP binding with a bounded number of tolerated address changes
//   - idle and absolute timeouts, checked on every activity update and by a
//     periodic sweep
//
// Destroying a session triggers cascading revocation: every registered
// Revoker (typically the realtime proxy of this process) is asked to close the
// principal's live connections, and a Revocation is published on the
// RevocationBus so other instances do the same.
//
// Key layout (with an empty KeyPrefix):
//
//	session:{sessionId}          JSON Record, TTL = absolute timeout
//	ip_tracking:{sessionId}      JSON IPTracking, same TTL
//	user_sessions:{principalId}  SET of session ids
//
// Mutations that depend on a prior read (cap eviction, IP ledger updates,
// activity refresh, regeneration) run as optimistic WATCH/MULTI transactions
// and are retried on conflict.
package sessions
