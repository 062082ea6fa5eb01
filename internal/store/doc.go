// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// A single Store interface covers the three records the gateway owns:
//
//   - Conversation: aggregate root carrying state, lock ownership and the
//     bookkeeping of its message log (LastSeq, LastCustomerSeq, UnreadCount)
//   - Message: append-only entries addressed by (conversation_id, seq)
//   - HandoffAlert: triaged escalation notifications with a forward-only lifecycle
//
// SQLiteStore is the production implementation; MockStore is an in-memory
// implementation with the same version semantics for unit tests.
//
// # Concurrency
//
// Every conversation row carries a Version. CommitConversation writes the
// conversation fields and appends messages in one transaction, and only if the
// stored version equals conv.Version:
//
//	UPDATE conversations SET ..., version = version + 1
//	WHERE id = ? AND version = ?
//
// A mismatch returns ErrVersionConflict and nothing is written. Callers are
// expected to serialize writers per conversation (see package guard); the version
// check catches writers that skipped the guard. Alerts use the same scheme via
// UpdateAlert.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Database file locations:
//
//   - Production: /var/lib/handoff-gateway/handoff.db
//   - Development: ~/.local/share/handoff-gateway/handoff.db
//   - Testing: :memory: or t.TempDir()
//
// Timestamps are stored as fixed-width RFC 3339 strings in UTC so that range
// filters (ResolvedBefore) compare lexically.
//
// # Error Handling
//
// Sentinel errors are matched with errors.Is:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: (organization, channel, external_id) already taken
//   - ErrVersionConflict: optimistic write lost to a concurrent writer
//
// errors.go also defines the domain errors shared with the router, lock manager
// and escalation engine (ValidationError, TransitionError, AlreadyLockedError, ...).
package store
