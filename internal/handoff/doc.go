// Package handoff implements the lock that gives one human agent exclusive
// control of a conversation.
//
// While a conversation is locked the message router still appends customer
// messages but never invokes the automated responder, and any responder result
// already in flight is discarded. Lock is a test-and-set under the same
// per-conversation guard the router uses, so concurrent callers resolve to a
// single winner; the others receive *store.AlreadyLockedError naming the holder.
//
// Unlock clears the holder but leaves the state at human_handoff. The next
// customer message re-enters ai_handling.
package handoff
