// Package conversation owns the conversation lifecycle: the state machine, the
// message router and the change broadcaster.
//
// # Overview
//
// The Service sits between the HTTP facade and the store. Every write to a
// conversation, except taking and releasing a human lock (see package handoff),
// goes through it and runs under the conversation's guard:
//
//	svc := conversation.New(conversation.Deps{
//	    Store:       store,
//	    Guard:       guard.NewLocal(),
//	    Responder:   responderClient,
//	    Escalator:   escalationEngine,
//	    Delivery:    dispatcher,
//	    Dedupe:      dedupe.New(10*time.Minute, 10000),
//	    Broadcaster: conversation.NewBroadcaster(logger),
//	}, conversation.DefaultOptions())
//
// Key operations:
//
//   - Ensure(ctx, req): find or create the conversation for a channel thread
//   - Submit(ctx, req): append a message and run the responder turn it triggers
//   - Resolve, Archive, Classify, MarkRead: the remaining lifecycle writes
//   - CancelInflight(id): abandon a running responder call
//
// # State Machine
//
// Next and Apply in state.go are the only place edges are defined:
//
//	new ──customer──▶ ai_handling ──reply──▶ awaiting_user
//	                      │  ▲                    │
//	             escalate │  └─────customer───────┘
//	               / lock ▼
//	                human_handoff ──resolve──▶ resolved ──archive──▶ archived
//
// Anything else fails with a *store.TransitionError.
//
// # Responder Turns
//
// A customer message on an unlocked, open conversation is committed first and
// only then handed to the responder. The call runs outside the guard. When it
// returns, the router re-enters the guard, reloads the conversation and drops
// the result if the conversation was locked, received a newer customer message
// or left ai_handling in the meantime. Collaborator failures are retried a few
// times and then treated as an abstention, which opens a low_confidence alert.
//
// # Ordering
//
// Message sequence numbers are assigned under the guard from LastSeq and are
// committed together with the conversation under its version check, so
// concurrent submissions always produce a gap-free 1..N sequence.
//
// # Event Broadcasting
//
// Committed changes are pushed to subscribers of the conversation id and of
// OrgKey(organization). Delivery is best effort; a slow subscriber drops events
// and is expected to re-read.
package conversation
