// ABOUTME: Conversation state machine: the only place state edges are defined
// ABOUTME: Callers apply a Trigger under the conversation guard; undefined edges are TransitionErrors

package conversation

import (
	"github.com/2389/handoff-gateway/internal/store"
)

// Trigger is an event that may move a conversation between states.
type Trigger string

const (
	TriggerCustomerMessage Trigger = "customer_message"
	TriggerReplySent       Trigger = "reply_sent"
	TriggerEscalated       Trigger = "escalated"
	TriggerLocked          Trigger = "locked"
	TriggerResolved        Trigger = "resolved"
	TriggerArchived        Trigger = "archived"
)

// Next returns the state reached from `from` on t, or false if the edge does not exist.
// Escalated and Locked are no-ops from human_handoff.
func Next(from store.ConversationState, t Trigger) (store.ConversationState, bool) {
	switch t {
	case TriggerCustomerMessage:
		switch from {
		case store.StateNew, store.StateAIHandling, store.StateAwaitingUser, store.StateHumanHandoff:
			return store.StateAIHandling, true
		case store.StateResolved, store.StateArchived:
			return from, false
		}

	case TriggerReplySent:
		switch from {
		case store.StateAIHandling:
			return store.StateAwaitingUser, true
		case store.StateNew, store.StateAwaitingUser, store.StateHumanHandoff, store.StateResolved, store.StateArchived:
			return from, false
		}

	case TriggerEscalated:
		switch from {
		case store.StateAIHandling, store.StateAwaitingUser, store.StateHumanHandoff:
			return store.StateHumanHandoff, true
		case store.StateNew, store.StateResolved, store.StateArchived:
			return from, false
		}

	case TriggerLocked:
		switch from {
		case store.StateNew, store.StateAIHandling, store.StateAwaitingUser, store.StateHumanHandoff:
			return store.StateHumanHandoff, true
		case store.StateResolved, store.StateArchived:
			return from, false
		}

	case TriggerResolved:
		switch from {
		case store.StateAIHandling, store.StateAwaitingUser, store.StateHumanHandoff:
			return store.StateResolved, true
		case store.StateNew, store.StateResolved, store.StateArchived:
			return from, false
		}

	case TriggerArchived:
		switch from {
		case store.StateResolved:
			return store.StateArchived, true
		case store.StateNew, store.StateAIHandling, store.StateAwaitingUser, store.StateHumanHandoff, store.StateArchived:
			return from, false
		}
	}
	return from, false
}

// Apply moves conv along t in place.
func Apply(conv *store.Conversation, t Trigger) error {
	next, ok := Next(conv.State, t)
	if !ok {
		return &store.TransitionError{ConversationID: conv.ID, From: conv.State, Event: string(t)}
	}
	conv.State = next
	return nil
}
