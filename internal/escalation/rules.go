// ABOUTME: Escalation trigger rules and their fixed evaluation order
// ABOUTME: Matching is pure: it reads the conversation and turn signals, never the store

package escalation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/2389/handoff-gateway/internal/store"
)

// ruleOrder is the evaluation order, highest precedence first.
var ruleOrder = []store.AlertType{
	store.AlertVIPCustomer,
	store.AlertExplicitRequest,
	store.AlertNegativeSentiment,
	store.AlertComplexQuery,
	store.AlertLowConfidence,
}

// PriorityFor returns the fixed priority an alert of type t opens with.
func PriorityFor(t store.AlertType) store.AlertPriority {
	switch t {
	case store.AlertVIPCustomer:
		return store.PriorityUrgent
	case store.AlertExplicitRequest, store.AlertNegativeSentiment:
		return store.PriorityHigh
	case store.AlertComplexQuery, store.AlertLowConfidence:
		return store.PriorityMedium
	}
	return store.PriorityLow
}

// Rules holds the configurable inputs of each trigger.
type Rules struct {
	ExplicitPhrases    []string // case-insensitive substrings of customer text
	NegativeSentiments []string
	VIPTags            []string
	ComplexIntents     []string
}

// DefaultRules returns the rule set used when configuration leaves a list empty.
func DefaultRules() Rules {
	return Rules{
		ExplicitPhrases: []string{
			"speak to a human", "talk to a human", "real person", "human agent",
			"speak to someone", "talk to someone", "representative", "manager",
		},
		NegativeSentiments: []string{"negative", "angry", "frustrated"},
		VIPTags:            []string{"vip"},
		ComplexIntents:     []string{"complaint", "refund", "legal", "billing_dispute"},
	}
}

// Input carries the signals of one turn. Conversation is the committed aggregate;
// Trigger is the message that caused the evaluation, if any.
type Input struct {
	Conversation  *store.Conversation
	Trigger       *store.Message
	CustomerText  string
	Sentiment     string // overrides Conversation.Sentiment when set
	Intent        string // overrides Conversation.Intent when set
	LowConfidence bool
	Reason        string // why the turn counts as low confidence
}

// Match is one rule that fired.
type Match struct {
	Type     store.AlertType
	Priority store.AlertPriority
	Reason   string
}

// Match returns every rule that fires for in, in evaluation order.
func (r Rules) Match(in Input) []Match {
	var out []Match
	for _, t := range ruleOrder {
		if reason, ok := r.fires(t, in); ok {
			out = append(out, Match{Type: t, Priority: PriorityFor(t), Reason: reason})
		}
	}
	return out
}

func (r Rules) fires(t store.AlertType, in Input) (string, bool) {
	conv := in.Conversation
	switch t {
	case store.AlertVIPCustomer:
		for _, tag := range r.VIPTags {
			if conv.HasTag(tag) {
				return fmt.Sprintf("customer tagged %q", tag), true
			}
		}
	case store.AlertExplicitRequest:
		text := strings.ToLower(in.CustomerText)
		for _, phrase := range r.ExplicitPhrases {
			if phrase != "" && strings.Contains(text, strings.ToLower(phrase)) {
				return fmt.Sprintf("customer asked for %q", phrase), true
			}
		}
	case store.AlertNegativeSentiment:
		sentiment := in.Sentiment
		if sentiment == "" {
			sentiment = conv.Sentiment
		}
		if sentiment != "" && containsFold(r.NegativeSentiments, sentiment) {
			return fmt.Sprintf("sentiment %s", sentiment), true
		}
	case store.AlertComplexQuery:
		intent := in.Intent
		if intent == "" {
			intent = conv.Intent
		}
		if intent != "" && containsFold(r.ComplexIntents, intent) {
			return fmt.Sprintf("intent %s", intent), true
		}
	case store.AlertLowConfidence:
		if in.LowConfidence {
			reason := in.Reason
			if reason == "" {
				reason = "responder abstained"
			}
			return reason, true
		}
	}
	return "", false
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}
