// ABOUTME: Tests for escalation rule matching and priorities
// ABOUTME: Table-driven over each trigger plus precedence ordering

package escalation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/store"
)

func TestPriorityFor(t *testing.T) {
	tests := map[store.AlertType]store.AlertPriority{
		store.AlertVIPCustomer:       store.PriorityUrgent,
		store.AlertExplicitRequest:   store.PriorityHigh,
		store.AlertNegativeSentiment: store.PriorityHigh,
		store.AlertComplexQuery:      store.PriorityMedium,
		store.AlertLowConfidence:     store.PriorityMedium,
	}
	for typ, want := range tests {
		assert.Equal(t, want, PriorityFor(typ), typ)
	}
}

func TestRules_Match(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		name  string
		conv  store.Conversation
		in    Input
		types []store.AlertType
	}{
		{
			name:  "nothing fires on a plain question",
			in:    Input{CustomerText: "What are your hours?"},
			types: nil,
		},
		{
			name:  "explicit request is case-insensitive",
			in:    Input{CustomerText: "Can I SPEAK TO A HUMAN please"},
			types: []store.AlertType{store.AlertExplicitRequest},
		},
		{
			name:  "turn sentiment overrides conversation sentiment",
			conv:  store.Conversation{Sentiment: "positive"},
			in:    Input{Sentiment: "Angry"},
			types: []store.AlertType{store.AlertNegativeSentiment},
		},
		{
			name:  "conversation intent is used when the turn has none",
			conv:  store.Conversation{Intent: "refund"},
			types: []store.AlertType{store.AlertComplexQuery},
		},
		{
			name:  "low confidence",
			in:    Input{LowConfidence: true, Reason: "confidence 0.30 below floor 0.60"},
			types: []store.AlertType{store.AlertLowConfidence},
		},
		{
			name: "all rules in precedence order",
			conv: store.Conversation{Tags: []string{"vip"}, Intent: "complaint"},
			in: Input{
				CustomerText:  "I want a manager",
				Sentiment:     "negative",
				LowConfidence: true,
			},
			types: []store.AlertType{
				store.AlertVIPCustomer,
				store.AlertExplicitRequest,
				store.AlertNegativeSentiment,
				store.AlertComplexQuery,
				store.AlertLowConfidence,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := tt.conv
			conv.ID = "conv-1"
			tt.in.Conversation = &conv

			matches := rules.Match(tt.in)
			var got []store.AlertType
			for _, m := range matches {
				got = append(got, m.Type)
				assert.Equal(t, PriorityFor(m.Type), m.Priority)
				assert.NotEmpty(t, m.Reason)
			}
			assert.Equal(t, tt.types, got)
		})
	}
}

func TestRules_LowConfidenceDefaultReason(t *testing.T) {
	matches := DefaultRules().Match(Input{Conversation: &store.Conversation{}, LowConfidence: true})
	require.Len(t, matches, 1)
	assert.Equal(t, "responder abstained", matches[0].Reason)
}
