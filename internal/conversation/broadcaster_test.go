// ABOUTME: Tests for the change Broadcaster
// ABOUTME: Covers fan-out, key isolation, org keys, slow subscribers and context cleanup

package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/store"
)

func makeEvent(id, convID string) *Event {
	return &Event{
		ID:             id,
		Type:           EventMessage,
		Action:         "appended",
		ConversationID: convID,
		OrganizationID: "org-1",
		Message:        &store.Message{ID: id, ConversationID: convID, Content: "hello"},
	}
}

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-1")

	b.Publish("conv-1", makeEvent("evt-1", "conv-1"))

	assert.Equal(t, "evt-1", receive(t, ch1).ID)
	assert.Equal(t, "evt-1", receive(t, ch2).ID)
}

func TestBroadcaster_KeysAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-2")

	b.Publish("conv-1", makeEvent("evt-1", "conv-1"))

	assert.Equal(t, "evt-1", receive(t, ch1).ID)
	select {
	case ev := <-ch2:
		t.Fatalf("conv-2 subscriber got %s", ev.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_NotifyReachesOrgSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	convCh, _ := b.Subscribe(t.Context(), "conv-1")
	orgCh, _ := b.Subscribe(t.Context(), OrgKey("org-1"))
	otherOrg, _ := b.Subscribe(t.Context(), OrgKey("org-2"))

	ev := &Event{Type: EventConversation, Action: "locked", ConversationID: "conv-1", OrganizationID: "org-1"}
	b.Notify(ev)

	assert.NotEmpty(t, ev.ID, "Notify assigns an id")
	assert.False(t, ev.At.IsZero())
	assert.Equal(t, "locked", receive(t, convCh).Action)
	assert.Equal(t, "locked", receive(t, orgCh).Action)
	assert.Empty(t, otherOrg)
}

func TestBroadcaster_PublishAlert(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), OrgKey("org-1"))
	alert := &store.HandoffAlert{ID: "a1", ConversationID: "conv-1", OrganizationID: "org-1", Status: store.AlertPending}

	b.PublishAlert(alert, true)
	ev := receive(t, ch)
	assert.Equal(t, EventAlert, ev.Type)
	assert.Equal(t, "opened", ev.Action)

	alert.Status = store.AlertAcknowledged
	b.PublishAlert(alert, false)
	assert.Equal(t, "acknowledged", receive(t, ch).Action)
}

func TestBroadcaster_SlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "conv-1")
	for i := range subscriberBufferSize + 10 {
		b.Publish("conv-1", makeEvent(fmt.Sprintf("evt-%d", i), "conv-1"))
	}

	assert.Len(t, ch, subscriberBufferSize)
	assert.Equal(t, "evt-0", receive(t, ch).ID)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx, "conv-1")
	require.Equal(t, 1, b.SubscriberCount("conv-1"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount("conv-1"))
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(t.Context())
			ch, _ := b.Subscribe(ctx, "conv-1")
			b.Publish("conv-1", makeEvent(fmt.Sprintf("evt-%d", i), "conv-1"))
			cancel()
			for range ch {
			}
		}()
	}
	wg.Wait()
}

func TestBroadcaster_CloseClosesChannels(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, _ := b.Subscribe(t.Context(), "conv-1")

	b.Close()

	_, ok := <-ch
	assert.False(t, ok)
}
