package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFiltersDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	agentID := "agent-1"
	sub := b.Subscribe(AgentIs{ID: agentID})
	defer b.Unsubscribe(sub)

	other := "agent-2"
	b.Publish(&Event{AgentID: &other, Content: Content{Kind: ContentAgentConnected}})
	b.Publish(&Event{AgentID: &agentID, Content: Content{Kind: ContentAgentConnected}})

	select {
	case ev := <-sub:
		require.NotNil(t, ev.AgentID)
		assert.Equal(t, agentID, *ev.AgentID)
	case <-time.After(time.Second):
		t.Fatal("expected matching event")
	}

	select {
	case ev := <-sub:
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerUnfilteredSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(nil)
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Content: Content{Kind: ContentEnvironmentApplied}})

	select {
	case ev := <-sub:
		assert.Equal(t, ContentEnvironmentApplied, ev.Content.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}
