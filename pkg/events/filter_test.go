package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestFilterMatchesLeaf(t *testing.T) {
	ev := &Event{AgentID: strptr("agent-1"), Content: Content{Kind: ContentAgentConnected}}

	assert.True(t, AgentIs{ID: "agent-1"}.Matches(ev))
	assert.False(t, AgentIs{ID: "agent-2"}.Matches(ev))
	assert.True(t, EventIs{Kind: ContentAgentConnected}.Matches(ev))
	assert.True(t, Unfiltered{}.Matches(ev))
}

func TestFilterCombinators(t *testing.T) {
	ev := &Event{AgentID: strptr("a1"), EnvID: strptr("e1")}

	all := AllOf{AgentIs{ID: "a1"}, EnvIs{ID: "e1"}}
	assert.True(t, all.Matches(ev))

	all = AllOf{AgentIs{ID: "a1"}, EnvIs{ID: "wrong"}}
	assert.False(t, all.Matches(ev))

	any := AnyOf{AgentIs{ID: "wrong"}, EnvIs{ID: "e1"}}
	assert.True(t, any.Matches(ev))

	one := OneOf{AgentIs{ID: "a1"}, AgentIs{ID: "a1"}}
	assert.False(t, one.Matches(ev)) // both match -> not exactly one

	not := Not{Filter: AgentIs{ID: "wrong"}}
	assert.True(t, not.Matches(ev))
}

func TestNodeTargetIsGlob(t *testing.T) {
	key := "validator/0"
	ev := &Event{NodeKey: &key}

	f := NodeTargetIs{Targets: []string{"validator/*"}}
	assert.True(t, f.Matches(ev))

	f = NodeTargetIs{Targets: []string{"prover/*"}}
	assert.False(t, f.Matches(ev))
}

func TestParseFilterRoundTrip(t *testing.T) {
	cases := []Filter{
		Unfiltered{},
		AgentIs{ID: "agent-1"},
		EnvIs{ID: "env-1"},
		Not{Filter: AgentIs{ID: "agent-1"}},
		AllOf{AgentIs{ID: "a1"}, EnvIs{ID: "e1"}},
		AnyOf{AgentIs{ID: "a1"}, CannonIs{ID: "c1"}},
		OneOf{AgentIs{ID: "a1"}, EnvIs{ID: "e1"}},
		NodeTargetIs{Targets: []string{"validator/*", "prover/0"}},
	}

	for _, original := range cases {
		printed := original.String()
		parsed, err := ParseFilter(printed)
		require.NoError(t, err, "printed=%s", printed)
		assert.Equal(t, printed, parsed.String(), "round-trip mismatch for %s", printed)
	}
}

func TestParseFilterErrors(t *testing.T) {
	_, err := ParseFilter("bogus_filter(x)")
	require.Error(t, err)
	var perr *FilterParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrInvalidFilter, perr.Kind)

	_, err = ParseFilter("agent_is(a1")
	require.Error(t, err)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrExpectedToken, perr.Kind)

	_, err = ParseFilter("agent_is(a1) extra")
	require.Error(t, err)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrTrailingTokens, perr.Kind)
}
