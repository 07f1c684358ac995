package events

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter is the subscription predicate algebra:
//
//	Filter := Unfiltered | AllOf(F,…) | AnyOf(F,…) | OneOf(F,…) | Not(F)
//	        | AgentIs(id) | EnvIs(id) | CannonIs(id) | TransactionIs(tx)
//	        | EventIs(kind) | NodeKeyIs(key) | NodeTargetIs(targets)
type Filter interface {
	Matches(e *Event) bool
	String() string
}

// Unfiltered matches every event.
type Unfiltered struct{}

func (Unfiltered) Matches(*Event) bool { return true }
func (Unfiltered) String() string      { return "unfiltered" }

// AllOf matches iff every sub-filter matches.
type AllOf []Filter

func (f AllOf) Matches(e *Event) bool {
	for _, sub := range f {
		if !sub.Matches(e) {
			return false
		}
	}
	return true
}

func (f AllOf) String() string { return "all_of(" + joinFilters(f) + ")" }

// AnyOf matches iff at least one sub-filter matches.
type AnyOf []Filter

func (f AnyOf) Matches(e *Event) bool {
	for _, sub := range f {
		if sub.Matches(e) {
			return true
		}
	}
	return false
}

func (f AnyOf) String() string { return "any_of(" + joinFilters(f) + ")" }

// OneOf matches iff exactly one sub-filter matches.
type OneOf []Filter

func (f OneOf) Matches(e *Event) bool {
	count := 0
	for _, sub := range f {
		if sub.Matches(e) {
			count++
		}
	}
	return count == 1
}

func (f OneOf) String() string { return "one_of(" + joinFilters(f) + ")" }

func joinFilters(fs []Filter) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.String()
	}
	return strings.Join(parts, ", ")
}

// Not inverts its sub-filter.
type Not struct{ Filter Filter }

func (f Not) Matches(e *Event) bool { return !f.Filter.Matches(e) }
func (f Not) String() string        { return "not(" + f.Filter.String() + ")" }

// AgentIs matches events tagged with the given agent id.
type AgentIs struct{ ID string }

func (f AgentIs) Matches(e *Event) bool { return e.AgentID != nil && *e.AgentID == f.ID }
func (f AgentIs) String() string        { return fmt.Sprintf("agent_is(%s)", f.ID) }

// EnvIs matches events tagged with the given environment id.
type EnvIs struct{ ID string }

func (f EnvIs) Matches(e *Event) bool { return e.EnvID != nil && *e.EnvID == f.ID }
func (f EnvIs) String() string        { return fmt.Sprintf("env_is(%s)", f.ID) }

// CannonIs matches events tagged with the given cannon id.
type CannonIs struct{ ID string }

func (f CannonIs) Matches(e *Event) bool { return e.CannonID != nil && *e.CannonID == f.ID }
func (f CannonIs) String() string        { return fmt.Sprintf("cannon_is(%s)", f.ID) }

// TransactionIs matches events tagged with the given transaction id.
type TransactionIs struct{ TxID string }

func (f TransactionIs) Matches(e *Event) bool { return e.TxID != nil && *e.TxID == f.TxID }
func (f TransactionIs) String() string        { return fmt.Sprintf("transaction_is(%s)", f.TxID) }

// EventIs matches events whose content kind equals Kind.
type EventIs struct{ Kind ContentKind }

func (f EventIs) Matches(e *Event) bool { return e.Content.Kind == f.Kind }
func (f EventIs) String() string        { return fmt.Sprintf("event_is(%s)", f.Kind) }

// NodeKeyIs matches events tagged with the exact node key string.
type NodeKeyIs struct{ Key string }

func (f NodeKeyIs) Matches(e *Event) bool { return e.NodeKey != nil && *e.NodeKey == f.Key }
func (f NodeKeyIs) String() string        { return fmt.Sprintf("node_key_is(%s)", f.Key) }

// NodeTargetIs matches events whose node key matches any of a set of globs
// of the shape "<type>/<name>[@<namespace>]".
type NodeTargetIs struct{ Targets []string }

func (f NodeTargetIs) Matches(e *Event) bool {
	if e.NodeKey == nil {
		return false
	}
	for _, pattern := range f.Targets {
		if ok, err := doublestar.Match(pattern, *e.NodeKey); err == nil && ok {
			return true
		}
	}
	return false
}

func (f NodeTargetIs) String() string {
	return fmt.Sprintf("node_target_is(%s)", strings.Join(f.Targets, ", "))
}
