// Package notify delivers change notifications, either immediately or
// coalesced within a batching scope.
//
// A scope travels in a context.Context. Events enqueued with a context that
// carries an open scope are merged per (kind, model) and delivered when the
// outermost scope ends; events enqueued with any other context are delivered
// at once. Scopes are never shared between unrelated contexts.
package notify

import "slices"

// Kind identifies what happened.
type Kind string

const (
	Insert         Kind = "insert"
	Update         Kind = "update"
	Delete         Kind = "delete"
	ExternalUpdate Kind = "external-update"
	WillReload     Kind = "will-reload"
	// AnyChange follows every delivery of the kinds above for a model,
	// carrying the union of the affected instances.
	AnyChange Kind = "any-change"
)

// Kinds lists every kind in delivery order.
var Kinds = []Kind{WillReload, Insert, Update, Delete, ExternalUpdate, AnyChange}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// Event is one delivered notification. T is the instance handle type.
type Event[T comparable] struct {
	Kind      Kind
	Model     string
	Instances []T
	// ChangedFields is set for update events: the union of fields changed
	// across all instances.
	ChangedFields []string
}

// triggersAnyChange reports whether k is summarized by an AnyChange event.
func triggersAnyChange(k Kind) bool {
	switch k {
	case Insert, Update, Delete, ExternalUpdate:
		return true
	}
	return false
}

// sweeping kinds describe a whole model and are delivered even when no
// instance is loaded.
func (k Kind) sweeping() bool {
	return k == WillReload || k == ExternalUpdate
}

// Filter selects events for a subscriber. Empty lists match everything.
type Filter struct {
	Kinds  []Kind
	Models []string
}

// Match reports whether the filter accepts an event of the given kind and
// model.
func (f Filter) Match(kind Kind, model string) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, kind) {
		return false
	}
	if len(f.Models) > 0 && !slices.Contains(f.Models, model) {
		return false
	}
	return true
}
