package session

import "github.com/tacmaplabs/tacmap/backend/internal/state"

// accKey identifies one coalescing slot. Keying by scope as well as entity
// keeps position updates (team-scoped) from clobbering roster updates
// (session-wide) for the same player within a tick.
type accKey struct {
	entity state.EntityType
	id     string
	scope  state.Scope
}

// accumulator collects changes between ticks. Multiple mutations of the same
// entity within one tick interval collapse into a single change carrying the
// final value, which bounds delta size under rapid position streams.
type accumulator struct {
	order   []accKey
	changes map[accKey]state.Change
}

func newAccumulator() *accumulator {
	return &accumulator{changes: make(map[accKey]state.Change)}
}

func (a *accumulator) record(changes []state.Change) {
	for _, change := range changes {
		key := accKey{entity: change.Entity, id: change.EntityID, scope: change.Scope}
		if _, seen := a.changes[key]; !seen {
			a.order = append(a.order, key)
		}
		a.changes[key] = change
	}
}

func (a *accumulator) empty() bool {
	return len(a.order) == 0
}

// drain returns the accumulated changes in first-recorded order and resets the
// accumulator for the next tick interval.
func (a *accumulator) drain() []state.Change {
	if len(a.order) == 0 {
		return nil
	}
	drained := make([]state.Change, 0, len(a.order))
	for _, key := range a.order {
		drained = append(drained, a.changes[key])
	}
	a.order = a.order[:0]
	a.changes = make(map[accKey]state.Change)
	return drained
}
