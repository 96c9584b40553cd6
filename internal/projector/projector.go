// Package projector derives current action state from an event history.
//
// Project is a pure function: no I/O, no clock, no shared state. The same
// event sequence always folds to the same state, which is what makes replay
// idempotent. Sequence numbers are authoritative for ordering; wall-clock
// timestamps are informational only.
package projector

import (
	"errors"
	"fmt"
	"sort"

	"actionline/internal/domain"
)

// ErrNoEvents is returned for an empty history. An action with zero events
// does not exist; the store guarantees at least one action.declared event
// before an action id becomes visible.
var ErrNoEvents = errors.New("action has no events")

// Project folds an event sequence into current action state. Input order is
// irrelevant: events are sorted by sequence before folding.
func Project(events []domain.Event) (domain.ActionState, error) {
	if len(events) == 0 {
		return domain.ActionState{}, ErrNoEvents
	}
	sorted := sortedBySequence(events)
	first := sorted[0]
	if first.Type != domain.EventActionDeclared {
		return domain.ActionState{}, fmt.Errorf("first event for action %s is %s, want %s", first.ActionID, first.Type, domain.EventActionDeclared)
	}
	state := domain.ActionState{
		ID:          first.ActionID,
		ContextID:   first.ContextID,
		ContextType: first.ContextType,
		CreatedAt:   first.OccurredAt,
		FieldValues: map[string]any{},
	}
	for _, e := range sorted {
		if err := fold(&state, e); err != nil {
			return domain.ActionState{}, err
		}
	}
	state.EventCount = len(sorted)
	return state, nil
}

// Apply folds additional events onto an already-projected state, for
// incremental refresh from ReplaySince. Pure like Project; the input state
// is not mutated.
func Apply(state domain.ActionState, events []domain.Event) (domain.ActionState, error) {
	next := cloneState(state)
	for _, e := range sortedBySequence(events) {
		if err := fold(&next, e); err != nil {
			return domain.ActionState{}, err
		}
		next.EventCount++
	}
	return next, nil
}

func fold(state *domain.ActionState, e domain.Event) error {
	state.UpdatedAt = e.OccurredAt
	switch p := e.Payload.(type) {
	case domain.DeclaredPayload:
		state.Type = p.ActionType
		state.FieldBindings = append([]string(nil), p.FieldBindings...)
		state.ParentActionID = p.ParentActionID
	case domain.FieldRecordedPayload:
		// Last write wins by event order.
		state.FieldValues[p.FieldKey] = p.Value
	case domain.ReferenceAddedPayload:
		state.References = applyReference(state.References, p)
	case domain.StatusChangedPayload:
		state.Status = p.Status
	case domain.RetractedPayload:
		// Later events still fold so the history stays complete;
		// resolvers treat a retracted action as terminal for new links.
		state.Retracted = true
	default:
		return fmt.Errorf("unknown event payload %T at sequence %d", e.Payload, e.Sequence)
	}
	return nil
}

// applyReference merges one reference event into the projected list.
// An event carrying a known reference id updates that link in place. For a
// single-cardinality slot a new id supersedes the slot's existing link; for
// a multiple slot links accumulate in insertion order, duplicates allowed.
func applyReference(refs []domain.Reference, p domain.ReferenceAddedPayload) []domain.Reference {
	next := domain.Reference{
		ID:             p.ReferenceID,
		TargetFieldKey: p.TargetFieldKey,
		SourceRecordID: p.SourceRecordID,
		SourceFieldKey: p.SourceFieldKey,
		Mode:           p.Mode,
		SnapshotValue:  p.SnapshotValue,
		Multiple:       p.Multiple,
	}
	if next.Mode == domain.RefDynamic {
		// Dynamic references carry no value, only the pointer.
		next.SnapshotValue = nil
	}
	for i, ref := range refs {
		if ref.ID == next.ID {
			refs[i] = next
			return refs
		}
	}
	if !next.Multiple {
		for i, ref := range refs {
			if ref.TargetFieldKey == next.TargetFieldKey {
				refs[i] = next
				return refs
			}
		}
	}
	return append(refs, next)
}

func sortedBySequence(events []domain.Event) []domain.Event {
	sorted := make([]domain.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })
	return sorted
}

func cloneState(state domain.ActionState) domain.ActionState {
	next := state
	next.FieldValues = make(map[string]any, len(state.FieldValues))
	for k, v := range state.FieldValues {
		next.FieldValues[k] = v
	}
	next.FieldBindings = append([]string(nil), state.FieldBindings...)
	next.References = append([]domain.Reference(nil), state.References...)
	return next
}
