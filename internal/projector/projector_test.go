package projector_test

import (
	"errors"
	"reflect"
	"testing"

	"actionline/internal/domain"
	"actionline/internal/projector"
)

func evt(seq int64, payload domain.EventPayload) domain.Event {
	return domain.Event{
		ActionID:    "act-1",
		Sequence:    seq,
		Type:        payload.EventType(),
		ContextID:   "proj-1",
		ContextType: domain.ContextProject,
		OccurredAt:  "2024-01-01T00:00:00Z",
		Payload:     payload,
	}
}

func TestProjectEmptyHistory(t *testing.T) {
	if _, err := projector.Project(nil); !errors.Is(err, projector.ErrNoEvents) {
		t.Fatalf("expected ErrNoEvents, got %v", err)
	}
}

func TestProjectRequiresDeclaredFirst(t *testing.T) {
	events := []domain.Event{
		evt(1, domain.FieldRecordedPayload{FieldKey: "title", Value: "x"}),
	}
	if _, err := projector.Project(events); err == nil {
		t.Fatalf("expected error for history without declaration")
	}
}

func TestProjectBasicFold(t *testing.T) {
	events := []domain.Event{
		evt(1, domain.DeclaredPayload{ActionType: "Task", FieldBindings: []string{"title"}}),
		evt(2, domain.FieldRecordedPayload{FieldKey: "title", Value: "Ship v1"}),
		evt(3, domain.StatusChangedPayload{Status: "in_progress"}),
	}
	state, err := projector.Project(events)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if state.ID != "act-1" || state.Type != "Task" {
		t.Fatalf("unexpected identity: %+v", state)
	}
	if state.FieldValues["title"] != "Ship v1" {
		t.Fatalf("title = %v", state.FieldValues["title"])
	}
	if state.Status != "in_progress" || state.EventCount != 3 {
		t.Fatalf("status=%s count=%d", state.Status, state.EventCount)
	}
}

func TestProjectSortsBySequence(t *testing.T) {
	shuffled := []domain.Event{
		evt(3, domain.FieldRecordedPayload{FieldKey: "title", Value: "second"}),
		evt(1, domain.DeclaredPayload{ActionType: "Task"}),
		evt(2, domain.FieldRecordedPayload{FieldKey: "title", Value: "first"}),
	}
	state, err := projector.Project(shuffled)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if state.FieldValues["title"] != "second" {
		t.Fatalf("expected last write by sequence to win, got %v", state.FieldValues["title"])
	}
}

func TestProjectDeterministic(t *testing.T) {
	events := []domain.Event{
		evt(1, domain.DeclaredPayload{ActionType: "Task"}),
		evt(2, domain.FieldRecordedPayload{FieldKey: "title", Value: "a"}),
		evt(3, domain.FieldRecordedPayload{FieldKey: "priority", Value: float64(2)}),
		evt(4, domain.StatusChangedPayload{Status: "done"}),
	}
	first, err := projector.Project(events)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	second, err := projector.Project(events)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay diverged:\n%+v\n%+v", first, second)
	}
}

func TestProjectLastWriteWins(t *testing.T) {
	events := []domain.Event{
		evt(1, domain.DeclaredPayload{ActionType: "Task"}),
		evt(2, domain.FieldRecordedPayload{FieldKey: "title", Value: "draft"}),
		evt(3, domain.FieldRecordedPayload{FieldKey: "title", Value: "final"}),
	}
	state, err := projector.Project(events)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if state.FieldValues["title"] != "final" {
		t.Fatalf("title = %v", state.FieldValues["title"])
	}
}

func TestProjectReferenceSupersedesSingleSlot(t *testing.T) {
	events := []domain.Event{
		evt(1, domain.DeclaredPayload{ActionType: "Task"}),
		evt(2, domain.ReferenceAddedPayload{
			ReferenceID: "ref-1", TargetFieldKey: "blocked_by",
			SourceRecordID: "rec-1", Mode: domain.RefDynamic,
		}),
		evt(3, domain.ReferenceAddedPayload{
			ReferenceID: "ref-2", TargetFieldKey: "blocked_by",
			SourceRecordID: "rec-2", Mode: domain.RefDynamic,
		}),
	}
	state, err := projector.Project(events)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(state.References) != 1 {
		t.Fatalf("expected single reference, got %d", len(state.References))
	}
	if state.References[0].ID != "ref-2" || state.References[0].SourceRecordID != "rec-2" {
		t.Fatalf("expected newer link to supersede, got %+v", state.References[0])
	}
}

func TestProjectReferenceMultipleSlotAccumulates(t *testing.T) {
	events := []domain.Event{
		evt(1, domain.DeclaredPayload{ActionType: "Task"}),
		evt(2, domain.ReferenceAddedPayload{
			ReferenceID: "ref-1", TargetFieldKey: "related_record",
			SourceRecordID: "rec-1", Mode: domain.RefDynamic, Multiple: true,
		}),
		evt(3, domain.ReferenceAddedPayload{
			ReferenceID: "ref-2", TargetFieldKey: "related_record",
			SourceRecordID: "rec-1", Mode: domain.RefDynamic, Multiple: true,
		}),
	}
	state, err := projector.Project(events)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(state.References) != 2 {
		t.Fatalf("expected both links on multiple slot, got %d", len(state.References))
	}
}

func TestProjectReferenceUpdateInPlace(t *testing.T) {
	events := []domain.Event{
		evt(1, domain.DeclaredPayload{ActionType: "Task"}),
		evt(2, domain.ReferenceAddedPayload{
			ReferenceID: "ref-1", TargetFieldKey: "related_record",
			SourceRecordID: "rec-1", Mode: domain.RefStatic,
			SnapshotValue: "old", Multiple: true,
		}),
		evt(3, domain.ReferenceAddedPayload{
			ReferenceID: "ref-1", TargetFieldKey: "related_record",
			SourceRecordID: "rec-1", Mode: domain.RefStatic,
			SnapshotValue: "new", Multiple: true,
		}),
	}
	state, err := projector.Project(events)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(state.References) != 1 {
		t.Fatalf("expected same id to update in place, got %d links", len(state.References))
	}
	if state.References[0].SnapshotValue != "new" {
		t.Fatalf("snapshot = %v", state.References[0].SnapshotValue)
	}
}

func TestProjectDynamicReferenceDropsSnapshot(t *testing.T) {
	events := []domain.Event{
		evt(1, domain.DeclaredPayload{ActionType: "Task"}),
		evt(2, domain.ReferenceAddedPayload{
			ReferenceID: "ref-1", TargetFieldKey: "related_record",
			SourceRecordID: "rec-1", Mode: domain.RefDynamic,
			SnapshotValue: "leftover", Multiple: true,
		}),
	}
	state, err := projector.Project(events)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if state.References[0].SnapshotValue != nil {
		t.Fatalf("dynamic reference kept snapshot %v", state.References[0].SnapshotValue)
	}
}

func TestProjectRetraction(t *testing.T) {
	events := []domain.Event{
		evt(1, domain.DeclaredPayload{ActionType: "Task"}),
		evt(2, domain.RetractedPayload{}),
		evt(3, domain.FieldRecordedPayload{FieldKey: "title", Value: "post-retraction"}),
	}
	state, err := projector.Project(events)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if !state.Retracted {
		t.Fatalf("expected retracted state")
	}
	if state.FieldValues["title"] != "post-retraction" {
		t.Fatalf("later events must still fold, got %v", state.FieldValues["title"])
	}
}

func TestApplyIncrementalMatchesFullReplay(t *testing.T) {
	all := []domain.Event{
		evt(1, domain.DeclaredPayload{ActionType: "Task"}),
		evt(2, domain.FieldRecordedPayload{FieldKey: "title", Value: "a"}),
		evt(3, domain.FieldRecordedPayload{FieldKey: "title", Value: "b"}),
		evt(4, domain.StatusChangedPayload{Status: "done"}),
	}
	base, err := projector.Project(all[:2])
	if err != nil {
		t.Fatalf("project base: %v", err)
	}
	incremental, err := projector.Apply(base, all[2:])
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	full, err := projector.Project(all)
	if err != nil {
		t.Fatalf("project full: %v", err)
	}
	if !reflect.DeepEqual(incremental, full) {
		t.Fatalf("incremental fold diverged:\n%+v\n%+v", incremental, full)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	base, err := projector.Project([]domain.Event{
		evt(1, domain.DeclaredPayload{ActionType: "Task"}),
		evt(2, domain.FieldRecordedPayload{FieldKey: "title", Value: "a"}),
	})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if _, err := projector.Apply(base, []domain.Event{
		evt(3, domain.FieldRecordedPayload{FieldKey: "title", Value: "b"}),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if base.FieldValues["title"] != "a" || base.EventCount != 2 {
		t.Fatalf("input state mutated: %+v", base)
	}
}
