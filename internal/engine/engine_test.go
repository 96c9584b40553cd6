package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/eventstore"
	"actionline/internal/migrate"
	"actionline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("test"))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) putRecord(t *testing.T, id string, fields map[string]any) {
	t.Helper()
	if _, err := env.Engine.Repo.UpsertRecord(env.Ctx, domain.Record{ID: id, Fields: fields}); err != nil {
		t.Fatalf("put record %s: %v", id, err)
	}
}

func (env testEnv) composeTask(t *testing.T, refs ...engine.ReferenceOptions) domain.ActionState {
	t.Helper()
	state, err := env.Engine.Compose(env.Ctx, engine.ComposeOptions{
		ContextID:   "sp-1",
		ContextType: domain.ContextSubprocess,
		Type:        "Task",
		FieldValues: map[string]any{"title": "Ship v1"},
		References:  refs,
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	return state
}

func TestComposeTask(t *testing.T) {
	env := newTestEnv(t)
	state := env.composeTask(t)
	if state.Type != "Task" || state.ContextID != "sp-1" || state.ContextType != domain.ContextSubprocess {
		t.Fatalf("unexpected state %+v", state)
	}
	if state.FieldValues["title"] != "Ship v1" {
		t.Fatalf("title = %v", state.FieldValues["title"])
	}
	if state.EventCount != 2 {
		t.Fatalf("event count = %d, want 2", state.EventCount)
	}
	// A fresh read replays the same state.
	replayed, err := env.Engine.GetAction(env.Ctx, state.ID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if replayed.FieldValues["title"] != "Ship v1" || replayed.EventCount != 2 {
		t.Fatalf("replayed state diverged: %+v", replayed)
	}
}

func TestComposeUnknownRecipe(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Compose(env.Ctx, engine.ComposeOptions{
		ContextID: "sp-1", ContextType: domain.ContextSubprocess, Type: "Nope",
	})
	var want engine.UnknownRecipeError
	if !errors.As(err, &want) || want.Type != "Nope" {
		t.Fatalf("expected unknown recipe error, got %v", err)
	}
}

func TestComposeUnknownField(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Compose(env.Ctx, engine.ComposeOptions{
		ContextID: "sp-1", ContextType: domain.ContextSubprocess, Type: "Task",
		FieldValues: map[string]any{"title": "x", "bogus": 1},
	})
	var want engine.UnknownFieldError
	if !errors.As(err, &want) || want.Field != "bogus" {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestComposeAlwaysAllowedFields(t *testing.T) {
	env := newTestEnv(t)
	// Decision declares no description field; the shared allowance covers it.
	state, err := env.Engine.Compose(env.Ctx, engine.ComposeOptions{
		ContextID: "sp-1", ContextType: domain.ContextSubprocess, Type: "Decision",
		FieldValues: map[string]any{"title": "Pick a db", "description": "notes"},
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if state.FieldValues["description"] != "notes" {
		t.Fatalf("description = %v", state.FieldValues["description"])
	}
}

func TestComposeMissingRequiredField(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Compose(env.Ctx, engine.ComposeOptions{
		ContextID: "sp-1", ContextType: domain.ContextSubprocess, Type: "Task",
		FieldValues: map[string]any{"description": "no title"},
	})
	var want engine.MissingRequiredFieldError
	if !errors.As(err, &want) || want.Field != "title" {
		t.Fatalf("expected missing required field error, got %v", err)
	}
}

func TestComposeRejectionLeavesNoEvents(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Compose(env.Ctx, engine.ComposeOptions{
		ActionID:  "act-rejected",
		ContextID: "sp-1", ContextType: domain.ContextSubprocess, Type: "Task",
		FieldValues: map[string]any{"title": "x"},
		References: []engine.ReferenceOptions{
			{TargetFieldKey: "no_such_slot", SourceRecordID: "rec-1"},
		},
	})
	var want engine.UnknownReferenceSlotError
	if !errors.As(err, &want) {
		t.Fatalf("expected unknown slot error, got %v", err)
	}
	if _, err := env.Engine.GetAction(env.Ctx, "act-rejected"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rejected compose left events behind: %v", err)
	}
}

func TestComposeInvalidContext(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Compose(env.Ctx, engine.ComposeOptions{
		ContextID: "sp-1", ContextType: "galaxy", Type: "Task",
		FieldValues: map[string]any{"title": "x"},
	}); err == nil {
		t.Fatalf("expected invalid context type error")
	}
	if _, err := env.Engine.Compose(env.Ctx, engine.ComposeOptions{
		ContextType: domain.ContextSubprocess, Type: "Task",
		FieldValues: map[string]any{"title": "x"},
	}); err == nil {
		t.Fatalf("expected missing context id error")
	}
}

func TestComposeStaticReferenceCapturesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.putRecord(t, "rec-1", map[string]any{"budget": float64(500)})
	state := env.composeTask(t, engine.ReferenceOptions{
		SourceRecordID: "rec-1", SourceFieldKey: "budget",
		TargetFieldKey: "related_record", Mode: domain.RefStatic,
	})
	if len(state.References) != 1 {
		t.Fatalf("references = %+v", state.References)
	}
	ref := state.References[0]
	if ref.Mode != domain.RefStatic || ref.SnapshotValue != float64(500) {
		t.Fatalf("snapshot not captured: %+v", ref)
	}

	// The snapshot is immune to later source updates.
	env.putRecord(t, "rec-1", map[string]any{"budget": float64(900)})
	resolved, err := env.Engine.ResolveReference(env.Ctx, ref.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Value != float64(500) || resolved.Stale {
		t.Fatalf("static resolve = %+v", resolved)
	}
}

func TestComposeStaticReferenceDanglingSourceFreezesNull(t *testing.T) {
	env := newTestEnv(t)
	state := env.composeTask(t, engine.ReferenceOptions{
		SourceRecordID: "never-existed", SourceFieldKey: "budget",
		TargetFieldKey: "related_record", Mode: domain.RefStatic,
	})
	ref := state.References[0]
	if ref.SnapshotValue != nil {
		t.Fatalf("expected null snapshot, got %v", ref.SnapshotValue)
	}
	resolved, err := env.Engine.ResolveReference(env.Ctx, ref.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Value != nil || resolved.Stale {
		t.Fatalf("static null snapshot must resolve clean, got %+v", resolved)
	}
}

func TestDynamicReferenceFollowsSource(t *testing.T) {
	env := newTestEnv(t)
	env.putRecord(t, "rec-1", map[string]any{"budget": float64(500)})
	state := env.composeTask(t, engine.ReferenceOptions{
		SourceRecordID: "rec-1", SourceFieldKey: "budget",
		TargetFieldKey: "related_record",
	})
	ref := state.References[0]
	if ref.Mode != domain.RefDynamic {
		t.Fatalf("mode defaults to dynamic, got %s", ref.Mode)
	}

	env.putRecord(t, "rec-1", map[string]any{"budget": float64(900)})
	resolved, err := env.Engine.ResolveReference(env.Ctx, ref.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Value != float64(900) || resolved.Stale {
		t.Fatalf("dynamic resolve = %+v", resolved)
	}

	// Deleting the source degrades to a stale null, not an error.
	if err := env.Engine.Repo.DeleteRecord(env.Ctx, "rec-1"); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	resolved, err = env.Engine.ResolveReference(env.Ctx, ref.ID)
	if err != nil {
		t.Fatalf("resolve after delete: %v", err)
	}
	if resolved.Value != nil || !resolved.Stale {
		t.Fatalf("expected stale null, got %+v", resolved)
	}
}

func TestAmendLastWriteWins(t *testing.T) {
	env := newTestEnv(t)
	state := env.composeTask(t)
	next, err := env.Engine.Amend(env.Ctx, engine.AmendOptions{
		ActionID:    state.ID,
		FieldValues: map[string]any{"title": "Ship v2"},
	})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if next.FieldValues["title"] != "Ship v2" {
		t.Fatalf("title = %v", next.FieldValues["title"])
	}
	if next.EventCount != 3 {
		t.Fatalf("event count = %d", next.EventCount)
	}
}

func TestAmendConflictOnStaleBase(t *testing.T) {
	env := newTestEnv(t)
	state := env.composeTask(t)
	if _, err := env.Engine.Amend(env.Ctx, engine.AmendOptions{
		ActionID:     state.ID,
		BaseSequence: int64(state.EventCount),
		FieldValues:  map[string]any{"priority": float64(1)},
	}); err != nil {
		t.Fatalf("first amend: %v", err)
	}
	// A second writer still holding the old tail loses.
	_, err := env.Engine.Amend(env.Ctx, engine.AmendOptions{
		ActionID:     state.ID,
		BaseSequence: int64(state.EventCount),
		FieldValues:  map[string]any{"priority": float64(2)},
	})
	if !errors.Is(err, eventstore.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	current, err := env.Engine.GetAction(env.Ctx, state.ID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if current.FieldValues["priority"] != float64(1) {
		t.Fatalf("losing write landed: %v", current.FieldValues["priority"])
	}
}

func TestRetractBlocksNewReferences(t *testing.T) {
	env := newTestEnv(t)
	env.putRecord(t, "rec-1", map[string]any{"budget": float64(1)})
	state := env.composeTask(t)
	if _, err := env.Engine.Retract(env.Ctx, state.ID); err != nil {
		t.Fatalf("retract: %v", err)
	}
	_, err := env.Engine.Amend(env.Ctx, engine.AmendOptions{
		ActionID: state.ID,
		References: []engine.ReferenceOptions{
			{SourceRecordID: "rec-1", SourceFieldKey: "budget", TargetFieldKey: "related_record"},
		},
	})
	var want engine.ActionRetractedError
	if !errors.As(err, &want) {
		t.Fatalf("expected retracted error, got %v", err)
	}
	// Field amendments stay open on retracted actions.
	if _, err := env.Engine.Amend(env.Ctx, engine.AmendOptions{
		ActionID:    state.ID,
		FieldValues: map[string]any{"description": "postmortem"},
	}); err != nil {
		t.Fatalf("field amend after retract: %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	env := newTestEnv(t)
	state := env.composeTask(t)
	next, err := env.Engine.SetStatus(env.Ctx, state.ID, "in_progress")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if next.Status != "in_progress" {
		t.Fatalf("status = %s", next.Status)
	}
}

func TestHistoryIsOrdered(t *testing.T) {
	env := newTestEnv(t)
	state := env.composeTask(t)
	if _, err := env.Engine.SetStatus(env.Ctx, state.ID, "done"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	events, err := env.Engine.History(env.Ctx, state.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Type != domain.EventActionDeclared || events[2].Type != domain.EventStatusChanged {
		t.Fatalf("unexpected order: %+v", events)
	}
}

func TestCheckDrift(t *testing.T) {
	env := newTestEnv(t)
	env.putRecord(t, "rec-1", map[string]any{"budget": float64(500)})
	state := env.composeTask(t, engine.ReferenceOptions{
		SourceRecordID: "rec-1", SourceFieldKey: "budget",
		TargetFieldKey: "related_record", Mode: domain.RefStatic,
	})
	ref := state.References[0]

	clean, err := env.Engine.CheckDrift(env.Ctx, ref.ID)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	if clean.HasDrift {
		t.Fatalf("fresh snapshot reported drift: %+v", clean)
	}

	env.putRecord(t, "rec-1", map[string]any{"budget": float64(750)})
	drifted, err := env.Engine.CheckDrift(env.Ctx, ref.ID)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	if !drifted.HasDrift || drifted.LiveValue != float64(750) || drifted.SnapshotValue != float64(500) {
		t.Fatalf("unexpected drift result %+v", drifted)
	}
}

func TestChangeReferenceMode(t *testing.T) {
	env := newTestEnv(t)
	env.putRecord(t, "rec-1", map[string]any{"budget": float64(500)})
	state := env.composeTask(t, engine.ReferenceOptions{
		SourceRecordID: "rec-1", SourceFieldKey: "budget",
		TargetFieldKey: "related_record",
	})
	ref := state.References[0]

	// Converting to static freezes the value as of now.
	frozen, err := env.Engine.ChangeReferenceMode(env.Ctx, ref.ID, domain.RefStatic)
	if err != nil {
		t.Fatalf("to static: %v", err)
	}
	if frozen.Mode != domain.RefStatic || frozen.SnapshotValue != float64(500) {
		t.Fatalf("conversion snapshot = %+v", frozen)
	}

	// The conversion is itself an event.
	next, err := env.Engine.GetAction(env.Ctx, state.ID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if next.EventCount != state.EventCount+1 {
		t.Fatalf("event count = %d, want %d", next.EventCount, state.EventCount+1)
	}
	if len(next.References) != 1 {
		t.Fatalf("conversion duplicated the link: %+v", next.References)
	}

	// Back to dynamic discards the snapshot.
	live, err := env.Engine.ChangeReferenceMode(env.Ctx, ref.ID, domain.RefDynamic)
	if err != nil {
		t.Fatalf("to dynamic: %v", err)
	}
	if live.Mode != domain.RefDynamic || live.SnapshotValue != nil {
		t.Fatalf("dynamic conversion kept snapshot: %+v", live)
	}

	// Same-mode conversion is a no-op, no event appended.
	before, _ := env.Engine.GetAction(env.Ctx, state.ID)
	if _, err := env.Engine.ChangeReferenceMode(env.Ctx, ref.ID, domain.RefDynamic); err != nil {
		t.Fatalf("noop conversion: %v", err)
	}
	after, _ := env.Engine.GetAction(env.Ctx, state.ID)
	if after.EventCount != before.EventCount {
		t.Fatalf("noop conversion appended an event")
	}
}

func TestOverwriteSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.putRecord(t, "rec-1", map[string]any{"budget": float64(500)})
	state := env.composeTask(t, engine.ReferenceOptions{
		SourceRecordID: "rec-1", SourceFieldKey: "budget",
		TargetFieldKey: "related_record", Mode: domain.RefStatic,
	})
	ref := state.References[0]

	env.putRecord(t, "rec-1", map[string]any{"budget": float64(900)})
	synced, err := env.Engine.OverwriteSnapshot(env.Ctx, ref.ID, float64(900))
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if synced.SnapshotValue != float64(900) {
		t.Fatalf("snapshot = %v", synced.SnapshotValue)
	}
	drift, err := env.Engine.CheckDrift(env.Ctx, ref.ID)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	if drift.HasDrift {
		t.Fatalf("drift after sync: %+v", drift)
	}
}

func TestOverwriteSnapshotRejectsDynamic(t *testing.T) {
	env := newTestEnv(t)
	env.putRecord(t, "rec-1", map[string]any{"budget": float64(1)})
	state := env.composeTask(t, engine.ReferenceOptions{
		SourceRecordID: "rec-1", SourceFieldKey: "budget",
		TargetFieldKey: "related_record",
	})
	if _, err := env.Engine.OverwriteSnapshot(env.Ctx, state.References[0].ID, float64(2)); err == nil {
		t.Fatalf("expected error for dynamic reference")
	}
}

func TestResolveReferencesBatch(t *testing.T) {
	env := newTestEnv(t)
	env.putRecord(t, "rec-1", map[string]any{"budget": float64(10), "owner": "kim"})
	state := env.composeTask(t,
		engine.ReferenceOptions{SourceRecordID: "rec-1", SourceFieldKey: "budget", TargetFieldKey: "related_record"},
		engine.ReferenceOptions{SourceRecordID: "rec-1", SourceFieldKey: "owner", TargetFieldKey: "related_record"},
	)
	if len(state.References) != 2 {
		t.Fatalf("references = %+v", state.References)
	}
	ids := []string{state.References[0].ID, state.References[1].ID}
	out, err := env.Engine.ResolveReferences(env.Ctx, ids)
	if err != nil {
		t.Fatalf("batch resolve: %v", err)
	}
	if out[ids[0]].Value != float64(10) || out[ids[1]].Value != "kim" {
		t.Fatalf("batch result = %+v", out)
	}
}

func TestGetActionUnknown(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.GetAction(env.Ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEmitRejectsDeclaration(t *testing.T) {
	env := newTestEnv(t)
	state := env.composeTask(t)
	if _, err := env.Engine.Emit(env.Ctx, state.ID, 0, domain.DeclaredPayload{ActionType: "Task"}); err == nil {
		t.Fatalf("expected error for duplicate declaration")
	}
}
