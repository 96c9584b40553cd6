package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"actionline/internal/config"
	"actionline/internal/domain"
	"actionline/internal/eventstore"
	"actionline/internal/projector"
	"actionline/internal/repo"
	"actionline/internal/resolver"
)

const (
	defaultResolveTimeout = 3 * time.Second
	projectionCacheSize   = 256
	resolveCacheSize      = 512
)

// Engine is the compose service: it validates declarations against the
// recipe catalog, emits event bursts, and serves projected state and
// reference resolution. The event store is the only mutable shared resource;
// the catalog and record store are read-mostly collaborators.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Config   *config.Config
	Resolver *resolver.Resolver
	Now      func() time.Time

	cache *lru.Cache[string, domain.ActionState]
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	timeout := defaultResolveTimeout
	if cfg != nil && cfg.Resolver.TimeoutMS > 0 {
		timeout = time.Duration(cfg.Resolver.TimeoutMS) * time.Millisecond
	}
	cache, _ := lru.New[string, domain.ActionState](projectionCacheSize)
	return Engine{
		DB:       db,
		Repo:     r,
		Config:   cfg,
		Resolver: resolver.New(r, timeout, resolveCacheSize),
		Now:      time.Now,
		cache:    cache,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// store pins the event store clock to the engine clock so a burst and the
// state projected from it carry the same timestamps.
func (e Engine) store(at time.Time) eventstore.Store {
	return eventstore.Store{DB: e.DB, Now: func() time.Time { return at }}
}

// Store returns the event store view for read paths.
func (e Engine) Store() eventstore.Store {
	return eventstore.Store{DB: e.DB, Now: e.Now}
}

// ReferenceOptions is one source/target/mode triple in a declaration.
type ReferenceOptions struct {
	SourceRecordID string
	SourceFieldKey string
	TargetFieldKey string
	Mode           domain.RefMode
}

// ComposeOptions is a proposed action declaration.
type ComposeOptions struct {
	ActionID       string
	ContextID      string
	ContextType    domain.ContextType
	Type           string
	FieldBindings  []string
	FieldValues    map[string]any
	References     []ReferenceOptions
	ParentActionID *string
}

// Compose validates the declaration and appends the initial event burst
// atomically: either the whole burst lands or none of it does. The returned
// state is projected from the freshly appended events without a replay
// round-trip.
func (e Engine) Compose(ctx context.Context, opts ComposeOptions) (domain.ActionState, error) {
	if e.Config == nil {
		return domain.ActionState{}, errors.New("config not loaded")
	}
	if opts.ContextID == "" {
		return domain.ActionState{}, errors.New("context id is required")
	}
	if !domain.ValidContextType(opts.ContextType) {
		return domain.ActionState{}, fmt.Errorf("invalid context type %q", opts.ContextType)
	}
	recipe, ok := e.Config.Recipe(opts.Type)
	if !ok {
		return domain.ActionState{}, UnknownRecipeError{Type: opts.Type}
	}
	if err := validateFields(opts.Type, recipe, opts.FieldBindings, opts.FieldValues); err != nil {
		return domain.ActionState{}, err
	}

	bindings := opts.FieldBindings
	if len(bindings) == 0 {
		bindings = sortedKeys(opts.FieldValues)
	}
	payloads := []domain.EventPayload{domain.DeclaredPayload{
		ActionType:     opts.Type,
		FieldBindings:  bindings,
		ParentActionID: opts.ParentActionID,
	}}
	for _, key := range sortedKeys(opts.FieldValues) {
		payloads = append(payloads, domain.FieldRecordedPayload{FieldKey: key, Value: opts.FieldValues[key]})
	}
	for _, ref := range opts.References {
		payload, err := e.referencePayload(ctx, opts.Type, recipe, ref)
		if err != nil {
			return domain.ActionState{}, err
		}
		payloads = append(payloads, payload)
	}

	actionID := opts.ActionID
	if actionID == "" {
		actionID = uuid.New().String()
	}
	at := e.now()
	rng, err := e.append(ctx, at, actionID, opts.ContextID, opts.ContextType, 0, payloads)
	if err != nil {
		return domain.ActionState{}, err
	}

	events := make([]domain.Event, len(payloads))
	ts := at.UTC().Format(time.RFC3339)
	for i, p := range payloads {
		events[i] = domain.Event{
			ActionID:    actionID,
			Sequence:    rng.First + int64(i),
			Type:        p.EventType(),
			ContextID:   opts.ContextID,
			ContextType: opts.ContextType,
			OccurredAt:  ts,
			Payload:     p,
		}
	}
	state, err := projector.Project(events)
	if err != nil {
		return domain.ActionState{}, err
	}
	e.cache.Add(actionID, state)
	return state, nil
}

// AmendOptions appends additional field values and references to an existing
// action. BaseSequence is the tail the caller observed; 0 loads the current
// tail, which forfeits the optimistic check for single-writer callers.
type AmendOptions struct {
	ActionID     string
	BaseSequence int64
	FieldValues  map[string]any
	References   []ReferenceOptions
}

// Amend validates like Compose and appends at the observed tail. A
// concurrent amend surfaces eventstore.ErrConflict: re-read the projected
// state and retry, never overwrite.
func (e Engine) Amend(ctx context.Context, opts AmendOptions) (domain.ActionState, error) {
	if e.Config == nil {
		return domain.ActionState{}, errors.New("config not loaded")
	}
	state, err := e.GetAction(ctx, opts.ActionID)
	if err != nil {
		return domain.ActionState{}, err
	}
	recipe, ok := e.Config.Recipe(state.Type)
	if !ok {
		return domain.ActionState{}, UnknownRecipeError{Type: state.Type}
	}
	for _, key := range sortedKeys(opts.FieldValues) {
		if !fieldAllowed(recipe, key) {
			return domain.ActionState{}, UnknownFieldError{Recipe: state.Type, Field: key}
		}
	}
	if len(opts.References) > 0 && state.Retracted {
		return domain.ActionState{}, ActionRetractedError{ActionID: state.ID}
	}

	var payloads []domain.EventPayload
	for _, key := range sortedKeys(opts.FieldValues) {
		payloads = append(payloads, domain.FieldRecordedPayload{FieldKey: key, Value: opts.FieldValues[key]})
	}
	for _, ref := range opts.References {
		payload, err := e.referencePayload(ctx, state.Type, recipe, ref)
		if err != nil {
			return domain.ActionState{}, err
		}
		payloads = append(payloads, payload)
	}
	if len(payloads) == 0 {
		return state, nil
	}

	base := opts.BaseSequence
	if base == 0 {
		base = int64(state.EventCount)
	}
	if _, err := e.append(ctx, e.now(), state.ID, state.ContextID, state.ContextType, base, payloads); err != nil {
		return domain.ActionState{}, err
	}
	return e.GetAction(ctx, state.ID)
}

// Emit appends a single caller-built event, validated by variant. This is
// the generic amend path behind POST /actions/{id}/events.
func (e Engine) Emit(ctx context.Context, actionID string, baseSeq int64, payload domain.EventPayload) (domain.ActionState, error) {
	if e.Config == nil {
		return domain.ActionState{}, errors.New("config not loaded")
	}
	state, err := e.GetAction(ctx, actionID)
	if err != nil {
		return domain.ActionState{}, err
	}
	switch p := payload.(type) {
	case domain.DeclaredPayload:
		return domain.ActionState{}, fmt.Errorf("action %s already declared; compose creates actions", actionID)
	case domain.FieldRecordedPayload:
		recipe, ok := e.Config.Recipe(state.Type)
		if !ok {
			return domain.ActionState{}, UnknownRecipeError{Type: state.Type}
		}
		if !fieldAllowed(recipe, p.FieldKey) {
			return domain.ActionState{}, UnknownFieldError{Recipe: state.Type, Field: p.FieldKey}
		}
	case domain.ReferenceAddedPayload:
		if state.Retracted {
			return domain.ActionState{}, ActionRetractedError{ActionID: actionID}
		}
		recipe, ok := e.Config.Recipe(state.Type)
		if !ok {
			return domain.ActionState{}, UnknownRecipeError{Type: state.Type}
		}
		slot, ok := recipe.Slot(p.TargetFieldKey)
		if !ok {
			return domain.ActionState{}, UnknownReferenceSlotError{Recipe: state.Type, Slot: p.TargetFieldKey}
		}
		if p.Mode != domain.RefStatic && p.Mode != domain.RefDynamic {
			return domain.ActionState{}, fmt.Errorf("invalid reference mode %q", p.Mode)
		}
		if p.ReferenceID == "" {
			p.ReferenceID = uuid.New().String()
		}
		p.Multiple = slot.Multiple
		payload = p
	case domain.StatusChangedPayload:
		if p.Status == "" {
			return domain.ActionState{}, errors.New("status is required")
		}
	case domain.RetractedPayload:
		// Retracting twice is harmless; the fold is idempotent on it.
	}
	base := baseSeq
	if base == 0 {
		base = int64(state.EventCount)
	}
	if _, err := e.append(ctx, e.now(), actionID, state.ContextID, state.ContextType, base, []domain.EventPayload{payload}); err != nil {
		return domain.ActionState{}, err
	}
	return e.GetAction(ctx, actionID)
}

// SetStatus records a status change.
func (e Engine) SetStatus(ctx context.Context, actionID, status string) (domain.ActionState, error) {
	return e.Emit(ctx, actionID, 0, domain.StatusChangedPayload{Status: status})
}

// Retract marks an action logically dead. The history remains for audit.
func (e Engine) Retract(ctx context.Context, actionID string) (domain.ActionState, error) {
	return e.Emit(ctx, actionID, 0, domain.RetractedPayload{})
}

// GetAction returns the projected state, served from the projection cache
// when the tail has not moved and refreshed incrementally otherwise.
func (e Engine) GetAction(ctx context.Context, actionID string) (domain.ActionState, error) {
	st := e.Store()
	if cached, ok := e.cache.Get(actionID); ok {
		delta, err := st.ReplaySince(ctx, actionID, int64(cached.EventCount))
		if err != nil {
			return domain.ActionState{}, err
		}
		if len(delta) == 0 {
			return cached, nil
		}
		state, err := projector.Apply(cached, delta)
		if err != nil {
			return domain.ActionState{}, err
		}
		e.cache.Add(actionID, state)
		return state, nil
	}
	events, err := st.Replay(ctx, actionID)
	if err != nil {
		return domain.ActionState{}, err
	}
	if len(events) == 0 {
		return domain.ActionState{}, fmt.Errorf("action %s: %w", actionID, repo.ErrNotFound)
	}
	state, err := projector.Project(events)
	if err != nil {
		return domain.ActionState{}, err
	}
	e.cache.Add(actionID, state)
	return state, nil
}

// History returns the raw ordered event history for audit surfaces.
func (e Engine) History(ctx context.Context, actionID string) ([]domain.Event, error) {
	events, err := e.Store().Replay(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("action %s: %w", actionID, repo.ErrNotFound)
	}
	return events, nil
}

// ResolveReference resolves one reference by id. Static references go
// through the read-through cache keyed to the owning action's tail; dynamic
// references always hit the live record so source updates show immediately.
func (e Engine) ResolveReference(ctx context.Context, referenceID string) (domain.ResolvedValue, error) {
	state, ref, err := e.findReference(ctx, referenceID)
	if err != nil {
		return domain.ResolvedValue{}, err
	}
	if ref.Mode == domain.RefStatic {
		return e.Resolver.ResolveCached(ctx, ref, fmt.Sprintf("%d", state.EventCount))
	}
	return e.Resolver.Resolve(ctx, ref)
}

// ResolveReferences is the batch form: one source fetch per distinct record.
func (e Engine) ResolveReferences(ctx context.Context, referenceIDs []string) (map[string]domain.ResolvedValue, error) {
	refs := make([]domain.Reference, 0, len(referenceIDs))
	for _, id := range referenceIDs {
		_, ref, err := e.findReference(ctx, id)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return e.Resolver.ResolveMany(ctx, refs)
}

// CheckDrift reports divergence for a static reference. It only reports;
// resyncing is OverwriteSnapshot, a new event.
func (e Engine) CheckDrift(ctx context.Context, referenceID string) (domain.DriftResult, error) {
	_, ref, err := e.findReference(ctx, referenceID)
	if err != nil {
		return domain.DriftResult{}, err
	}
	return e.Resolver.CheckDrift(ctx, ref)
}

// ChangeReferenceMode converts a reference between static and dynamic by
// appending a superseding reference event. Converting to static captures a
// snapshot at conversion time; converting to dynamic discards the stored
// snapshot going forward.
func (e Engine) ChangeReferenceMode(ctx context.Context, referenceID string, mode domain.RefMode) (domain.Reference, error) {
	if mode != domain.RefStatic && mode != domain.RefDynamic {
		return domain.Reference{}, fmt.Errorf("invalid reference mode %q", mode)
	}
	state, ref, err := e.findReference(ctx, referenceID)
	if err != nil {
		return domain.Reference{}, err
	}
	if ref.Mode == mode {
		return ref, nil
	}
	payload := domain.ReferenceAddedPayload{
		ReferenceID:    ref.ID,
		TargetFieldKey: ref.TargetFieldKey,
		SourceRecordID: ref.SourceRecordID,
		SourceFieldKey: ref.SourceFieldKey,
		Mode:           mode,
		Multiple:       ref.Multiple,
	}
	if mode == domain.RefStatic {
		resolved, err := e.Resolver.Resolve(ctx, domain.Reference{
			SourceRecordID: ref.SourceRecordID,
			SourceFieldKey: ref.SourceFieldKey,
			Mode:           domain.RefDynamic,
		})
		if err != nil {
			return domain.Reference{}, err
		}
		payload.SnapshotValue = resolved.Value
	}
	next, err := e.appendReferenceUpdate(ctx, state, payload)
	if err != nil {
		return domain.Reference{}, err
	}
	return next, nil
}

// OverwriteSnapshot is the sync-to-live action materialized as an event.
func (e Engine) OverwriteSnapshot(ctx context.Context, referenceID string, value any) (domain.Reference, error) {
	state, ref, err := e.findReference(ctx, referenceID)
	if err != nil {
		return domain.Reference{}, err
	}
	if ref.Mode != domain.RefStatic {
		return domain.Reference{}, fmt.Errorf("invalid snapshot overwrite: reference %s is dynamic", referenceID)
	}
	payload := domain.ReferenceAddedPayload{
		ReferenceID:    ref.ID,
		TargetFieldKey: ref.TargetFieldKey,
		SourceRecordID: ref.SourceRecordID,
		SourceFieldKey: ref.SourceFieldKey,
		Mode:           domain.RefStatic,
		SnapshotValue:  value,
		Multiple:       ref.Multiple,
	}
	return e.appendReferenceUpdate(ctx, state, payload)
}

func (e Engine) appendReferenceUpdate(ctx context.Context, state domain.ActionState, payload domain.ReferenceAddedPayload) (domain.Reference, error) {
	if _, err := e.append(ctx, e.now(), state.ID, state.ContextID, state.ContextType, int64(state.EventCount), []domain.EventPayload{payload}); err != nil {
		return domain.Reference{}, err
	}
	next, err := e.GetAction(ctx, state.ID)
	if err != nil {
		return domain.Reference{}, err
	}
	ref, ok := next.Reference(payload.ReferenceID)
	if !ok {
		return domain.Reference{}, fmt.Errorf("reference %s missing after update", payload.ReferenceID)
	}
	return ref, nil
}

func (e Engine) findReference(ctx context.Context, referenceID string) (domain.ActionState, domain.Reference, error) {
	actionID, err := e.Repo.ActionForReference(ctx, referenceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ActionState{}, domain.Reference{}, fmt.Errorf("reference %s: %w", referenceID, repo.ErrNotFound)
		}
		return domain.ActionState{}, domain.Reference{}, err
	}
	state, err := e.GetAction(ctx, actionID)
	if err != nil {
		return domain.ActionState{}, domain.Reference{}, err
	}
	ref, ok := state.Reference(referenceID)
	if !ok {
		return domain.ActionState{}, domain.Reference{}, fmt.Errorf("reference %s: %w", referenceID, repo.ErrNotFound)
	}
	return state, ref, nil
}

// append writes one batch plus its reference index rows in a single
// transaction, and invalidates the projection cache for the action.
func (e Engine) append(ctx context.Context, at time.Time, actionID, contextID string, contextType domain.ContextType, baseSeq int64, payloads []domain.EventPayload) (eventstore.Range, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return eventstore.Range{}, err
	}
	defer tx.Rollback()

	rng, err := e.store(at).AppendTx(ctx, tx, actionID, contextID, contextType, baseSeq, payloads)
	if err != nil {
		return eventstore.Range{}, err
	}
	for _, p := range payloads {
		if ref, ok := p.(domain.ReferenceAddedPayload); ok {
			if err := e.Repo.IndexReferenceTx(ctx, tx, ref.ReferenceID, actionID); err != nil {
				return eventstore.Range{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return eventstore.Range{}, err
	}
	e.cache.Remove(actionID)
	return rng, nil
}

func (e Engine) referencePayload(ctx context.Context, recipeName string, recipe config.Recipe, opts ReferenceOptions) (domain.ReferenceAddedPayload, error) {
	slot, ok := recipe.Slot(opts.TargetFieldKey)
	if !ok {
		return domain.ReferenceAddedPayload{}, UnknownReferenceSlotError{Recipe: recipeName, Slot: opts.TargetFieldKey}
	}
	mode := opts.Mode
	if mode == "" {
		mode = domain.RefDynamic
	}
	if mode != domain.RefStatic && mode != domain.RefDynamic {
		return domain.ReferenceAddedPayload{}, fmt.Errorf("invalid reference mode %q", mode)
	}
	if opts.SourceRecordID == "" {
		return domain.ReferenceAddedPayload{}, errors.New("reference source record id is required")
	}
	payload := domain.ReferenceAddedPayload{
		ReferenceID:    uuid.New().String(),
		TargetFieldKey: opts.TargetFieldKey,
		SourceRecordID: opts.SourceRecordID,
		SourceFieldKey: opts.SourceFieldKey,
		Mode:           mode,
		Multiple:       slot.Multiple,
	}
	if mode == domain.RefStatic {
		// Static links freeze the live value at link time. A dangling source
		// freezes to null; the link is still valid and displayable.
		resolved, err := e.Resolver.Resolve(ctx, domain.Reference{
			SourceRecordID: opts.SourceRecordID,
			SourceFieldKey: opts.SourceFieldKey,
			Mode:           domain.RefDynamic,
		})
		if err != nil {
			return domain.ReferenceAddedPayload{}, err
		}
		payload.SnapshotValue = resolved.Value
	}
	return payload, nil
}

func validateFields(recipeName string, recipe config.Recipe, bindings []string, values map[string]any) error {
	for _, key := range bindings {
		if !fieldAllowed(recipe, key) {
			return UnknownFieldError{Recipe: recipeName, Field: key}
		}
	}
	for _, key := range sortedKeys(values) {
		if !fieldAllowed(recipe, key) {
			return UnknownFieldError{Recipe: recipeName, Field: key}
		}
	}
	for _, f := range recipe.Fields {
		if !f.Required {
			continue
		}
		if _, ok := values[f.Key]; !ok {
			return MissingRequiredFieldError{Recipe: recipeName, Field: f.Key}
		}
	}
	return nil
}

func fieldAllowed(recipe config.Recipe, key string) bool {
	if _, ok := recipe.Field(key); ok {
		return true
	}
	for _, always := range config.AlwaysAllowedFields {
		if key == always {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
