package server

import (
	"actionline/internal/domain"
	"actionline/internal/engine"
)

// Request payloads

type FieldValueInput struct {
	FieldName string `json:"field_name"`
	Value     any    `json:"value"`
}

type ReferenceInput struct {
	SourceRecordID string `json:"source_record_id"`
	SourceFieldKey string `json:"source_field_key,omitempty"`
	TargetFieldKey string `json:"target_field_key"`
	Mode           string `json:"mode,omitempty" enum:"static,dynamic"`
}

type ComposeRequest struct {
	ContextID      string            `json:"context_id"`
	ContextType    string            `json:"context_type" enum:"project,stage,subprocess,process"`
	Type           string            `json:"type"`
	FieldBindings  []string          `json:"field_bindings,omitempty"`
	FieldValues    []FieldValueInput `json:"field_values,omitempty"`
	References     []ReferenceInput  `json:"references,omitempty"`
	ParentActionID *string           `json:"parent_action_id,omitempty"`
}

type AmendRequest struct {
	BaseSequence int64             `json:"base_sequence,omitempty"`
	FieldValues  []FieldValueInput `json:"field_values,omitempty"`
	References   []ReferenceInput  `json:"references,omitempty"`
}

type EmitEventRequest struct {
	Type         string         `json:"type" enum:"action.field.recorded,action.reference.added,action.status.changed,action.retracted"`
	BaseSequence int64          `json:"base_sequence,omitempty"`
	Payload      map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type BatchResolveRequest struct {
	ReferenceIDs []string `json:"reference_ids"`
}

type SetReferenceModeRequest struct {
	Mode string `json:"mode" enum:"static,dynamic"`
}

type OverwriteSnapshotRequest struct {
	Value any `json:"value"`
}

type PutRecordRequest struct {
	Fields map[string]any `json:"fields" jsonschema:"type=object,additionalProperties=true"`
}

type SetRecordFieldRequest struct {
	Value any `json:"value"`
}

// Response payloads

type ActionResponse struct {
	ID             string              `json:"id"`
	Type           string              `json:"type"`
	ContextID      string              `json:"context_id"`
	ContextType    string              `json:"context_type" enum:"project,stage,subprocess,process"`
	ParentActionID *string             `json:"parent_action_id,omitempty"`
	FieldBindings  []string            `json:"field_bindings,omitempty"`
	FieldValues    map[string]any      `json:"field_values"`
	Status         string              `json:"status,omitempty"`
	References     []ReferenceResponse `json:"references,omitempty"`
	Retracted      bool                `json:"retracted"`
	EventCount     int                 `json:"event_count"`
	CreatedAt      string              `json:"created_at" format:"date-time"`
	UpdatedAt      string              `json:"updated_at" format:"date-time"`
}

type ReferenceResponse struct {
	ID             string `json:"id"`
	TargetFieldKey string `json:"target_field_key"`
	SourceRecordID string `json:"source_record_id"`
	SourceFieldKey string `json:"source_field_key,omitempty"`
	Mode           string `json:"mode" enum:"static,dynamic"`
	SnapshotValue  any    `json:"snapshot_value,omitempty"`
	Multiple       bool   `json:"multiple,omitempty"`
}

type EventResponse struct {
	ActionID    string `json:"action_id"`
	Sequence    int64  `json:"sequence"`
	Type        string `json:"type"`
	ContextID   string `json:"context_id"`
	ContextType string `json:"context_type"`
	OccurredAt  string `json:"occurred_at" format:"date-time"`
	Payload     any    `json:"payload"`
}

type ResolvedResponse struct {
	Value any    `json:"value"`
	Mode  string `json:"mode" enum:"static,dynamic"`
	Stale bool   `json:"stale"`
}

type DriftResponse struct {
	Drift         bool `json:"drift"`
	LiveValue     any  `json:"live_value"`
	SnapshotValue any  `json:"snapshot_value"`
}

type RecordResponse struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

// Mapping helpers

func actionResponse(s domain.ActionState) ActionResponse {
	return ActionResponse{
		ID:             s.ID,
		Type:           s.Type,
		ContextID:      s.ContextID,
		ContextType:    string(s.ContextType),
		ParentActionID: s.ParentActionID,
		FieldBindings:  s.FieldBindings,
		FieldValues:    s.FieldValues,
		Status:         s.Status,
		References:     mapReferences(s.References),
		Retracted:      s.Retracted,
		EventCount:     s.EventCount,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func mapReferences(refs []domain.Reference) []ReferenceResponse {
	if len(refs) == 0 {
		return nil
	}
	out := make([]ReferenceResponse, len(refs))
	for i, r := range refs {
		out[i] = ReferenceResponse{
			ID:             r.ID,
			TargetFieldKey: r.TargetFieldKey,
			SourceRecordID: r.SourceRecordID,
			SourceFieldKey: r.SourceFieldKey,
			Mode:           string(r.Mode),
			SnapshotValue:  r.SnapshotValue,
			Multiple:       r.Multiple,
		}
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ActionID:    e.ActionID,
		Sequence:    e.Sequence,
		Type:        string(e.Type),
		ContextID:   e.ContextID,
		ContextType: string(e.ContextType),
		OccurredAt:  e.OccurredAt,
		Payload:     e.Payload,
	}
}

func mapEvents(events []domain.Event) []EventResponse {
	out := make([]EventResponse, len(events))
	for i, e := range events {
		out[i] = eventResponse(e)
	}
	return out
}

func resolvedResponse(v domain.ResolvedValue) ResolvedResponse {
	return ResolvedResponse{Value: v.Value, Mode: string(v.Mode), Stale: v.Stale}
}

func driftResponse(d domain.DriftResult) DriftResponse {
	return DriftResponse{Drift: d.HasDrift, LiveValue: d.LiveValue, SnapshotValue: d.SnapshotValue}
}

func recordResponse(r domain.Record) RecordResponse {
	return RecordResponse{ID: r.ID, Fields: r.Fields, UpdatedAt: r.UpdatedAt}
}

func referenceResponse(r domain.Reference) ReferenceResponse {
	return ReferenceResponse{
		ID:             r.ID,
		TargetFieldKey: r.TargetFieldKey,
		SourceRecordID: r.SourceRecordID,
		SourceFieldKey: r.SourceFieldKey,
		Mode:           string(r.Mode),
		SnapshotValue:  r.SnapshotValue,
		Multiple:       r.Multiple,
	}
}

func composeOptions(req ComposeRequest) engine.ComposeOptions {
	opts := engine.ComposeOptions{
		ContextID:      req.ContextID,
		ContextType:    domain.ContextType(req.ContextType),
		Type:           req.Type,
		FieldBindings:  req.FieldBindings,
		FieldValues:    fieldValueMap(req.FieldValues),
		References:     referenceOptions(req.References),
		ParentActionID: req.ParentActionID,
	}
	return opts
}

func fieldValueMap(in []FieldValueInput) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for _, fv := range in {
		out[fv.FieldName] = fv.Value
	}
	return out
}

func referenceOptions(in []ReferenceInput) []engine.ReferenceOptions {
	if len(in) == 0 {
		return nil
	}
	out := make([]engine.ReferenceOptions, len(in))
	for i, r := range in {
		out[i] = engine.ReferenceOptions{
			SourceRecordID: r.SourceRecordID,
			SourceFieldKey: r.SourceFieldKey,
			TargetFieldKey: r.TargetFieldKey,
			Mode:           domain.RefMode(r.Mode),
		}
	}
	return out
}
