package domain

// ContextType identifies the kind of container an action lives in.
type ContextType string

const (
	ContextProject    ContextType = "project"
	ContextStage      ContextType = "stage"
	ContextSubprocess ContextType = "subprocess"
	ContextProcess    ContextType = "process"
)

// ValidContextType reports whether t is one of the known container kinds.
func ValidContextType(t ContextType) bool {
	switch t {
	case ContextProject, ContextStage, ContextSubprocess, ContextProcess:
		return true
	}
	return false
}

// RefMode selects between a frozen snapshot and a live pointer.
type RefMode string

const (
	RefStatic  RefMode = "static"
	RefDynamic RefMode = "dynamic"
)

// EventType names one of the five event variants. The set is closed: new
// kinds are added here and in the projector fold, nowhere else.
type EventType string

const (
	EventActionDeclared     EventType = "action.declared"
	EventFieldValueRecorded EventType = "action.field.recorded"
	EventReferenceAdded     EventType = "action.reference.added"
	EventStatusChanged      EventType = "action.status.changed"
	EventActionRetracted    EventType = "action.retracted"
)

// Event is an immutable fact in an action's history, totally ordered per
// action by Sequence. Events are never edited in place; amendments are new
// events.
type Event struct {
	ActionID    string       `json:"action_id"`
	Sequence    int64        `json:"sequence"`
	Type        EventType    `json:"type" enum:"action.declared,action.field.recorded,action.reference.added,action.status.changed,action.retracted"`
	ContextID   string       `json:"context_id"`
	ContextType ContextType  `json:"context_type" enum:"project,stage,subprocess,process"`
	OccurredAt  string       `json:"occurred_at" format:"date-time"`
	Payload     EventPayload `json:"payload"`
}

// EventPayload is the closed sum over the five variant payloads.
type EventPayload interface {
	EventType() EventType
}

type DeclaredPayload struct {
	ActionType     string   `json:"action_type"`
	FieldBindings  []string `json:"field_bindings,omitempty"`
	ParentActionID *string  `json:"parent_action_id,omitempty"`
}

func (DeclaredPayload) EventType() EventType { return EventActionDeclared }

type FieldRecordedPayload struct {
	FieldKey string `json:"field_key"`
	Value    any    `json:"value"`
}

func (FieldRecordedPayload) EventType() EventType { return EventFieldValueRecorded }

// ReferenceAddedPayload links a slot on the owning action to a source
// record's field. A later event carrying an existing ReferenceID supersedes
// the earlier link, which is how mode changes and snapshot syncs are
// expressed without widening the event set.
type ReferenceAddedPayload struct {
	ReferenceID    string  `json:"reference_id"`
	TargetFieldKey string  `json:"target_field_key"`
	SourceRecordID string  `json:"source_record_id"`
	SourceFieldKey string  `json:"source_field_key"`
	Mode           RefMode `json:"mode" enum:"static,dynamic"`
	SnapshotValue  any     `json:"snapshot_value,omitempty"`
	Multiple       bool    `json:"multiple,omitempty"`
}

func (ReferenceAddedPayload) EventType() EventType { return EventReferenceAdded }

type StatusChangedPayload struct {
	Status string `json:"status"`
}

func (StatusChangedPayload) EventType() EventType { return EventStatusChanged }

type RetractedPayload struct{}

func (RetractedPayload) EventType() EventType { return EventActionRetracted }

// Reference is the projected shape of the latest reference event per slot.
type Reference struct {
	ID             string  `json:"id"`
	TargetFieldKey string  `json:"target_field_key"`
	SourceRecordID string  `json:"source_record_id"`
	SourceFieldKey string  `json:"source_field_key"`
	Mode           RefMode `json:"mode" enum:"static,dynamic"`
	SnapshotValue  any     `json:"snapshot_value,omitempty"`
	Multiple       bool    `json:"multiple,omitempty"`
}

// ActionState is derived state only: it is recomputed from the event history
// and never stored as a mutable row.
type ActionState struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	ContextID      string         `json:"context_id"`
	ContextType    ContextType    `json:"context_type" enum:"project,stage,subprocess,process"`
	ParentActionID *string        `json:"parent_action_id,omitempty"`
	FieldBindings  []string       `json:"field_bindings,omitempty"`
	FieldValues    map[string]any `json:"field_values"`
	Status         string         `json:"status,omitempty"`
	References     []Reference    `json:"references,omitempty"`
	Retracted      bool           `json:"retracted"`
	EventCount     int            `json:"event_count"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// Reference returns the projected reference with the given id.
func (s ActionState) Reference(id string) (Reference, bool) {
	for _, ref := range s.References {
		if ref.ID == id {
			return ref, true
		}
	}
	return Reference{}, false
}

// Record is a row in the live record store that dynamic references point at.
type Record struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

// ResolvedValue is the outcome of resolving one reference. Stale marks a
// dangling or timed-out dynamic source; it is a displayable state, not an
// error.
type ResolvedValue struct {
	Value any     `json:"value"`
	Mode  RefMode `json:"mode" enum:"static,dynamic"`
	Stale bool    `json:"stale"`
}

// DriftResult reports divergence between a static snapshot and its live
// source.
type DriftResult struct {
	HasDrift      bool `json:"has_drift"`
	LiveValue     any  `json:"live_value"`
	SnapshotValue any  `json:"snapshot_value"`
}
