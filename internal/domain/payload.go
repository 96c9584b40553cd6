package domain

import (
	"encoding/json"
	"fmt"
)

// DecodePayload unmarshals a stored payload into its concrete variant for the
// given event type.
func DecodePayload(t EventType, data []byte) (EventPayload, error) {
	switch t {
	case EventActionDeclared:
		var p DeclaredPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case EventFieldValueRecorded:
		var p FieldRecordedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case EventReferenceAdded:
		var p ReferenceAddedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case EventStatusChanged:
		var p StatusChangedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case EventActionRetracted:
		return RetractedPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}
