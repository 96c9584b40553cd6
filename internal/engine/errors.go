package engine

import "fmt"

// Validation failures are typed so the server can map each to a stable error
// code. They are always raised before any append: a rejected declaration
// leaves no events behind.

type UnknownRecipeError struct {
	Type string
}

func (e UnknownRecipeError) Error() string {
	return fmt.Sprintf("unknown recipe %q", e.Type)
}

type UnknownFieldError struct {
	Recipe string
	Field  string
}

func (e UnknownFieldError) Error() string {
	return fmt.Sprintf("recipe %s does not declare field %q", e.Recipe, e.Field)
}

type MissingRequiredFieldError struct {
	Recipe string
	Field  string
}

func (e MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("recipe %s requires field %q", e.Recipe, e.Field)
}

type UnknownReferenceSlotError struct {
	Recipe string
	Slot   string
}

func (e UnknownReferenceSlotError) Error() string {
	return fmt.Sprintf("recipe %s does not declare reference slot %q", e.Recipe, e.Slot)
}

// ActionRetractedError rejects new reference links on a logically dead
// action. Its history stays open for field and status amendments.
type ActionRetractedError struct {
	ActionID string
}

func (e ActionRetractedError) Error() string {
	return fmt.Sprintf("action %s is retracted; new links are not allowed", e.ActionID)
}
