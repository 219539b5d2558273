package vector

import "fmt"

// NotFoundError indicates the record was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a write conflicted with existing state, such as
// an attempt to mutate an identity field or introduce a supersession cycle.
type ConflictError struct {
	Message string
	Details map[string]interface{}
}

func (e *ConflictError) Error() string {
	return e.Message
}

// UnavailableError indicates the backing store or an upstream provider is
// temporarily unreachable. Callers may retry.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
