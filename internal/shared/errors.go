package shared

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Error kinds shared by the fiscal and offering engines. Domain packages wrap
// one of these so callers can match either the precise error or its kind.
var (
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a duplicate or stale request.
	ErrConflict = errors.New("conflict")
	// ErrStateViolation indicates the request breaks a lifecycle ordering rule.
	ErrStateViolation = errors.New("state violation")
	// ErrCollaborator indicates an external collaborator failed.
	ErrCollaborator = errors.New("collaborator failure")
)

// Kind names an error category for transports.
type Kind string

const (
	KindValidation     Kind = "VALIDATION"
	KindNotFound       Kind = "NOT_FOUND"
	KindConflict       Kind = "CONFLICT"
	KindStateViolation Kind = "STATE_VIOLATION"
	KindCollaborator   Kind = "COLLABORATOR_FAILURE"
	KindInternal       Kind = "INTERNAL"
)

// KindOf classifies err. Unknown errors are internal. A collaborator failure
// wins over whatever kind the collaborator's own error carries.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCollaborator):
		return KindCollaborator
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrStateViolation):
		return KindStateViolation
	default:
		return KindInternal
	}
}

// ValidationError carries per-field messages.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return e.Message + " (" + strings.Join(parts, "; ") + ")"
}

// Unwrap ties the error to ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a validation error without field details.
func Invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// InvalidField builds a validation error for a single field.
func InvalidField(field, message string) error {
	return &ValidationError{Message: "invalid input", Fields: map[string]string{field: message}}
}

// FromValidator converts validator/v10 failures into a ValidationError.
func FromValidator(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = describeTag(fe)
	}
	return &ValidationError{Message: "invalid input", Fields: fields}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "dive":
		return "contains an invalid element"
	default:
		return "failed " + fe.Tag()
	}
}

// Collaborator marks err as an external collaborator failure while keeping it
// matchable.
func Collaborator(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCollaborator, err)
}
