package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jordanhubbard/holly/internal/guardrails"
	"github.com/jordanhubbard/holly/internal/vcs"
)

// GuardrailError is returned when a guardrail check blocks an operation.
// Result carries every violation with its offending path or pattern.
type GuardrailError struct {
	Stage  string
	Result guardrails.Result
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("guardrail violation during %s: %s", e.Stage, e.Result.Reason)
}

// ValidationError reports malformed input. Fields maps a field name to
// what is wrong with it; Err is set when the problem is not field-shaped.
type ValidationError struct {
	Fields map[string]string
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		if e.Err != nil {
			return "invalid input: " + e.Err.Error()
		}
		return "invalid input"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return e.Err }

func fieldError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// fromValidator converts validator/v10 failures into a ValidationError.
func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Err: err}
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		msg := "failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out.Fields[fe.Field()] = msg
	}
	return out
}

// CollaboratorError wraps a VCS failure that exhausted retries or was
// permanent.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	kind := "transient"
	if vcs.IsPermanent(e.Err) {
		kind = "permanent"
	}
	return fmt.Sprintf("vcs %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }
