package errors

import (
	"fmt"
	"strings"
)

// FieldError describes one rejected field of a validated entity.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects field-level problems found while validating an
// entity. It unwraps to ErrValidation and is classified as invalid.
type ValidationError struct {
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields"`
}

// NewValidationError returns an empty collection with the given summary message.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// Add records a problem for field. Field names use dotted paths, for example
// "scoringCriteria[1].halfScoreDistance".
func (v *ValidationError) Add(field, message string) *ValidationError {
	v.Fields = append(v.Fields, FieldError{Field: field, Message: message})
	return v
}

// Addf is Add with a formatted message.
func (v *ValidationError) Addf(field, format string, args ...any) *ValidationError {
	return v.Add(field, fmt.Sprintf(format, args...))
}

// Merge copies the fields of other into v, prefixing each field name.
func (v *ValidationError) Merge(prefix string, other *ValidationError) *ValidationError {
	if other == nil {
		return v
	}
	for _, f := range other.Fields {
		name := f.Field
		if prefix != "" {
			if name == "" {
				name = prefix
			} else {
				name = prefix + "." + name
			}
		}
		v.Fields = append(v.Fields, FieldError{Field: name, Message: f.Message})
	}
	return v
}

// HasErrors reports whether any field was rejected.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.Fields) > 0
}

// OrNil returns v as an error if it has entries, nil otherwise.
func (v *ValidationError) OrNil() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	var b strings.Builder
	if v.Message != "" {
		b.WriteString(v.Message)
	} else {
		b.WriteString(ErrValidation.Error())
	}
	for i, f := range v.Fields {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		if f.Field != "" {
			b.WriteString(f.Field)
			b.WriteString(" ")
		}
		b.WriteString(f.Message)
	}
	return b.String()
}

// Unwrap allows errors.Is(err, ErrValidation).
func (v *ValidationError) Unwrap() error {
	return ErrValidation
}
