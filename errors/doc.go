// Package errors provides standardized error handling patterns for MBP discovery components.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input or caller error, never retried) and Fatal (unrecoverable, stop
// processing). Components decide about retries from the class instead of
// matching error strings.
//
// # Quick Start
//
// Wrap errors with component context:
//
//	if err := store.AddEntry(ctx, id, entry); err != nil {
//	    return errors.Wrap(err, "LogService", "AddEntry", "append entry")
//	}
//
// Signal a missing entity as a caller error:
//
//	return errors.WrapInvalid(errors.ErrNotFound, "Engine", "Activate", "load deployment "+id)
//
// Collect field-level validation problems:
//
//	v := errors.NewValidationError("invalid device template")
//	if tpl.Name == "" {
//	    v.Add("name", "must not be empty")
//	}
//	return v.OrNil()
//
// ValidationError unwraps to ErrValidation, so errors.Is and IsInvalid both
// recognize it.
package errors
