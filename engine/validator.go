package engine

import (
	"context"

	"github.com/c360/mbp/deploy"
	"github.com/c360/mbp/errors"
)

// Validator checks a new dynamic deployment against the stored entities it
// references.
type Validator struct {
	repos Repositories
}

// NewValidator creates a validator on repos.
func NewValidator(repos Repositories) *Validator {
	return &Validator{repos: repos}
}

// Validate checks the fields of dd, that its id is free, and that its
// operator and device template exist and belong to the same owner.
func (v *Validator) Validate(ctx context.Context, dd *deploy.DynamicDeployment) error {
	if dd == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Validator", "Validate", "deployment check")
	}
	if err := dd.Validate(); err != nil {
		return err
	}

	verr := errors.NewValidationError("invalid dynamic deployment")

	exists, err := v.repos.Deployments.Exists(ctx, dd.ID)
	if err != nil {
		return errors.Wrap(err, "Validator", "Validate", "deployment lookup")
	}
	if exists {
		verr.Addf("id", "A dynamic deployment with id %q exists already.", dd.ID)
	}

	op, err := v.repos.Operators.Get(ctx, dd.OperatorID)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		verr.Add("operatorId", "The operator does not exist.")
	case err != nil:
		return errors.Wrap(err, "Validator", "Validate", "operator lookup")
	case !sameOwner(dd.Owner, op.Owner):
		verr.Add("operatorId", "The operator belongs to another user.")
	}

	tpl, err := v.repos.Templates.Get(ctx, dd.DeviceTemplateID)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		verr.Add("deviceTemplateId", "The device template does not exist.")
	case err != nil:
		return errors.Wrap(err, "Validator", "Validate", "template lookup")
	case !sameOwner(dd.Owner, tpl.Owner):
		verr.Add("deviceTemplateId", "The device template belongs to another user.")
	}

	return verr.OrNil()
}

// sameOwner treats an empty owner as shared.
func sameOwner(a, b string) bool {
	return a == "" || b == "" || a == b
}
