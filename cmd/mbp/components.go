package main

import (
	"context"

	"github.com/c360/mbp/deploy"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/storage"
)

// components resolves sensors and actuators from their own repository and
// dynamic deployments from the deployment repository, bound to the device
// they last ran on.
type components struct {
	static      *storage.Repository[deploy.Component]
	deployments *storage.Repository[deploy.DynamicDeployment]
	operators   *storage.Repository[deploy.Operator]
}

func (c components) Get(ctx context.Context, id string) (*deploy.Component, error) {
	comp, err := c.static.Get(ctx, id)
	if !errors.Is(err, errors.ErrNotFound) {
		return comp, err
	}

	dd, err := c.deployments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	comp = &deploy.Component{
		ID:     dd.ID,
		Name:   dd.Name,
		Owner:  dd.Owner,
		Type:   deploy.TypeDynamicDeployment,
		Device: dd.LastDevice,
	}
	op, err := c.operators.Get(ctx, dd.OperatorID)
	switch {
	case err == nil:
		comp.Operator = op
	case !errors.Is(err, errors.ErrNotFound):
		return nil, err
	}
	return comp, nil
}

func (c components) Exists(ctx context.Context, componentType, id string) (bool, error) {
	comp, err := c.Get(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return comp.Type == componentType, nil
}
