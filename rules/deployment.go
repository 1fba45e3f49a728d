package rules

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/c360/mbp/cep"
	"github.com/c360/mbp/deploy"
	"github.com/c360/mbp/errors"
)

// Parameters of component deployment actions
const (
	ParamComponent    = "component"
	ParamDeployAction = "deploy"
)

// DeploymentAction is what a component deployment action does.
type DeploymentAction string

// Deployment actions
const (
	DeployAction   DeploymentAction = "DEPLOY"
	StartAction    DeploymentAction = "START"
	StopAction     DeploymentAction = "STOP"
	UndeployAction DeploymentAction = "UNDEPLOY"
)

// TargetState is the component state the action must end in.
func (a DeploymentAction) TargetState() (deploy.ComponentState, bool) {
	switch a {
	case DeployAction, StopAction:
		return deploy.ComponentDeployed, true
	case StartAction:
		return deploy.ComponentRunning, true
	case UndeployAction:
		return deploy.ComponentReady, true
	}
	return deploy.ComponentUnknown, false
}

var componentRefPattern = regexp.MustCompile(`^(actuator|sensor)/[A-Za-z0-9_-]+$`)

// DeploymentExecutor changes the deployment state of sensors and actuators.
type DeploymentExecutor struct {
	dispatcher *deploy.Dispatcher
	components Components
	logger     *slog.Logger
}

// NewDeploymentExecutor creates the executor for component deployment
// actions.
func NewDeploymentExecutor(dispatcher *deploy.Dispatcher, components Components, logger *slog.Logger) *DeploymentExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeploymentExecutor{dispatcher: dispatcher, components: components, logger: logger.With("component", "deployment-action")}
}

func (e *DeploymentExecutor) component(ctx context.Context, ref string) (*deploy.Component, bool) {
	if !componentRefPattern.MatchString(ref) {
		return nil, false
	}
	typ, id, _ := strings.Cut(ref, "/")
	return lookupComponent(ctx, e.components, typ, id)
}

func (e *DeploymentExecutor) ValidateParameters(ctx context.Context, params map[string]string, v *errors.ValidationError) {
	if ref, ok := params[ParamComponent]; !ok {
		v.Add("parameters", "A component needs to be selected.")
	} else if !componentRefPattern.MatchString(ref) {
		v.Add("parameters", "Invalid component provided.")
	} else if _, found := e.component(ctx, ref); !found {
		v.Add("parameters", "Component could not be found.")
	}

	if act, ok := params[ParamDeployAction]; !ok {
		v.Add("parameters", "A deploy action needs to be selected.")
	} else if _, valid := DeploymentAction(act).TargetState(); !valid {
		v.Add("parameters", "Invalid deploy action provided.")
	}
}

// Execute moves the component towards the target state of the action and
// succeeds if it ends there. Components that are not ready or in an
// unknown state are left alone.
func (e *DeploymentExecutor) Execute(ctx context.Context, action *Action, _ *Rule, _ cep.Output) bool {
	c, found := e.component(ctx, action.Parameters[ParamComponent])
	if !found {
		return false
	}
	act := DeploymentAction(action.Parameters[ParamDeployAction])
	target, valid := act.TargetState()
	if !valid {
		return false
	}

	d := e.dispatcher.Deployer()
	state, err := d.RetrieveComponentState(ctx, c)
	if err != nil || state == deploy.ComponentUnknown || state == deploy.ComponentNotReady {
		return false
	}

	if err := apply(ctx, d, c, act, state); err != nil {
		e.logger.Info("Deployment action failed", "component_id", c.ID, "action", act, "error", err)
		return false
	}
	final, err := d.RetrieveComponentState(ctx, c)
	return err == nil && final == target
}

func apply(ctx context.Context, d deploy.Deployer, c *deploy.Component, act DeploymentAction, state deploy.ComponentState) error {
	switch act {
	case DeployAction:
		if state == deploy.ComponentReady {
			return d.DeployComponent(ctx, c)
		}
	case StartAction:
		if state == deploy.ComponentReady {
			if err := d.DeployComponent(ctx, c); err != nil {
				return err
			}
			state = deploy.ComponentDeployed
		}
		if state == deploy.ComponentDeployed {
			return d.StartComponent(ctx, c, nil)
		}
	case StopAction:
		if state == deploy.ComponentRunning {
			return d.StopComponent(ctx, c)
		}
	case UndeployAction:
		if state == deploy.ComponentRunning {
			if err := d.StopComponent(ctx, c); err != nil {
				return err
			}
			state = deploy.ComponentDeployed
		}
		if state == deploy.ComponentDeployed {
			return d.UndeployComponent(ctx, c)
		}
	}
	return nil
}
