package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/c360/mbp/cep"
	"github.com/c360/mbp/deploy"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/pubsub"
)

// Parameters of actuator actions
const (
	ParamActuator   = "actuator"
	ParamActionName = "action"
	ParamData       = "data"
)

// ActuatorTopic is the topic format of actuator commands.
const ActuatorTopic = "action/%s/%s"

var actionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\- ]+$`)

// Components looks components up by id.
type Components interface {
	Get(ctx context.Context, id string) (*deploy.Component, error)
}

func lookupComponent(ctx context.Context, components Components, componentType, id string) (*deploy.Component, bool) {
	c, err := components.Get(ctx, id)
	if err != nil || c.Type != componentType {
		return nil, false
	}
	return c, true
}

// ActuatorCommand is the message an actuator receives.
type ActuatorCommand struct {
	RuleID         string     `json:"rule_id"`
	RuleName       string     `json:"rule_name"`
	RuleActionID   string     `json:"rule_action_id"`
	RuleActionName string     `json:"rule_action_name"`
	ActuatorID     string     `json:"actuator_id"`
	Action         string     `json:"action"`
	Data           string     `json:"data"`
	CEPOutput      cep.Output `json:"cep_output"`
}

// ActuatorExecutor publishes commands to actuators.
type ActuatorExecutor struct {
	client     pubsub.Client
	components Components
	logger     *slog.Logger
}

// NewActuatorExecutor creates the executor for actuator actions.
func NewActuatorExecutor(client pubsub.Client, components Components, logger *slog.Logger) *ActuatorExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActuatorExecutor{client: client, components: components, logger: logger.With("component", "actuator-action")}
}

func (e *ActuatorExecutor) ValidateParameters(ctx context.Context, params map[string]string, v *errors.ValidationError) {
	if id, ok := params[ParamActuator]; !ok {
		v.Add("parameters", "An actuator needs to be selected.")
	} else if _, found := lookupComponent(ctx, e.components, deploy.TypeActuator, id); id == "" || !found {
		v.Add("parameters", "Invalid actuator selected.")
	}

	name, ok := params[ParamActionName]
	switch {
	case !ok:
		v.Add("parameters", "An action name needs to be provided.")
	case name == "":
		v.Add("parameters", "The action name must not be empty.")
	case !actionNamePattern.MatchString(name):
		v.Add("parameters", "The action name contains invalid characters.")
	}
}

func (e *ActuatorExecutor) Execute(ctx context.Context, action *Action, rule *Rule, out cep.Output) bool {
	actuatorID := action.Parameters[ParamActuator]
	name := action.Parameters[ParamActionName]
	if _, found := lookupComponent(ctx, e.components, deploy.TypeActuator, actuatorID); !found || name == "" {
		return false
	}
	if out == nil {
		out = cep.Output{}
	}
	data, err := json.Marshal(ActuatorCommand{
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		RuleActionID:   action.ID,
		RuleActionName: action.Name,
		ActuatorID:     actuatorID,
		Action:         name,
		Data:           action.Parameters[ParamData],
		CEPOutput:      out,
	})
	if err != nil {
		return false
	}
	topic := fmt.Sprintf(ActuatorTopic, actuatorID, name)
	if err := e.client.Publish(ctx, topic, data); err != nil {
		e.logger.Warn("Failed to publish actuator command", "topic", topic, "error", err)
		return false
	}
	return true
}
