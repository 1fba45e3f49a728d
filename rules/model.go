package rules

import (
	"context"
	"strings"
	"time"

	"github.com/c360/mbp/cep"
	"github.com/c360/mbp/errors"
)

// Trigger is the query that fires rules.
type Trigger = cep.Trigger

// ExecutionResult is the outcome of the last run of a rule.
type ExecutionResult string

// Execution results
const (
	ResultSuccess ExecutionResult = "success"
	ResultFailure ExecutionResult = "failure"
)

// Rule runs its actions whenever its trigger fires.
type Rule struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Owner               string          `json:"owner,omitempty"`
	TriggerID           string          `json:"triggerId"`
	ActionIDs           []string        `json:"actionIds"`
	Enabled             bool            `json:"enabled"`
	Executions          int             `json:"executions"`
	LastExecution       *time.Time      `json:"lastExecution,omitempty"`
	LastExecutionResult ExecutionResult `json:"lastExecutionResult,omitempty"`
}

// Validate checks the user supplied fields.
func (r *Rule) Validate() error {
	v := errors.NewValidationError("invalid rule")
	if strings.TrimSpace(r.Name) == "" {
		v.Add("name", "The name must not be empty.")
	}
	if r.TriggerID == "" {
		v.Add("triggerId", "A trigger needs to be selected.")
	}
	for _, id := range r.ActionIDs {
		if id == "" {
			v.Add("actionIds", "Action ids must not be empty.")
			break
		}
	}
	return v.OrNil()
}

// ActionType selects the executor of an action.
type ActionType string

// Action types
const (
	ActionActuator            ActionType = "actuator_action"
	ActionComponentDeployment ActionType = "component_deployment"
	ActionWebhook             ActionType = "ifttt_webhook"
)

// Action is one step of a rule.
type Action struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Owner      string            `json:"owner,omitempty"`
	Type       ActionType        `json:"type"`
	Parameters map[string]string `json:"parameters"`
}

// RuleStore persists rules.
type RuleStore interface {
	Get(ctx context.Context, id string) (*Rule, error)
	Save(ctx context.Context, r *Rule) error
	List(ctx context.Context) ([]*Rule, error)
}

// ActionStore looks actions up by id.
type ActionStore interface {
	Get(ctx context.Context, id string) (*Action, error)
}

// TriggerStore looks triggers up by id.
type TriggerStore interface {
	Get(ctx context.Context, id string) (*Trigger, error)
}
