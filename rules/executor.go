package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/mbp/cep"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/metric"
)

// ActionExecutor carries out actions of one type.
type ActionExecutor interface {
	// ValidateParameters adds a field error for every invalid parameter.
	ValidateParameters(ctx context.Context, params map[string]string, v *errors.ValidationError)
	// Execute runs the action and reports whether it succeeded.
	Execute(ctx context.Context, action *Action, rule *Rule, out cep.Output) bool
}

// Executor runs the actions of rules and keeps their execution records.
type Executor struct {
	executors map[ActionType]ActionExecutor
	rules     RuleStore
	actions   ActionStore
	logger    *slog.Logger
	metrics   *metric.Metrics

	// serializes the read-modify-write of execution records
	recordMu sync.Mutex
}

// NewExecutor creates an executor without action executors.
func NewExecutor(rules RuleStore, actions ActionStore, logger *slog.Logger, metrics *metric.Metrics) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		executors: make(map[ActionType]ActionExecutor),
		rules:     rules,
		actions:   actions,
		logger:    logger.With("component", "rule-executor"),
		metrics:   metrics,
	}
}

// Register sets the executor for actions of type t.
func (x *Executor) Register(t ActionType, e ActionExecutor) {
	x.executors[t] = e
}

// ValidateAction checks the action and lets its executor check the
// parameters.
func (x *Executor) ValidateAction(ctx context.Context, a *Action) error {
	if a == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Executor", "ValidateAction", "action check")
	}
	v := errors.NewValidationError("invalid rule action")
	if strings.TrimSpace(a.Name) == "" {
		v.Add("name", "The name must not be empty.")
	}
	e, ok := x.executors[a.Type]
	if !ok {
		v.Add("type", "Unknown action type.")
		return v.OrNil()
	}
	e.ValidateParameters(ctx, a.Parameters, v)
	return v.OrNil()
}

// TestAction runs a on a throw-away rule that is never stored.
func (x *Executor) TestAction(ctx context.Context, a *Action) bool {
	if a == nil {
		return false
	}
	rule := &Rule{ID: "0000000", Name: "testing rule", Enabled: true, ActionIDs: []string{a.ID}}
	return x.run(ctx, a, rule, nil)
}

// ExecuteRule runs the actions of r in order and stores the execution
// record. It reports whether every action succeeded.
func (x *Executor) ExecuteRule(ctx context.Context, r *Rule, out cep.Output) bool {
	if r == nil {
		return false
	}
	now := time.Now().UTC()
	x.record(ctx, r.ID, func(stored *Rule) {
		stored.Executions++
		stored.LastExecution = &now
	})

	success := true
	for _, id := range r.ActionIDs {
		a, err := x.actions.Get(ctx, id)
		if err != nil {
			x.logger.Warn("Rule action not found", "rule_id", r.ID, "action_id", id, "error", err)
			success = false
			continue
		}
		// Every action runs, even after a failure.
		success = x.run(ctx, a, r, out) && success
	}

	result := ResultFailure
	if success {
		result = ResultSuccess
	}
	x.record(ctx, r.ID, func(stored *Rule) { stored.LastExecutionResult = result })
	x.metrics.RecordRuleExecution(success)
	return success
}

func (x *Executor) run(ctx context.Context, a *Action, r *Rule, out cep.Output) (ok bool) {
	e, found := x.executors[a.Type]
	if !found {
		x.logger.Warn("No executor for action type", "action_id", a.ID, "type", a.Type)
		x.metrics.RecordActionExecution(string(a.Type), false)
		return false
	}
	defer func() {
		if p := recover(); p != nil {
			x.logger.Error("Action executor panicked", "action_id", a.ID, "type", a.Type, "panic", fmt.Sprint(p))
			ok = false
		}
		x.metrics.RecordActionExecution(string(a.Type), ok)
	}()
	return e.Execute(ctx, a, r, out)
}

func (x *Executor) record(ctx context.Context, ruleID string, update func(*Rule)) {
	if err := x.updateRule(ctx, ruleID, nil, update); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			x.logger.Debug("Execution record not stored", "rule_id", ruleID, "error", err)
			return
		}
		x.logger.Warn("Failed to store execution record", "rule_id", ruleID, "error", err)
	}
}

// updateRule applies update to the stored rule so that concurrent changes
// to other fields survive. A rule that is not stored yet is created from
// fallback when given.
func (x *Executor) updateRule(ctx context.Context, ruleID string, fallback *Rule, update func(*Rule)) error {
	x.recordMu.Lock()
	defer x.recordMu.Unlock()
	stored, err := x.rules.Get(ctx, ruleID)
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrNotFound) && fallback != nil:
		c := *fallback
		stored = &c
	default:
		return err
	}
	update(stored)
	return x.rules.Save(ctx, stored)
}
