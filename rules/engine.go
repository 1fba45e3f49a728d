package rules

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/mbp/cep"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/metric"
	"github.com/c360/mbp/pkg/worker"
)

// TriggerService evaluates trigger queries.
type TriggerService interface {
	RegisterTrigger(t *cep.Trigger, callback cep.Callback) error
	UnregisterTrigger(t *cep.Trigger)
	IsValidTriggerQuery(ctx context.Context, t *cep.Trigger) cep.Validation
}

// Config configures the rule engine.
type Config struct {
	Workers   int
	QueueSize int
}

type execution struct {
	ruleID    string
	triggerID string
	output    cep.Output
}

// Engine keeps trigger registrations in line with the enabled rules and
// runs rules when their trigger fires.
type Engine struct {
	service  TriggerService
	rules    RuleStore
	triggers TriggerStore
	executor *Executor
	pool     *worker.Pool[execution]
	logger   *slog.Logger

	mu sync.Mutex
	// trigger id -> ids of the enabled rules using it
	triggerRules map[string]map[string]struct{}
}

// NewEngine creates a rule engine. Call Start before enabling rules.
func NewEngine(cfg Config, service TriggerService, rules RuleStore, triggers TriggerStore, executor *Executor,
	logger *slog.Logger, registry *metric.MetricsRegistry,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		service:      service,
		rules:        rules,
		triggers:     triggers,
		executor:     executor,
		logger:       logger.With("component", "rule-engine"),
		triggerRules: make(map[string]map[string]struct{}),
	}
	opts := []worker.Option[execution]{worker.WithLogger[execution](logger)}
	if registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[execution](registry))
	}
	e.pool = worker.NewPool("rules", cfg.Workers, cfg.QueueSize, e.process, opts...)
	return e
}

// Start starts the workers and enables every stored rule that is marked
// enabled. Rules whose trigger became invalid are disabled.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Engine", "Start", "start worker pool")
	}
	rules, err := e.rules.List(ctx)
	if err != nil {
		return errors.Wrap(err, "Engine", "Start", "load rules")
	}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		ok, err := e.EnableRule(ctx, r)
		switch {
		case err != nil:
			e.logger.Warn("Failed to enable rule on startup", "rule_id", r.ID, "error", err)
		case !ok:
			e.logger.Info("Disabled rule with invalid trigger", "rule_id", r.ID, "trigger_id", r.TriggerID)
		}
	}
	return nil
}

// Stop waits up to timeout for queued executions.
func (e *Engine) Stop(timeout time.Duration) error {
	return e.pool.Stop(timeout)
}

// EnableRule registers the trigger of r unless another enabled rule
// already did and marks r enabled. If the trigger query is no longer valid
// r is stored disabled and false is returned.
func (e *Engine) EnableRule(ctx context.Context, r *Rule) (bool, error) {
	if r == nil {
		return false, errors.WrapInvalid(errors.ErrNilArgument, "Engine", "EnableRule", "rule check")
	}
	trigger, err := e.triggers.Get(ctx, r.TriggerID)
	if err != nil {
		return false, errors.Wrap(err, "Engine", "EnableRule", "load trigger "+r.TriggerID)
	}
	if v := e.service.IsValidTriggerQuery(ctx, trigger); !v.Valid {
		e.logger.Info("Trigger query is invalid", "rule_id", r.ID, "trigger_id", trigger.ID, "reason", v.Message)
		return false, e.setEnabled(ctx, r, false, "EnableRule")
	}

	if err := e.attach(trigger, r.ID); err != nil {
		return false, errors.Join(
			errors.Wrap(err, "Engine", "EnableRule", "register trigger "+trigger.ID),
			e.setEnabled(ctx, r, false, "EnableRule"))
	}
	return true, e.setEnabled(ctx, r, true, "EnableRule")
}

// attach adds ruleID to the rule set of t, registering t for the first
// rule.
func (e *Engine) attach(t *Trigger, ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.triggerRules[t.ID]; ok {
		set[ruleID] = struct{}{}
		return nil
	}
	if err := e.service.RegisterTrigger(t, e.fire); err != nil {
		return err
	}
	e.triggerRules[t.ID] = map[string]struct{}{ruleID: {}}
	return nil
}

// DisableRule removes r from the rule set of its trigger, unregistering
// the trigger with the last rule, and marks r disabled. Rules whose trigger
// is not registered are left untouched.
func (e *Engine) DisableRule(ctx context.Context, r *Rule) error {
	if r == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Engine", "DisableRule", "rule check")
	}
	if !e.detach(r.TriggerID, r.ID) {
		return nil
	}
	return e.setEnabled(ctx, r, false, "DisableRule")
}

func (e *Engine) detach(triggerID, ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.triggerRules[triggerID]
	if !ok {
		return false
	}
	delete(set, ruleID)
	if len(set) == 0 {
		e.service.UnregisterTrigger(&Trigger{ID: triggerID})
		delete(e.triggerRules, triggerID)
	}
	return true
}

// RulesOf returns the ids of the enabled rules using triggerID.
func (e *Engine) RulesOf(triggerID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.triggerRules[triggerID]))
	for id := range e.triggerRules[triggerID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveTriggers returns the number of registered triggers.
func (e *Engine) ActiveTriggers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.triggerRules)
}

// fire queues one execution per rule of t. It never blocks.
func (e *Engine) fire(t *cep.Trigger, out cep.Output) {
	for _, id := range e.RulesOf(t.ID) {
		if err := e.pool.Submit(execution{ruleID: id, triggerID: t.ID, output: out}); err != nil {
			e.logger.Warn("Dropped rule execution", "rule_id", id, "trigger_id", t.ID, "error", err)
		}
	}
}

func (e *Engine) process(ctx context.Context, x execution) error {
	r, err := e.rules.Get(ctx, x.ruleID)
	if err != nil {
		return errors.Wrap(err, "Engine", "process", "load rule "+x.ruleID)
	}
	if !r.Enabled {
		return nil
	}
	success := e.executor.ExecuteRule(ctx, r, x.output)
	e.logger.Info("Rule executed",
		"rule_id", r.ID, "rule_name", r.Name, "trigger_id", x.triggerID,
		"success", success, "output", x.output)
	return nil
}

// setEnabled stores the enabled flag of r. Only the flag is written, the
// execution record of the stored rule is kept.
func (e *Engine) setEnabled(ctx context.Context, r *Rule, enabled bool, method string) error {
	r.Enabled = enabled
	if err := e.executor.updateRule(ctx, r.ID, r, func(stored *Rule) { stored.Enabled = enabled }); err != nil {
		return errors.Wrap(err, "Engine", method, "store rule "+r.ID)
	}
	return nil
}
