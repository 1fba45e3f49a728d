package rules

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbp/cep"
	"github.com/c360/mbp/deploy"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/pubsub"
	"github.com/c360/mbp/storage"
)

// countingService counts registrations on top of the real trigger service.
type countingService struct {
	*cep.Service
	mu           sync.Mutex
	registered   int
	unregistered int
	registerErr  error
}

func (s *countingService) RegisterTrigger(t *cep.Trigger, cb cep.Callback) error {
	s.mu.Lock()
	s.registered++
	err := s.registerErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Service.RegisterTrigger(t, cb)
}

func (s *countingService) UnregisterTrigger(t *cep.Trigger) {
	s.mu.Lock()
	s.unregistered++
	s.mu.Unlock()
	s.Service.UnregisterTrigger(t)
}

func (s *countingService) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered, s.unregistered
}

type fixture struct {
	ctx        context.Context
	broker     *pubsub.Memory
	service    *countingService
	rules      *storage.Repository[Rule]
	actions    *storage.Repository[Action]
	triggers   *storage.Repository[Trigger]
	components *storage.Repository[deploy.Component]
	executor   *Executor
	engine     *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := storage.NewMemory()
	f := &fixture{
		ctx:        ctx,
		broker:     pubsub.NewMemory(),
		service:    &countingService{Service: cep.NewService(nil)},
		rules:      storage.NewRepository(store, "rule", func(r *Rule) string { return r.ID }),
		actions:    storage.NewRepository(store, "action", func(a *Action) string { return a.ID }),
		triggers:   storage.NewRepository(store, "trigger", func(t *Trigger) string { return t.ID }),
		components: storage.NewRepository(store, "component", func(c *deploy.Component) string { return c.ID }),
	}
	t.Cleanup(func() { _ = f.broker.Close(context.Background()) })

	f.executor = NewExecutor(f.rules, f.actions, nil, nil)
	f.executor.Register(ActionActuator, NewActuatorExecutor(f.broker, f.components, nil))
	f.engine = NewEngine(Config{Workers: 2, QueueSize: 10}, f.service, f.rules, f.triggers, f.executor, nil, nil)

	require.NoError(t, f.triggers.Save(ctx, &Trigger{ID: "hot", Name: "Hot", Query: "SELECT value FROM sensor_s1 WHERE value > 30"}))
	require.NoError(t, f.triggers.Save(ctx, &Trigger{ID: "broken", Name: "Broken", Query: "SELECT * FROM camera_c1"}))
	require.NoError(t, f.components.Save(ctx, &deploy.Component{ID: "a1", Name: "Fan", Type: deploy.TypeActuator}))
	require.NoError(t, f.actions.Save(ctx, &Action{ID: "fan-on", Name: "Fan on", Type: ActionActuator,
		Parameters: map[string]string{ParamActuator: "a1", ParamActionName: "switch_on", ParamData: "full"}}))
	return f
}

func (f *fixture) saveRule(t *testing.T, r *Rule) *Rule {
	t.Helper()
	require.NoError(t, f.rules.Save(f.ctx, r))
	return r
}

func TestEngine_SharedTriggerIsRegisteredOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(f.ctx))
	defer f.engine.Stop(time.Second)

	r1 := f.saveRule(t, &Rule{ID: "r1", Name: "one", TriggerID: "hot"})
	r2 := f.saveRule(t, &Rule{ID: "r2", Name: "two", TriggerID: "hot"})

	for _, r := range []*Rule{r1, r2, r1} {
		ok, err := f.engine.EnableRule(f.ctx, r)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	reg, unreg := f.service.counts()
	assert.Equal(t, 1, reg)
	assert.Zero(t, unreg)
	assert.Equal(t, []string{"r1", "r2"}, f.engine.RulesOf("hot"))

	stored, err := f.rules.Get(f.ctx, "r1")
	require.NoError(t, err)
	assert.True(t, stored.Enabled)

	require.NoError(t, f.engine.DisableRule(f.ctx, r1))
	assert.Equal(t, 1, f.engine.ActiveTriggers())
	assert.True(t, f.service.IsRegistered(&Trigger{ID: "hot"}))

	require.NoError(t, f.engine.DisableRule(f.ctx, r2))
	assert.Zero(t, f.engine.ActiveTriggers())
	assert.False(t, f.service.IsRegistered(&Trigger{ID: "hot"}))
	_, unreg = f.service.counts()
	assert.Equal(t, 1, unreg)

	// Disabling a rule whose trigger is not registered changes nothing.
	require.NoError(t, f.engine.DisableRule(f.ctx, r2))
	_, unreg = f.service.counts()
	assert.Equal(t, 1, unreg)
}

func TestEngine_InvalidTriggerDisablesRule(t *testing.T) {
	f := newFixture(t)
	r := f.saveRule(t, &Rule{ID: "r1", Name: "one", TriggerID: "broken", Enabled: true})

	ok, err := f.engine.EnableRule(f.ctx, r)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := f.rules.Get(f.ctx, "r1")
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Zero(t, f.engine.ActiveTriggers())

	_, err = f.engine.EnableRule(f.ctx, &Rule{ID: "r2", TriggerID: "missing"})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestEngine_EnableKeepsExecutionRecord(t *testing.T) {
	f := newFixture(t)
	stale := &Rule{ID: "r1", Name: "one", TriggerID: "hot"}
	last := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	f.saveRule(t, &Rule{ID: "r1", Name: "one", TriggerID: "hot", Executions: 3,
		LastExecution: &last, LastExecutionResult: ResultSuccess})

	ok, err := f.engine.EnableRule(f.ctx, stale)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stale.Enabled)

	stored, err := f.rules.Get(f.ctx, "r1")
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	assert.Equal(t, 3, stored.Executions)
	assert.Equal(t, ResultSuccess, stored.LastExecutionResult)

	require.NoError(t, f.engine.DisableRule(f.ctx, stale))
	stored, err = f.rules.Get(f.ctx, "r1")
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Equal(t, 3, stored.Executions)

	// A rule that was never stored is created by enabling it.
	ok, err = f.engine.EnableRule(f.ctx, &Rule{ID: "r9", Name: "new", TriggerID: "hot"})
	require.NoError(t, err)
	assert.True(t, ok)
	stored, err = f.rules.Get(f.ctx, "r9")
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
}

type unwritableRules struct {
	RuleStore
}

func (unwritableRules) Save(context.Context, *Rule) error { return errors.New("store offline") }

func TestEngine_RegisterFailureReportsStoreError(t *testing.T) {
	f := newFixture(t)
	f.service.registerErr = errors.New("broker gone")
	executor := NewExecutor(unwritableRules{f.rules}, f.actions, nil, nil)
	engine := NewEngine(Config{Workers: 1, QueueSize: 1}, f.service, f.rules, f.triggers, executor, nil, nil)
	r := f.saveRule(t, &Rule{ID: "r1", Name: "one", TriggerID: "hot", Enabled: true})

	ok, err := engine.EnableRule(f.ctx, r)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker gone")
	assert.Contains(t, err.Error(), "store offline")
	assert.False(t, r.Enabled)
	assert.Zero(t, engine.ActiveTriggers())
}

func TestEngine_StartEnablesStoredRules(t *testing.T) {
	f := newFixture(t)
	f.saveRule(t, &Rule{ID: "r1", Name: "one", TriggerID: "hot", Enabled: true})
	f.saveRule(t, &Rule{ID: "r2", Name: "two", TriggerID: "hot"})
	f.saveRule(t, &Rule{ID: "r3", Name: "three", TriggerID: "broken", Enabled: true})

	require.NoError(t, f.engine.Start(f.ctx))
	defer f.engine.Stop(time.Second)

	assert.Equal(t, []string{"r1"}, f.engine.RulesOf("hot"))
	r3, err := f.rules.Get(f.ctx, "r3")
	require.NoError(t, err)
	assert.False(t, r3.Enabled)
}

func TestEngine_FiringExecutesActions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(f.ctx))
	defer f.engine.Stop(time.Second)

	commands := make(chan ActuatorCommand, 4)
	_, err := f.broker.Subscribe(f.ctx, "action/a1/switch_on", func(_ context.Context, _ string, data []byte) {
		var cmd ActuatorCommand
		if json.Unmarshal(data, &cmd) == nil {
			commands <- cmd
		}
	})
	require.NoError(t, err)

	r := f.saveRule(t, &Rule{ID: "r1", Name: "cool down", TriggerID: "hot", ActionIDs: []string{"fan-on"}})
	ok, err := f.engine.EnableRule(f.ctx, r)
	require.NoError(t, err)
	require.True(t, ok)

	f.service.Send(cep.Event{Value: 20, ID: "s1", Component: "sensor"})
	f.service.Send(cep.Event{Value: 35, ID: "s1", Component: "sensor"})

	select {
	case cmd := <-commands:
		assert.Equal(t, "r1", cmd.RuleID)
		assert.Equal(t, "switch_on", cmd.Action)
		assert.Equal(t, "full", cmd.Data)
		assert.Equal(t, 35.0, cmd.CEPOutput["sensor_s1.value"])
	case <-time.After(time.Second):
		t.Fatal("no actuator command published")
	}

	require.Eventually(t, func() bool {
		stored, err := f.rules.Get(f.ctx, "r1")
		return err == nil && stored.Executions == 1 && stored.LastExecutionResult == ResultSuccess
	}, time.Second, 5*time.Millisecond)
	stored, _ := f.rules.Get(f.ctx, "r1")
	assert.NotNil(t, stored.LastExecution)
}

type panicking struct{}

func (panicking) ValidateParameters(context.Context, map[string]string, *errors.ValidationError) {}

func (panicking) Execute(context.Context, *Action, *Rule, cep.Output) bool { panic("boom") }

func TestExecutor_FailuresAreRecorded(t *testing.T) {
	f := newFixture(t)
	f.executor.Register(ActionWebhook, panicking{})
	require.NoError(t, f.actions.Save(f.ctx, &Action{ID: "bad", Name: "bad", Type: ActionWebhook}))
	r := f.saveRule(t, &Rule{ID: "r1", Name: "one", TriggerID: "hot", ActionIDs: []string{"bad", "fan-on", "missing"}})

	assert.False(t, f.executor.ExecuteRule(f.ctx, r, nil))

	stored, err := f.rules.Get(f.ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Executions)
	assert.Equal(t, ResultFailure, stored.LastExecutionResult)

	assert.True(t, f.executor.TestAction(f.ctx, &Action{ID: "x", Name: "x", Type: ActionActuator,
		Parameters: map[string]string{ParamActuator: "a1", ParamActionName: "off"}}))
	assert.False(t, f.executor.TestAction(f.ctx, &Action{ID: "x", Name: "x", Type: "unknown"}))
}

func TestExecutor_ValidateAction(t *testing.T) {
	f := newFixture(t)
	f.executor.Register(ActionWebhook, NewWebhookExecutor(WebhookConfig{}, nil, nil))

	tests := []struct {
		name   string
		action *Action
		fields int
	}{
		{"valid actuator action", &Action{Name: "on", Type: ActionActuator, Parameters: map[string]string{ParamActuator: "a1", ParamActionName: "switch on"}}, 0},
		{"unknown actuator", &Action{Name: "on", Type: ActionActuator, Parameters: map[string]string{ParamActuator: "a2", ParamActionName: "on"}}, 1},
		{"missing parameters", &Action{Name: "on", Type: ActionActuator}, 2},
		{"bad action name", &Action{Name: "on", Type: ActionActuator, Parameters: map[string]string{ParamActuator: "a1", ParamActionName: "on/off"}}, 1},
		{"unknown type", &Action{Name: "on", Type: "email"}, 1},
		{"empty name", &Action{Type: ActionWebhook, Parameters: map[string]string{ParamWebhookKey: "0123456789", ParamWebhookEvent: "fire"}}, 1},
		{"short webhook key", &Action{Name: "hook", Type: ActionWebhook, Parameters: map[string]string{ParamWebhookKey: "short", ParamWebhookEvent: "fire"}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.executor.ValidateAction(f.ctx, tt.action)
			if tt.fields == 0 {
				assert.NoError(t, err)
				return
			}
			var ve *errors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Len(t, ve.Fields, tt.fields)
		})
	}
}

func TestRule_Validate(t *testing.T) {
	assert.NoError(t, (&Rule{Name: "r", TriggerID: "t", ActionIDs: []string{"a"}}).Validate())

	var ve *errors.ValidationError
	require.ErrorAs(t, (&Rule{ActionIDs: []string{""}}).Validate(), &ve)
	assert.Len(t, ve.Fields, 3)
}
