package deploy

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/pubsub"
)

// Value ranges of generated sensor values
const (
	DemoValueMin = 0.0
	DemoValueMax = 40.0
)

// Demo is a Deployer that only pretends. Devices are always reachable and
// component states live in memory.
type Demo struct {
	mu         sync.Mutex
	states     map[string]ComponentState
	components map[string]*Component

	delay    time.Duration
	client   pubsub.Client
	interval time.Duration
	logger   *slog.Logger
}

// DemoOption configures a Demo deployer.
type DemoOption func(*Demo)

// WithDelay adds an artificial delay to every state change.
func WithDelay(d time.Duration) DemoOption {
	return func(x *Demo) { x.delay = d }
}

// WithValues makes Run publish a random value for every running sensor each
// interval.
func WithValues(client pubsub.Client, interval time.Duration) DemoOption {
	return func(x *Demo) {
		x.client = client
		x.interval = interval
	}
}

// WithDemoLogger sets the logger.
func WithDemoLogger(logger *slog.Logger) DemoOption {
	return func(x *Demo) {
		if logger != nil {
			x.logger = logger
		}
	}
}

// NewDemo creates a demo deployer.
func NewDemo(opts ...DemoOption) *Demo {
	d := &Demo{
		states:     make(map[string]ComponentState),
		components: make(map[string]*Component),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "demo-deployer")
	return d
}

func (d *Demo) wait(ctx context.Context) error {
	if d.delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Demo", "wait", "artificial delay")
	case <-time.After(d.delay):
		return nil
	}
}

func (d *Demo) RetrieveComponentState(_ context.Context, c *Component) (ComponentState, error) {
	if c == nil {
		return ComponentUnknown, errors.WrapInvalid(errors.ErrNilArgument, "Demo", "RetrieveComponentState", "component check")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.states[c.Key()]; ok {
		return state, nil
	}
	return ComponentReady, nil
}

func (d *Demo) RetrieveDeviceState(context.Context, *Device) (DeviceState, error) {
	return DeviceSSHAvailable, nil
}

func (d *Demo) DeployComponent(ctx context.Context, c *Component) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if d.has(c) {
		return errors.WrapInvalid(ErrAlreadyDeployed, "Demo", "DeployComponent", "state check")
	}
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[c.Key()] = ComponentDeployed
	d.components[c.Key()] = c
	return nil
}

func (d *Demo) UndeployComponent(ctx context.Context, c *Component) error {
	if c == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Demo", "UndeployComponent", "component check")
	}
	if !d.has(c) {
		return errors.WrapInvalid(ErrNotDeployed, "Demo", "UndeployComponent", "state check")
	}
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.states, c.Key())
	delete(d.components, c.Key())
	return nil
}

func (d *Demo) StartComponent(ctx context.Context, c *Component, _ []Parameter) error {
	if c == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Demo", "StartComponent", "component check")
	}
	state, _ := d.RetrieveComponentState(ctx, c)
	switch state {
	case ComponentReady:
		return errors.WrapInvalid(ErrNotDeployed, "Demo", "StartComponent", "state check")
	case ComponentRunning:
		return errors.WrapInvalid(ErrAlreadyRunning, "Demo", "StartComponent", "state check")
	}
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.set(c, ComponentRunning)
	return nil
}

func (d *Demo) StopComponent(ctx context.Context, c *Component) error {
	if c == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Demo", "StopComponent", "component check")
	}
	if state, _ := d.RetrieveComponentState(ctx, c); state != ComponentRunning {
		return errors.WrapInvalid(ErrNotRunning, "Demo", "StopComponent", "state check")
	}
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.set(c, ComponentDeployed)
	return nil
}

func (d *Demo) IsComponentRunning(ctx context.Context, c *Component) (bool, error) {
	state, err := d.RetrieveComponentState(ctx, c)
	return state == ComponentRunning, err
}

func (d *Demo) IsComponentDeployed(_ context.Context, c *Component) (bool, error) {
	if c == nil {
		return false, errors.WrapInvalid(errors.ErrNilArgument, "Demo", "IsComponentDeployed", "component check")
	}
	return d.has(c), nil
}

// Reset forgets all components.
func (d *Demo) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states = make(map[string]ComponentState)
	d.components = make(map[string]*Component)
}

func (d *Demo) has(c *Component) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.states[c.Key()]
	return ok
}

func (d *Demo) set(c *Component, state ComponentState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.states[c.Key()]; ok {
		d.states[c.Key()] = state
	}
}

// SensorValue is the payload published for a sensor reading.
type SensorValue struct {
	ComponentID string    `json:"id"`
	Component   string    `json:"component"`
	Value       float64   `json:"value"`
	Time        time.Time `json:"time"`
}

// Run publishes generated values until ctx ends. Without WithValues it
// returns immediately.
func (d *Demo) Run(ctx context.Context) error {
	if d.client == nil || d.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.publishValues(ctx)
		}
	}
}

func (d *Demo) publishValues(ctx context.Context) {
	d.mu.Lock()
	var running []*Component
	for key, state := range d.states {
		if c := d.components[key]; state == ComponentRunning && c.Type == TypeSensor {
			running = append(running, c)
		}
	}
	d.mu.Unlock()

	for _, c := range running {
		data, err := json.Marshal(SensorValue{
			ComponentID: c.ID,
			Component:   c.Type,
			Value:       DemoValueMin + rand.Float64()*(DemoValueMax-DemoValueMin),
			Time:        time.Now().UTC(),
		})
		if err != nil {
			continue
		}
		if err := d.client.Publish(ctx, c.Topic(), data); err != nil {
			d.logger.Warn("Failed to publish generated value", "component_id", c.ID, "error", err)
		}
	}
}
