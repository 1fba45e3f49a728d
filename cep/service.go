package cep

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/metric"
	"github.com/c360/mbp/pubsub"
)

// ErrInvalidQuery marks a trigger query that does not parse or compile.
var ErrInvalidQuery = errors.New("invalid trigger query")

// DefaultFilters are the topics component values arrive on.
var DefaultFilters = []string{"sensor/+", "actuator/+", "dynamic_deployment/+"}

// Trigger is a named query whose matches fire rules.
type Trigger struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Query       string `json:"query"`
}

// Callback is invoked for every event that matches a trigger.
type Callback func(t *Trigger, out Output)

// Validation is the result of checking a trigger query.
type Validation struct {
	Query   string `json:"query"`
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// Components checks that a component referenced by a query still exists.
type Components interface {
	Exists(ctx context.Context, componentType, id string) (bool, error)
}

type registration struct {
	trigger  *Trigger
	query    *Query
	callback Callback
}

// Service registers triggers and feeds them the values received over
// pub/sub.
type Service struct {
	client     pubsub.Client
	filters    []string
	components Components
	logger     *slog.Logger
	metrics    *metric.Metrics

	mu       sync.RWMutex
	triggers map[string]*registration
	subs     []pubsub.Subscription
}

// Option configures a Service.
type Option func(*Service)

// WithFilters replaces DefaultFilters.
func WithFilters(filters ...string) Option {
	return func(s *Service) { s.filters = filters }
}

// WithComponents makes query validation check that the source exists.
func WithComponents(c Components) Option {
	return func(s *Service) { s.components = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics reports the number of registered triggers.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a trigger service. client may be nil when events are
// only fed through Send.
func NewService(client pubsub.Client, opts ...Option) *Service {
	s := &Service{
		client:   client,
		filters:  DefaultFilters,
		logger:   slog.Default(),
		triggers: make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cep")
	return s
}

// Start subscribes to the value topics.
func (s *Service) Start(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) > 0 {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "cep", "Start", "subscription check")
	}
	for _, filter := range s.filters {
		sub, err := s.client.Subscribe(ctx, filter, s.handle)
		if err != nil {
			for _, prev := range s.subs {
				_ = prev.Unsubscribe()
			}
			s.subs = nil
			return errors.Wrap(err, "cep", "Start", "subscribe to "+filter)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Stop removes the value subscriptions. Registered triggers are kept.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("Unsubscribe failed", "filter", sub.Filter(), "error", err)
		}
	}
	s.subs = nil
}

func queryName(t *Trigger) string {
	return "trigger-" + t.ID
}

// RegisterTrigger starts evaluating t. Registering the same trigger id
// again replaces the previous query and callback.
func (s *Service) RegisterTrigger(t *Trigger, callback Callback) error {
	if t == nil || callback == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "cep", "RegisterTrigger", "trigger and callback check")
	}
	q, err := ParseQuery(t.Query)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.triggers[queryName(t)] = &registration{trigger: t, query: q, callback: callback}
	n := len(s.triggers)
	s.mu.Unlock()

	s.metrics.SetTriggersActive(n)
	s.logger.Debug("Registered trigger", "trigger_id", t.ID)
	return nil
}

// UnregisterTrigger stops evaluating t. Unknown triggers are ignored.
func (s *Service) UnregisterTrigger(t *Trigger) {
	if t == nil {
		return
	}
	s.mu.Lock()
	delete(s.triggers, queryName(t))
	n := len(s.triggers)
	s.mu.Unlock()
	s.metrics.SetTriggersActive(n)
}

// IsRegistered reports whether a trigger with the id of t is registered.
func (s *Service) IsRegistered(t *Trigger) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.triggers[queryName(t)]
	return ok
}

// IsValidTriggerQuery checks that the query of t parses and that its
// source component still exists.
func (s *Service) IsValidTriggerQuery(ctx context.Context, t *Trigger) Validation {
	if t == nil {
		return Validation{Message: "Rule trigger must not be nil."}
	}
	v := Validation{Query: t.Query}
	q, err := ParseQuery(t.Query)
	if err != nil {
		v.Message = err.Error()
		return v
	}
	if s.components != nil && !q.AnySource() {
		exists, err := s.components.Exists(ctx, q.ComponentType, q.ComponentID)
		if err != nil {
			v.Message = "Source lookup failed: " + err.Error()
			return v
		}
		if !exists {
			v.Message = "Component " + q.ComponentType + "/" + q.ComponentID + " does not exist."
			return v
		}
	}
	v.Valid = true
	return v
}

// payload is a published component value.
type payload struct {
	ID        string    `json:"id"`
	Component string    `json:"component"`
	Value     float64   `json:"value"`
	Time      time.Time `json:"time"`
}

func (s *Service) handle(_ context.Context, topic string, data []byte) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Debug("Dropping undecodable value", "topic", topic, "error", err)
		return
	}
	// The topic names the component when the payload does not.
	if typ, id, ok := strings.Cut(topic, "/"); ok {
		if p.Component == "" {
			p.Component = typ
		}
		if p.ID == "" {
			p.ID = id
		}
	}
	if p.Time.IsZero() {
		p.Time = time.Now()
	}
	s.Send(Event{
		Value:     p.Value,
		Time:      p.Time.UnixMilli(),
		ID:        p.ID,
		Component: strings.ToLower(p.Component),
	})
}

// Send evaluates ev against every registered trigger and fires the
// callbacks of those that match.
func (s *Service) Send(ev Event) {
	s.mu.RLock()
	regs := make([]*registration, 0, len(s.triggers))
	for _, r := range s.triggers {
		regs = append(regs, r)
	}
	s.mu.RUnlock()

	for _, r := range regs {
		matched, err := r.query.Matches(ev)
		if err != nil {
			s.logger.Debug("Trigger evaluation failed", "trigger_id", r.trigger.ID, "error", err)
			continue
		}
		if matched {
			r.callback(r.trigger, r.query.Project(ev))
		}
	}
}
