package scattergather

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/message"
	"github.com/c360/mbp/metric"
	"github.com/c360/mbp/pubsub"
)

// Completion reasons recorded in metrics
const (
	ReasonComplete  = "complete"
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
)

const publishConcurrency = 8

// Engine executes scatter-gather requests over a pub/sub client. All
// requests of one owner and category share a single reply subscription;
// replies are routed to their stage by correlation id.
type Engine struct {
	client   pubsub.Client
	category string
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu      sync.Mutex
	pending map[string]*pending
	routes  map[string]*route
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records request and reply metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCategory sets the return topic category. Defaults to
// message.CategoryDiscovery.
func WithCategory(category string) Option {
	return func(e *Engine) {
		if category != "" {
			e.category = category
		}
	}
}

// NewEngine creates an engine publishing through client.
func NewEngine(client pubsub.Client, opts ...Option) *Engine {
	e := &Engine{
		client:   client,
		category: message.CategoryDiscovery,
		logger:   slog.Default(),
		pending:  make(map[string]*pending),
		routes:   make(map[string]*route),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "scatter-gather")
	return e
}

// route is a shared reply subscription with its reference count.
type route struct {
	sub  pubsub.Subscription
	refs int
}

// pending gathers the replies of one stage.
type pending struct {
	correlationID string
	filter        string
	replyType     string
	expected      int

	mu      sync.Mutex
	replies []*message.Envelope
	closed  bool
	done    chan struct{}
}

// add appends a reply. It returns false for replies that arrive after the
// stage ended.
func (p *pending) add(env *message.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.replies = append(p.replies, env)
	if p.expected > 0 && len(p.replies) == p.expected {
		p.closed = true
		close(p.done)
	}
	return true
}

// abort ends a stage that cannot receive replies.
func (p *pending) abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

// finish ends the stage and returns its replies.
func (p *pending) finish() []*message.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.replies
}

// Execute publishes every stage on behalf of owner and blocks until all
// stages completed or ctx ends. The replies of all stages are returned in
// stage order. Replies gathered before a cancellation are returned together
// with the context error.
func (e *Engine) Execute(ctx context.Context, owner string, stages ...*Stage) ([]*message.Envelope, error) {
	if len(stages) == 0 {
		return nil, errors.WrapInvalid(errors.ErrEmptyArgument, "Engine", "Execute", "stage check")
	}
	for _, s := range stages {
		if s == nil {
			return nil, errors.WrapInvalid(errors.ErrNilArgument, "Engine", "Execute", "stage check")
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	ps := make([]*pending, 0, len(stages))
	envelopes := make([]*message.Envelope, 0, len(stages))
	defer func() {
		for _, p := range ps {
			e.release(p)
		}
	}()

	for _, s := range stages {
		p, env, err := e.register(ctx, owner, s)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
		envelopes = append(envelopes, env)
	}

	timers := make([]*time.Timer, len(stages))
	for i, s := range stages {
		timers[i] = time.NewTimer(s.timeout())
	}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	e.publish(ctx, stages, envelopes, ps)

	reason := ReasonComplete
	var ctxErr error
wait:
	for i, p := range ps {
		select {
		case <-p.done:
		case <-timers[i].C:
			reason = ReasonTimeout
		case <-ctx.Done():
			reason = ReasonCancelled
			ctxErr = ctx.Err()
			break wait
		}
	}

	var replies []*message.Envelope
	for _, p := range ps {
		replies = append(replies, p.finish()...)
	}
	e.metrics.RecordRequest(reason, time.Since(start))
	e.logger.Debug("Scatter-gather request finished",
		"owner", owner,
		"stages", len(stages),
		"replies", len(replies),
		"reason", reason,
		"duration", time.Since(start))

	if ctxErr != nil {
		return replies, errors.WrapTransient(ctxErr, "Engine", "Execute", "gather replies")
	}
	return replies, nil
}

// register creates the routing entry of a stage and makes sure the shared
// reply subscription exists.
func (e *Engine) register(ctx context.Context, owner string, s *Stage) (*pending, *message.Envelope, error) {
	returnTopic, corrID, err := message.NewReturnTopic(owner, e.category)
	if err != nil {
		return nil, nil, err
	}
	p := &pending{
		correlationID: corrID,
		filter:        message.ReturnTopicFilter(owner, e.category),
		replyType:     s.ReplyType,
		expected:      s.expectedReplies(),
		done:          make(chan struct{}),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.routes[p.filter]
	if !ok {
		// Replies are routed by correlation id, so the subscription must not
		// end with the context of the request that created it.
		sub, err := e.client.Subscribe(context.WithoutCancel(ctx), p.filter, e.handleReply)
		if err != nil {
			return nil, nil, errors.WrapTransient(err, "Engine", "Execute", "subscribe "+p.filter)
		}
		r = &route{sub: sub}
		e.routes[p.filter] = r
	}
	r.refs++
	e.pending[corrID] = p
	e.metrics.SetInFlight(len(e.pending))

	return p, message.New(s.Body, message.WithReturnTopic(returnTopic, corrID)), nil
}

// release removes the routing entry and drops the shared subscription after
// its last user.
func (e *Engine) release(p *pending) {
	e.mu.Lock()
	delete(e.pending, p.correlationID)
	e.metrics.SetInFlight(len(e.pending))

	r, ok := e.routes[p.filter]
	if !ok {
		e.mu.Unlock()
		return
	}
	r.refs--
	if r.refs > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.routes, p.filter)
	e.mu.Unlock()

	if err := r.sub.Unsubscribe(); err != nil {
		e.logger.Warn("Failed to unsubscribe reply topic", "filter", p.filter, "error", err)
	}
}

// publish sends every stage once. A failed publish ends that stage right
// away; the other stages are unaffected.
func (e *Engine) publish(ctx context.Context, stages []*Stage, envelopes []*message.Envelope, ps []*pending) {
	var g errgroup.Group
	g.SetLimit(publishConcurrency)
	for i := range stages {
		g.Go(func() error {
			data, err := message.Encode(envelopes[i])
			if err == nil {
				err = e.client.Publish(ctx, stages[i].Topic, data)
			}
			if err != nil {
				e.logger.Warn("Failed to publish request", "topic", stages[i].Topic, "error", err)
				ps[i].abort()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// handleReply routes an inbound reply to its stage.
func (e *Engine) handleReply(_ context.Context, topic string, data []byte) {
	env, err := message.Decode(data)
	if err != nil {
		e.metrics.RecordReply("malformed")
		e.logger.Warn("Dropping malformed reply", "topic", topic, "error", err)
		return
	}
	corrID := env.CorrelationID
	if corrID == "" {
		corrID, _ = message.CorrelationIDOf(topic)
	}

	e.mu.Lock()
	p, ok := e.pending[corrID]
	e.mu.Unlock()
	if !ok {
		e.metrics.RecordReply("late")
		e.logger.Debug("Dropping uncorrelated reply", "topic", topic, "correlation_id", corrID)
		return
	}
	if p.replyType != "" && env.Type != p.replyType {
		e.metrics.RecordReply("unexpected")
		e.logger.Debug("Dropping reply of unexpected type", "type", env.Type, "expected", p.replyType)
		return
	}
	if !p.add(env) {
		e.metrics.RecordReply("late")
		return
	}
	e.metrics.RecordReply("accepted")
}
