// Package gateway is the platform's side of the discovery protocol. It asks
// discovery repositories for candidate devices, keeps candidate device
// subscriptions per device template and hands incoming revisions to the
// subscriber.
//
// Subscriptions move through NONE, REQUESTED, ACTIVE and CANCELLED. All
// subscriptions of one owner share a notification topic, which is
// subscribed with the owner's first subscription and released after the
// last one is cancelled.
package gateway

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/mbp/candidate"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/location"
	"github.com/c360/mbp/message"
	"github.com/c360/mbp/metric"
	"github.com/c360/mbp/pubsub"
	"github.com/c360/mbp/scattergather"
	"github.com/c360/mbp/template"
)

// State of a candidate device subscription
type State string

const (
	StateNone      State = "none"
	StateRequested State = "requested"
	StateActive    State = "active"
	StateCancelled State = "cancelled"
)

// Subscriber receives the revisions reported for a subscribed device
// template. Calls for one template arrive in the order the revisions were
// received and must not block.
type Subscriber interface {
	OnCandidateDevicesChanged(ctx context.Context, templateID, repositoryName string, revision *candidate.Revision)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, templateID, repositoryName string, revision *candidate.Revision)

func (f SubscriberFunc) OnCandidateDevicesChanged(ctx context.Context, templateID, repositoryName string, revision *candidate.Revision) {
	f(ctx, templateID, repositoryName, revision)
}

type subscription struct {
	template   *template.DeviceTemplate
	topics     []*message.RequestTopic
	subscriber Subscriber
	state      State
}

type notificationTopic struct {
	topic string
	sub   pubsub.Subscription
}

// Gateway talks to discovery repositories.
type Gateway struct {
	client    pubsub.Client
	requests  *scattergather.Engine
	locations location.Lookup
	logger    *slog.Logger
	metrics   *metric.Metrics
	category  string

	mu            sync.Mutex
	subscriptions map[string]*subscription
	notifications map[string]*notificationTopic
	cancelled     *cancelLog
}

// MaxCancelledRecords bounds how many cancelled template ids State still
// reports as cancelled. Older ids fall back to StateNone.
const MaxCancelledRecords = 1024

// cancelLog remembers the most recently cancelled template ids.
type cancelLog struct {
	limit int
	seq   uint64
	ids   map[string]uint64
	order []cancelRecord
}

type cancelRecord struct {
	id  string
	seq uint64
}

func newCancelLog(limit int) *cancelLog {
	return &cancelLog{limit: limit, ids: make(map[string]uint64)}
}

func (l *cancelLog) add(id string) {
	l.seq++
	l.ids[id] = l.seq
	l.order = append(l.order, cancelRecord{id: id, seq: l.seq})
	for len(l.ids) > l.limit {
		r := l.order[0]
		l.order = l.order[1:]
		if l.ids[r.id] == r.seq {
			delete(l.ids, r.id)
		}
	}
	if len(l.order) > 2*l.limit {
		live := l.order[:0]
		for _, r := range l.order {
			if l.ids[r.id] == r.seq {
				live = append(live, r)
			}
		}
		l.order = live
	}
}

func (l *cancelLog) remove(id string) { delete(l.ids, id) }

func (l *cancelLog) has(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics records metrics of the gateway and its scatter-gather engine.
func WithMetrics(m *metric.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithCategory sets the category of the return topics replies arrive on.
func WithCategory(category string) Option {
	return func(g *Gateway) { g.category = category }
}

// New creates a gateway. Location requirements are resolved through locs
// before requests are sent.
func New(client pubsub.Client, locs location.Lookup, opts ...Option) *Gateway {
	g := &Gateway{
		client:        client,
		locations:     locs,
		logger:        slog.Default(),
		subscriptions: make(map[string]*subscription),
		notifications: make(map[string]*notificationTopic),
		cancelled:     newCancelLog(MaxCancelledRecords),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.requests = scattergather.NewEngine(client,
		scattergather.WithLogger(g.logger),
		scattergather.WithMetrics(g.metrics),
		scattergather.WithCategory(g.category))
	g.logger = g.logger.With("component", "discovery-gateway")
	return g
}

// CandidateDevices queries the repositories behind topics for the
// candidates of tpl.
func (g *Gateway) CandidateDevices(ctx context.Context, tpl *template.DeviceTemplate, topics []*message.RequestTopic) (*candidate.Container, error) {
	return g.CandidateDevicesWithSubscription(ctx, tpl, topics, nil)
}

// CandidateDevicesWithSubscription queries the candidates of tpl and, if
// subscriber is not nil, asks the repositories to report later changes.
// The subscription stays in place when the query fails so that it can be
// cancelled regularly.
func (g *Gateway) CandidateDevicesWithSubscription(ctx context.Context, tpl *template.DeviceTemplate, topics []*message.RequestTopic, subscriber Subscriber) (*candidate.Container, error) {
	if tpl == nil {
		return nil, errors.WrapInvalid(errors.ErrNilArgument, "Gateway", "CandidateDevices", "device template check")
	}
	if err := validateTopics(topics); err != nil {
		return nil, err
	}

	var notify string
	if subscriber != nil {
		topic, err := g.subscribe(ctx, tpl, topics, subscriber)
		if err != nil {
			return nil, err
		}
		notify = topic
	}

	body, err := message.NewCandidateDevicesRequest(tpl, g.locations, notify)
	if err != nil {
		return nil, err
	}

	replies, err := g.requests.Execute(ctx, tpl.Owner, stages(topics, body, message.TypeCandidateDevicesReply)...)
	if err != nil {
		return nil, errors.Wrap(err, "Gateway", "CandidateDevices", "gather candidate devices")
	}

	container := candidate.NewContainer(tpl.ID)
	for _, reply := range replies {
		body, ok := reply.Body.(*message.CandidateDevicesReply)
		if !ok {
			continue
		}
		devices, _ := body.InitialDevices()
		col, err := candidate.NewCollection(reply.SenderName, devices...)
		if err != nil {
			g.logger.Warn("Dropping reply without repository name", "device_template", tpl.ID)
			continue
		}
		container.Put(col)
	}

	if subscriber != nil {
		g.activate(tpl.ID)
	}
	g.logger.Info("Retrieved candidate devices",
		"device_template", tpl.ID,
		"repositories", len(container.Collections),
		"subscribed", subscriber != nil)
	return container, nil
}

// AvailableRepositories asks the repositories behind topic to report
// themselves and returns their device counts by name.
func (g *Gateway) AvailableRepositories(ctx context.Context, topic *message.RequestTopic) (map[string]int, error) {
	if topic == nil {
		return nil, errors.WrapInvalid(errors.ErrNilArgument, "Gateway", "AvailableRepositories", "request topic check")
	}
	replies, err := g.requests.Execute(ctx, topic.Owner,
		stages([]*message.RequestTopic{topic}, &message.RepositoryTestRequest{}, message.TypeRepositoryTestReply)...)
	if err != nil {
		return nil, errors.Wrap(err, "Gateway", "AvailableRepositories", "gather test replies")
	}

	out := make(map[string]int, len(replies))
	for _, reply := range replies {
		if body, ok := reply.Body.(*message.RepositoryTestReply); ok && reply.SenderName != "" {
			out[reply.SenderName] = body.DevicesCount
		}
	}
	return out, nil
}

// CancelSubscription ends the subscription of tpl and tells the
// repositories behind the subscription's topics and additionalTopics to
// stop sending revisions. Cancellation messages are sent even when tpl is
// not subscribed.
func (g *Gateway) CancelSubscription(ctx context.Context, tpl *template.DeviceTemplate, additionalTopics ...*message.RequestTopic) {
	if tpl == nil {
		return
	}

	g.mu.Lock()
	sub, subscribed := g.subscriptions[tpl.ID]
	delete(g.subscriptions, tpl.ID)
	if subscribed {
		sub.state = StateCancelled
		g.cancelled.add(tpl.ID)
	}
	var release *notificationTopic
	if subscribed && !g.ownerHasSubscriptions(tpl.Owner) {
		release = g.notifications[tpl.Owner]
		delete(g.notifications, tpl.Owner)
	}
	g.mu.Unlock()

	topics := make(map[string]struct{})
	for _, t := range additionalTopics {
		if t != nil {
			topics[t.Subtopic(message.SuffixCancel)] = struct{}{}
		}
	}
	if subscribed {
		for _, t := range sub.topics {
			topics[t.Subtopic(message.SuffixCancel)] = struct{}{}
		}
	}
	g.publishAll(ctx, sortedKeys(topics), message.NewCancelSubscriptions(tpl.ID))

	if release != nil {
		if err := release.sub.Unsubscribe(); err != nil {
			g.logger.Warn("Failed to release notification topic", "topic", release.topic, "error", err)
		}
	}
	g.logger.Info("Cancelled candidate devices subscription", "device_template", tpl.ID, "was_subscribed", subscribed)
}

// CancelSubscriptionsForRequestTopic tells the repositories behind topic to
// stop sending revisions for all listed device templates with a single
// message. Local subscriptions are not touched.
func (g *Gateway) CancelSubscriptionsForRequestTopic(ctx context.Context, templateIDs []string, topic *message.RequestTopic) error {
	if topic == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Gateway", "CancelSubscriptionsForRequestTopic", "request topic check")
	}
	if len(templateIDs) == 0 {
		return nil
	}
	ids := append([]string(nil), templateIDs...)
	sort.Strings(ids)
	g.publishAll(ctx, []string{topic.Subtopic(message.SuffixCancel)}, message.NewCancelSubscriptions(ids...))
	return nil
}

// IsSubscribed reports whether tpl has a requested or active subscription.
func (g *Gateway) IsSubscribed(templateID string) bool {
	return g.State(templateID) == StateRequested || g.State(templateID) == StateActive
}

// State returns the subscription state of a device template.
func (g *Gateway) State(templateID string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sub, ok := g.subscriptions[templateID]; ok {
		return sub.state
	}
	if g.cancelled.has(templateID) {
		return StateCancelled
	}
	return StateNone
}

// subscribe registers the subscription and returns the owner's
// notification topic, subscribing it if needed.
func (g *Gateway) subscribe(ctx context.Context, tpl *template.DeviceTemplate, topics []*message.RequestTopic, subscriber Subscriber) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nt, ok := g.notifications[tpl.Owner]
	if !ok {
		topic, _, err := message.NewReturnTopic(tpl.Owner, message.CategoryNotification)
		if err != nil {
			return "", err
		}
		sub, err := g.client.Subscribe(context.WithoutCancel(ctx), topic, g.dispatch)
		if err != nil {
			return "", errors.WrapTransient(err, "Gateway", "subscribe", "subscribe notification topic")
		}
		nt = &notificationTopic{topic: topic, sub: sub}
		g.notifications[tpl.Owner] = nt
	}

	g.subscriptions[tpl.ID] = &subscription{
		template:   tpl,
		topics:     append([]*message.RequestTopic(nil), topics...),
		subscriber: subscriber,
		state:      StateRequested,
	}
	g.cancelled.remove(tpl.ID)
	return nt.topic, nil
}

func (g *Gateway) activate(templateID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sub, ok := g.subscriptions[templateID]; ok && sub.state == StateRequested {
		sub.state = StateActive
	}
}

// ownerHasSubscriptions must be called with g.mu held.
func (g *Gateway) ownerHasSubscriptions(owner string) bool {
	for _, sub := range g.subscriptions {
		if sub.template.Owner == owner {
			return true
		}
	}
	return false
}

// dispatch hands the revisions of a notification to the subscribers of
// their reference ids.
func (g *Gateway) dispatch(ctx context.Context, topic string, data []byte) {
	env, err := message.Decode(data)
	if err != nil {
		g.logger.Warn("Dropping malformed notification", "topic", topic, "error", err)
		return
	}
	reply, ok := env.Body.(*message.CandidateDevicesReply)
	if !ok {
		g.logger.Warn("Dropping notification of unexpected type", "topic", topic, "type", env.Type)
		return
	}
	if env.SenderName == "" {
		g.logger.Warn("Dropping notification without sender", "topic", topic)
		return
	}

	for _, rev := range reply.Revisions {
		if rev == nil {
			continue
		}
		for _, id := range rev.ReferenceIDs {
			g.mu.Lock()
			sub, ok := g.subscriptions[id]
			g.mu.Unlock()
			if !ok {
				continue
			}
			sub.subscriber.OnCandidateDevicesChanged(ctx, id, env.SenderName, rev)
		}
	}
}

// publishAll publishes body to every topic. Failures are logged only;
// cancellation is best effort.
func (g *Gateway) publishAll(ctx context.Context, topics []string, body message.Body) {
	if len(topics) == 0 {
		return
	}
	data, err := message.Encode(message.New(body))
	if err != nil {
		g.logger.Error("Failed to encode message", "type", body.Type(), "error", err)
		return
	}
	for _, topic := range topics {
		if err := g.client.Publish(ctx, topic, data); err != nil {
			g.logger.Warn("Failed to publish message", "topic", topic, "type", body.Type(), "error", err)
		}
	}
}

func stages(topics []*message.RequestTopic, body message.Body, replyType string) []*scattergather.Stage {
	out := make([]*scattergather.Stage, 0, len(topics))
	for _, t := range topics {
		out = append(out, scattergather.TopicStage(t, body).ExpectingReply(replyType))
	}
	return out
}

func validateTopics(topics []*message.RequestTopic) error {
	if len(topics) == 0 {
		return errors.WrapInvalid(errors.ErrEmptyArgument, "Gateway", "CandidateDevices", "request topics check")
	}
	for _, t := range topics {
		if t == nil {
			return errors.WrapInvalid(errors.ErrNilArgument, "Gateway", "CandidateDevices", "request topics check")
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
