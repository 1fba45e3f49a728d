package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbp/candidate"
	"github.com/c360/mbp/device"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/location"
	"github.com/c360/mbp/message"
	"github.com/c360/mbp/operator"
	"github.com/c360/mbp/pubsub"
	"github.com/c360/mbp/template"
)

func sensor(name, mac string) *device.Description {
	return &device.Description{Name: name, Identifiers: &device.Identifiers{MACAddress: mac}}
}

// fakeRepository answers candidate queries and test requests on one request
// topic and records subscriptions and cancellations.
type fakeRepository struct {
	t       *testing.T
	broker  pubsub.Client
	name    string
	devices []*device.Description

	mu            sync.Mutex
	notifications map[string]string
	cancelled     [][]string
}

func newFakeRepository(t *testing.T, broker pubsub.Client, topic *message.RequestTopic, name string, devices ...*device.Description) *fakeRepository {
	t.Helper()
	r := &fakeRepository{t: t, broker: broker, name: name, devices: devices, notifications: make(map[string]string)}
	ctx := context.Background()
	_, err := broker.Subscribe(ctx, topic.Subtopic(message.SuffixQuery), r.handleQuery)
	require.NoError(t, err)
	_, err = broker.Subscribe(ctx, topic.Subtopic(message.SuffixTest), r.handleTest)
	require.NoError(t, err)
	_, err = broker.Subscribe(ctx, topic.Subtopic(message.SuffixCancel), r.handleCancel)
	require.NoError(t, err)
	return r
}

func (r *fakeRepository) handleQuery(ctx context.Context, _ string, data []byte) {
	req, err := message.Decode(data)
	if err != nil || !req.IsRequest() {
		return
	}
	body := req.Body.(*message.CandidateDevicesRequest)
	if body.Subscribing() {
		r.mu.Lock()
		r.notifications[body.ReferenceID] = body.NotificationTopic
		r.mu.Unlock()
	}
	out, _ := message.Encode(req.Reply(message.NewCandidateDevicesReply(body.ReferenceID, r.devices...), r.name))
	_ = r.broker.Publish(ctx, req.ReturnTopic, out)
}

func (r *fakeRepository) handleTest(ctx context.Context, _ string, data []byte) {
	req, err := message.Decode(data)
	if err != nil || !req.IsRequest() {
		return
	}
	out, _ := message.Encode(req.Reply(&message.RepositoryTestReply{DevicesCount: len(r.devices)}, r.name))
	_ = r.broker.Publish(ctx, req.ReturnTopic, out)
}

func (r *fakeRepository) handleCancel(_ context.Context, _ string, data []byte) {
	env, err := message.Decode(data)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, env.Body.(*message.CancelSubscriptions).ReferenceIDs)
}

func (r *fakeRepository) notificationTopic(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notifications[id]
}

func (r *fakeRepository) cancellations() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.cancelled...)
}

// notify publishes a revision for the subscribed template id.
func (r *fakeRepository) notify(id string, revisions ...*candidate.Revision) {
	r.t.Helper()
	topic := r.notificationTopic(id)
	require.NotEmpty(r.t, topic)
	out, err := message.Encode(message.New(&message.CandidateDevicesReply{Revisions: revisions}, message.WithSender(r.name)))
	require.NoError(r.t, err)
	require.NoError(r.t, r.broker.Publish(context.Background(), topic, out))
}

type received struct {
	templateID string
	repository string
	revision   *candidate.Revision
}

type recordingSubscriber struct {
	mu  sync.Mutex
	got []received
}

func (s *recordingSubscriber) OnCandidateDevicesChanged(_ context.Context, templateID, repositoryName string, rev *candidate.Revision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, received{templateID, repositoryName, rev})
}

func (s *recordingSubscriber) received() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.got...)
}

func lampTemplate(id, owner string) *template.DeviceTemplate {
	return &template.DeviceTemplate{
		ID:           id,
		Name:         "Lamp " + id,
		Owner:        owner,
		Requirements: []template.Requirement{template.NewNameRequirement(operator.Contains, "lamp")},
	}
}

func requestTopic(owner, suffix string, expected int) *message.RequestTopic {
	return &message.RequestTopic{ID: suffix, Owner: owner, Suffix: suffix, Timeout: 2000, ExpectedReplies: expected}
}

func setup(t *testing.T) (*pubsub.Memory, *Gateway) {
	t.Helper()
	broker := pubsub.NewMemory()
	t.Cleanup(func() { _ = broker.Close(context.Background()) })
	return broker, New(broker, location.NewRegistry())
}

func TestGateway_CandidateDevices(t *testing.T) {
	broker, gw := setup(t)
	a := requestTopic("u1", "a", 2)
	b := requestTopic("u1", "b", 1)
	newFakeRepository(t, broker, a, "repo-1", sensor("lamp-1", "aa"))
	newFakeRepository(t, broker, a, "repo-2", sensor("lamp-2", "bb"), sensor("lamp-3", "cc"))
	newFakeRepository(t, broker, b, "repo-3")

	container, err := gw.CandidateDevices(context.Background(), lampTemplate("t1", "u1"), []*message.RequestTopic{a, b})
	require.NoError(t, err)

	assert.Equal(t, "t1", container.DeviceTemplateID)
	assert.ElementsMatch(t, []string{"repo-1", "repo-2", "repo-3"}, container.Repositories())
	assert.Equal(t, 2, container.Collection("repo-2").Len())
	assert.Zero(t, container.Collection("repo-3").Len())
	assert.Equal(t, StateNone, gw.State("t1"))
	assert.False(t, gw.IsSubscribed("t1"))
}

func TestGateway_SubscriptionLifecycle(t *testing.T) {
	broker, gw := setup(t)
	topic := requestTopic("u1", "a", 1)
	repo := newFakeRepository(t, broker, topic, "repo-1", sensor("lamp-1", "aa"))
	base := broker.Subscriptions()

	sub := &recordingSubscriber{}
	t1, t2 := lampTemplate("t1", "u1"), lampTemplate("t2", "u1")
	ctx := context.Background()

	container, err := gw.CandidateDevicesWithSubscription(ctx, t1, []*message.RequestTopic{topic}, sub)
	require.NoError(t, err)
	assert.Equal(t, 1, container.Collection("repo-1").Len())
	assert.Equal(t, StateActive, gw.State("t1"))
	assert.True(t, gw.IsSubscribed("t1"))

	_, err = gw.CandidateDevicesWithSubscription(ctx, t2, []*message.RequestTopic{topic}, sub)
	require.NoError(t, err)

	// Both templates of one owner share the notification topic.
	assert.Equal(t, repo.notificationTopic("t1"), repo.notificationTopic("t2"))
	assert.Equal(t, base+1, broker.Subscriptions())

	gw.CancelSubscription(ctx, t1)
	assert.Equal(t, StateCancelled, gw.State("t1"))
	assert.False(t, gw.IsSubscribed("t1"))
	assert.Equal(t, base+1, broker.Subscriptions())

	gw.CancelSubscription(ctx, t2)
	assert.Equal(t, base, broker.Subscriptions())
	require.Eventually(t, func() bool { return len(repo.cancellations()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]string{{"t1"}, {"t2"}}, repo.cancellations())
}

func TestGateway_DispatchesRevisionsInOrder(t *testing.T) {
	broker, gw := setup(t)
	topic := requestTopic("u1", "a", 1)
	repo := newFakeRepository(t, broker, topic, "repo-1")

	sub := &recordingSubscriber{}
	_, err := gw.CandidateDevicesWithSubscription(context.Background(), lampTemplate("t1", "u1"), []*message.RequestTopic{topic}, sub)
	require.NoError(t, err)

	var revisions []*candidate.Revision
	for _, mac := range []string{"01", "02", "03", "04", "05"} {
		rev := &candidate.Revision{
			ReferenceIDs: []string{"t1", "unknown"},
			Operations:   []candidate.Operation{&candidate.UpsertOperation{DeviceDescriptions: []*device.Description{sensor("lamp", mac)}}},
		}
		revisions = append(revisions, rev)
		repo.notify("t1", rev)
	}
	// Revisions for unsubscribed templates are dropped.
	repo.notify("t1", &candidate.Revision{ReferenceIDs: []string{"other"}})

	require.Eventually(t, func() bool { return len(sub.received()) == len(revisions) }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	got := sub.received()
	require.Len(t, got, len(revisions))
	for i, r := range got {
		assert.Equal(t, "t1", r.templateID)
		assert.Equal(t, "repo-1", r.repository)
		assert.Equal(t, revisions[i].Describe(), r.revision.Describe())
	}
}

func TestGateway_NoDispatchAfterCancel(t *testing.T) {
	broker, gw := setup(t)
	topic := requestTopic("u1", "a", 1)
	repo := newFakeRepository(t, broker, topic, "repo-1")

	sub := &recordingSubscriber{}
	t1 := lampTemplate("t1", "u1")
	_, err := gw.CandidateDevicesWithSubscription(context.Background(), t1, []*message.RequestTopic{topic}, sub)
	require.NoError(t, err)
	notification := repo.notificationTopic("t1")

	gw.CancelSubscription(context.Background(), t1)

	out, err := message.Encode(message.New(&message.CandidateDevicesReply{
		Revisions: []*candidate.Revision{{ReferenceIDs: []string{"t1"}}},
	}, message.WithSender("repo-1")))
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), notification, out))

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sub.received())
}

func TestGateway_CancelWithAdditionalTopics(t *testing.T) {
	broker, gw := setup(t)
	a := requestTopic("u1", "a", 1)
	b := requestTopic("u1", "b", 1)
	repoA := newFakeRepository(t, broker, a, "repo-a")
	repoB := newFakeRepository(t, broker, b, "repo-b")

	// Not subscribed: only the additional topic is notified.
	gw.CancelSubscription(context.Background(), lampTemplate("t9", "u1"), b)
	require.Eventually(t, func() bool { return len(repoB.cancellations()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, repoA.cancellations())
	assert.Equal(t, StateNone, gw.State("t9"))
}

func TestGateway_CancelSubscriptionsForRequestTopic(t *testing.T) {
	broker, gw := setup(t)
	topic := requestTopic("u1", "a", 1)
	repo := newFakeRepository(t, broker, topic, "repo-1")

	require.NoError(t, gw.CancelSubscriptionsForRequestTopic(context.Background(), []string{"t2", "t1"}, topic))
	require.Eventually(t, func() bool { return len(repo.cancellations()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"t1", "t2"}, repo.cancellations()[0])

	require.NoError(t, gw.CancelSubscriptionsForRequestTopic(context.Background(), nil, topic))
	err := gw.CancelSubscriptionsForRequestTopic(context.Background(), []string{"t1"}, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestGateway_AvailableRepositories(t *testing.T) {
	broker, gw := setup(t)
	topic := requestTopic("u1", "a", 2)
	newFakeRepository(t, broker, topic, "repo-1", sensor("lamp-1", "aa"))
	newFakeRepository(t, broker, topic, "repo-2", sensor("lamp-2", "bb"), sensor("lamp-3", "cc"))

	repos, err := gw.AvailableRepositories(context.Background(), topic)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"repo-1": 1, "repo-2": 2}, repos)
}

func TestGateway_InvalidArguments(t *testing.T) {
	_, gw := setup(t)
	ctx := context.Background()
	topic := requestTopic("u1", "a", 1)

	tests := []struct {
		name   string
		tpl    *template.DeviceTemplate
		topics []*message.RequestTopic
	}{
		{"nil template", nil, []*message.RequestTopic{topic}},
		{"no topics", lampTemplate("t1", "u1"), nil},
		{"nil topic", lampTemplate("t1", "u1"), []*message.RequestTopic{nil}},
		{"invalid topic", lampTemplate("t1", "u1"), []*message.RequestTopic{requestTopic("u1", "a/#", 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gw.CandidateDevicesWithSubscription(ctx, tt.tpl, tt.topics, &recordingSubscriber{})
			assert.True(t, errors.IsInvalid(err))
			assert.Equal(t, StateNone, gw.State("t1"))
		})
	}

	_, err := gw.AvailableRepositories(ctx, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestCancelLog_Bounded(t *testing.T) {
	l := newCancelLog(3)
	for i := range 10 {
		l.add(fmt.Sprintf("t%d", i))
	}
	assert.Len(t, l.ids, 3)
	assert.False(t, l.has("t6"))
	assert.True(t, l.has("t7"))
	assert.True(t, l.has("t9"))
	assert.LessOrEqual(t, len(l.order), 6)

	// A resubscribed and cancelled again id keeps its newest record.
	l.remove("t7")
	l.add("t7")
	l.add("t10")
	l.add("t11")
	assert.True(t, l.has("t7"))
	assert.True(t, l.has("t11"))
	assert.False(t, l.has("t9"))
	assert.Len(t, l.ids, 3)

	for range 100 {
		l.add("same")
	}
	assert.Len(t, l.ids, 3)
	assert.LessOrEqual(t, len(l.order), 6)
}
