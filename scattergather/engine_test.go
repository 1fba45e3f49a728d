package scattergather

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/message"
	"github.com/c360/mbp/metric"
	"github.com/c360/mbp/pubsub"
)

// repository answers repository test requests on topic with one reply per
// name.
func repository(t *testing.T, broker pubsub.Client, topic string, names ...string) {
	t.Helper()
	_, err := broker.Subscribe(context.Background(), topic, func(ctx context.Context, _ string, data []byte) {
		req, err := message.Decode(data)
		if err != nil || !req.IsRequest() {
			return
		}
		for i, name := range names {
			out, _ := message.Encode(req.Reply(&message.RepositoryTestReply{DevicesCount: i}, name))
			_ = broker.Publish(ctx, req.ReturnTopic, out)
		}
	})
	require.NoError(t, err)
}

func senders(replies []*message.Envelope) []string {
	var out []string
	for _, r := range replies {
		out = append(out, r.SenderName)
	}
	return out
}

func TestEngine_CounterCompletes(t *testing.T) {
	broker := pubsub.NewMemory()
	defer broker.Close(context.Background())
	repository(t, broker, "u1/discovery/a/test", "repo-1", "repo-2", "repo-3", "repo-4")

	// Noise on the shared reply topic for other correlation ids.
	noise, _ := message.Encode(message.New(&message.RepositoryTestReply{}, message.WithSender("stranger")))
	_, err := broker.Subscribe(context.Background(), "u1/discovery/a/test", func(ctx context.Context, _ string, _ []byte) {
		for i := 0; i < 5; i++ {
			_ = broker.Publish(ctx, "r/u1/discovery/other", noise)
			_ = broker.Publish(ctx, "r/u1/discovery/other", []byte("not json"))
		}
	})
	require.NoError(t, err)

	engine := NewEngine(broker)
	stage := NewStage("u1/discovery/a/test", &message.RepositoryTestRequest{}, Counter(3), Timeout(5*time.Second))

	start := time.Now()
	replies, err := engine.Execute(context.Background(), "u1", stage)
	require.NoError(t, err)
	assert.Len(t, replies, 3)
	assert.NotContains(t, senders(replies), "stranger")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEngine_TimeoutWithoutReplies(t *testing.T) {
	broker := pubsub.NewMemory()
	defer broker.Close(context.Background())
	engine := NewEngine(broker)

	start := time.Now()
	replies, err := engine.Execute(context.Background(), "u1",
		NewStage("u1/discovery/silent/test", &message.RepositoryTestRequest{}, Timeout(50*time.Millisecond)))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Empty(t, replies)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Zero(t, broker.Subscriptions())
}

func TestEngine_ConcurrentRequestsShareSubscription(t *testing.T) {
	broker := pubsub.NewMemory()
	defer broker.Close(context.Background())
	for i := 0; i < 5; i++ {
		repository(t, broker, fmt.Sprintf("u1/discovery/t%d/test", i), fmt.Sprintf("repo-%d", i))
	}
	base := broker.Subscriptions()
	engine := NewEngine(broker)

	var wg sync.WaitGroup
	results := make([][]*message.Envelope, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stage := NewStage(fmt.Sprintf("u1/discovery/t%d/test", i), &message.RepositoryTestRequest{},
				Counter(1), Timeout(2*time.Second))
			replies, err := engine.Execute(context.Background(), "u1", stage)
			assert.NoError(t, err)
			results[i] = replies
		}()
	}
	wg.Wait()

	for i, replies := range results {
		assert.Equal(t, []string{fmt.Sprintf("repo-%d", i)}, senders(replies))
	}
	assert.Equal(t, base, broker.Subscriptions())
}

func TestEngine_MultiStageMerge(t *testing.T) {
	broker := pubsub.NewMemory()
	defer broker.Close(context.Background())
	repository(t, broker, "u1/discovery/a/test", "repo-a1", "repo-a2")
	repository(t, broker, "u1/discovery/b/test", "repo-b1")

	a := &message.RequestTopic{Owner: "u1", Suffix: "a", Timeout: 2000, ExpectedReplies: 2}
	b := &message.RequestTopic{Owner: "u1", Suffix: "b", Timeout: 2000, ExpectedReplies: 1}

	engine := NewEngine(broker)
	replies, err := engine.Execute(context.Background(), "u1",
		TopicStage(a, &message.RepositoryTestRequest{}).ExpectingReply(message.TypeRepositoryTestReply),
		TopicStage(b, &message.RepositoryTestRequest{}).ExpectingReply(message.TypeRepositoryTestReply),
	)
	require.NoError(t, err)
	require.Len(t, replies, 3)
	assert.ElementsMatch(t, []string{"repo-a1", "repo-a2"}, senders(replies[:2]))
	assert.Equal(t, "repo-b1", replies[2].SenderName)
}

func TestEngine_UnexpectedReplyType(t *testing.T) {
	broker := pubsub.NewMemory()
	defer broker.Close(context.Background())
	repository(t, broker, "u1/discovery/a/test", "repo-1")

	engine := NewEngine(broker)
	replies, err := engine.Execute(context.Background(), "u1",
		NewStage("u1/discovery/a/test", &message.RepositoryTestRequest{}, Timeout(50*time.Millisecond)).
			ExpectingReply(message.TypeCandidateDevicesReply))
	require.NoError(t, err)
	assert.Empty(t, replies)
}

func TestEngine_Cancelled(t *testing.T) {
	broker := pubsub.NewMemory()
	defer broker.Close(context.Background())
	engine := NewEngine(broker)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := engine.Execute(ctx, "u1", NewStage("u1/discovery/a/test", &message.RepositoryTestRequest{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, errors.IsTransient(err))
	assert.Zero(t, broker.Subscriptions())
}

func TestEngine_Metrics(t *testing.T) {
	broker := pubsub.NewMemory()
	defer broker.Close(context.Background())
	repository(t, broker, "u1/discovery/a/test", "repo-1", "repo-2")

	m := metric.NewMetrics()
	engine := NewEngine(broker, WithMetrics(m))
	_, err := engine.Execute(context.Background(), "u1",
		NewStage("u1/discovery/a/test", &message.RepositoryTestRequest{}, Counter(1), Timeout(time.Second)))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(ReasonComplete)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepliesTotal.WithLabelValues("accepted")))
	assert.Zero(t, testutil.ToFloat64(m.InFlight))
}

func TestEngine_RejectsInvalidStages(t *testing.T) {
	engine := NewEngine(pubsub.NewMemory())
	tests := []struct {
		name   string
		stages []*Stage
	}{
		{"no stages", nil},
		{"nil stage", []*Stage{nil}},
		{"no topic", []*Stage{NewStage("", &message.RepositoryTestRequest{})}},
		{"no body", []*Stage{NewStage("a/b", nil)}},
		{"zero counter", []*Stage{NewStage("a/b", &message.RepositoryTestRequest{}, Counter(0))}},
		{"timeout too short", []*Stage{NewStage("a/b", &message.RepositoryTestRequest{}, Timeout(5*time.Millisecond))}},
		{"timeout too long", []*Stage{NewStage("a/b", &message.RepositoryTestRequest{}, Timeout(61*time.Second))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Execute(context.Background(), "u1", tt.stages...)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestStage_ValidateNamesCondition(t *testing.T) {
	assert.NotEqual(t, Counter(1).Type(), Timeout(time.Second).Type())

	tests := []struct {
		name      string
		condition Condition
		want      string
	}{
		{"counter", Counter(0), "counter condition check"},
		{"timeout", Timeout(time.Millisecond), "timeout condition check"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewStage("u1/discovery/all", &message.RepositoryTestRequest{}, tt.condition).Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
