package scattergather

import (
	"strings"
	"time"

	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/message"
)

// Stage publishes Body to Topic and gathers the replies to it.
type Stage struct {
	Topic      string
	Body       message.Body
	ReplyType  string
	Conditions []Condition
}

// NewStage creates a stage. Without conditions the stage runs until
// DefaultTimeout.
func NewStage(topic string, body message.Body, conditions ...Condition) *Stage {
	return &Stage{Topic: topic, Body: body, Conditions: conditions}
}

// ExpectingReply restricts the accepted replies to one message type.
func (s *Stage) ExpectingReply(typeName string) *Stage {
	s.ReplyType = typeName
	return s
}

// Validate checks the stage and its conditions.
func (s *Stage) Validate() error {
	if strings.TrimSpace(s.Topic) == "" {
		return errors.WrapInvalid(errors.ErrEmptyArgument, "Stage", "Validate", "request topic check")
	}
	if s.Body == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Stage", "Validate", "request body check")
	}
	for _, c := range s.Conditions {
		if c == nil {
			return errors.WrapInvalid(errors.ErrNilArgument, "Stage", "Validate", "condition check")
		}
		if err := c.Validate(); err != nil {
			return errors.Wrap(err, "Stage", "Validate", c.Type()+" condition check")
		}
	}
	return nil
}

// expectedReplies returns the smallest counter condition, or 0 when the
// stage only ends by timeout.
func (s *Stage) expectedReplies() int {
	expected := 0
	for _, c := range s.Conditions {
		if cc, ok := c.(*CounterCondition); ok && (expected == 0 || cc.Replies < expected) {
			expected = cc.Replies
		}
	}
	return expected
}

// timeout returns the smallest timeout condition or DefaultTimeout.
func (s *Stage) timeout() (d time.Duration) {
	d = DefaultTimeout
	for _, c := range s.Conditions {
		if tc, ok := c.(*TimeoutCondition); ok && tc.Duration() < d {
			d = tc.Duration()
		}
	}
	return d
}

// TopicStage builds the stage for a request topic: the body is published to
// the topic's subtopic for the body, the stage waits for the topic's
// expected replies or its timeout.
func TopicStage(topic *message.RequestTopic, body message.Body) *Stage {
	target := topic.FullTopic()
	if s, ok := body.(message.Suffixed); ok {
		target = topic.Subtopic(s.TopicSuffix())
	}
	return NewStage(target, body,
		Counter(topic.ExpectedReplies),
		Timeout(topic.Timeout.Duration()),
	)
}
