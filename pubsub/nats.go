package pubsub

import (
	"context"
	"strings"

	"github.com/c360/mbp/natsclient"
)

// NATS adapts a natsclient.Client to MQTT-style topics.
type NATS struct {
	client *natsclient.Client
}

// NewNATS wraps a connected natsclient.Client.
func NewNATS(client *natsclient.Client) *NATS {
	return &NATS{client: client}
}

// Subject converts an MQTT topic or filter to a NATS subject.
func Subject(topic string) string {
	levels := strings.Split(topic, "/")
	for i, level := range levels {
		switch level {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		}
	}
	return strings.Join(levels, ".")
}

// Topic converts a NATS subject back to an MQTT topic.
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func (n *NATS) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	return n.client.Publish(ctx, Subject(topic), data)
}

func (n *NATS) Subscribe(ctx context.Context, filter string, handler Handler) (Subscription, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}
	sub, err := n.client.Subscribe(ctx, Subject(filter), func(ctx context.Context, subject string, data []byte) {
		handler(ctx, Topic(subject), data)
	})
	if err != nil {
		return nil, err
	}
	return &natsSubscription{filter: filter, sub: sub}, nil
}

// Close closes the underlying connection.
func (n *NATS) Close(ctx context.Context) error {
	return n.client.Close(ctx)
}

type natsSubscription struct {
	filter string
	sub    *natsclient.Subscription
}

func (s *natsSubscription) Filter() string     { return s.filter }
func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
