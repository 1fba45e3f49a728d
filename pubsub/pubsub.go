// Package pubsub abstracts the publish-subscribe broker used to talk to
// discovery repositories and to receive sensor values.
//
// Topics use MQTT syntax: levels separated by '/', '+' matches one level and
// '#' matches the remaining levels. Implementations map this syntax to their
// transport; the NATS client for example turns "r/u1/discovery/+" into the
// subject "r.u1.discovery.*".
package pubsub

import (
	"context"
	"strings"

	"github.com/c360/mbp/errors"
)

// Handler receives a message published to topic. Messages of one
// subscription are delivered in order; there is no ordering across
// subscriptions.
type Handler func(ctx context.Context, topic string, data []byte)

// Subscription is an active subscription.
type Subscription interface {
	Filter() string
	Unsubscribe() error
}

// Client publishes and subscribes to topics.
type Client interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, filter string, handler Handler) (Subscription, error)
	Close(ctx context.Context) error
}

// Errors
var (
	ErrClosed        = errors.New("pubsub client closed")
	ErrInvalidFilter = errors.New("invalid topic filter")
)

// ValidateFilter checks the wildcard placement of an MQTT topic filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return errors.WrapInvalid(ErrInvalidFilter, "pubsub", "ValidateFilter", "empty filter check")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return errors.WrapInvalid(ErrInvalidFilter, "pubsub", "ValidateFilter", "'#' must be the last level")
		case level != "#" && level != "+" && strings.ContainsAny(level, "#+"):
			return errors.WrapInvalid(ErrInvalidFilter, "pubsub", "ValidateFilter", "wildcards must fill a whole level")
		}
	}
	return nil
}

// ValidateTopic checks that a publish topic has no wildcards.
func ValidateTopic(topic string) error {
	if topic == "" || strings.ContainsAny(topic, "#+") {
		return errors.WrapInvalid(errors.ErrInvalidData, "pubsub", "ValidateTopic", "topic check: "+topic)
	}
	return nil
}

// Match reports whether topic matches filter.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
