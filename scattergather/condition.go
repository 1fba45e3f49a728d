// Package scattergather publishes a request to several topics and gathers
// the correlated replies from a shared reply subscription.
//
// A request consists of one or more stages. Each stage publishes one
// message to one destination topic and collects replies until its
// completeness conditions are met: a counter condition ends the stage once
// enough replies arrived, a timeout condition ends it after a fixed time.
// Every stage ends at the latest after DefaultTimeout, so a request with no
// replies at all still completes.
package scattergather

import (
	"fmt"
	"time"

	"github.com/c360/mbp/errors"
)

// Condition type names
const (
	TypeCounter = "counter"
	TypeTimeout = "timeout"
)

// Timeout bounds
const (
	DefaultTimeout = 60 * time.Second
	MinTimeout     = 10 * time.Millisecond
	MaxTimeout     = 60 * time.Second
)

// Condition decides when a stage has gathered enough replies.
type Condition interface {
	Type() string
	Validate() error
}

// CounterCondition completes a stage after Replies correlated replies.
type CounterCondition struct {
	Replies int `json:"replies"`
}

// Counter creates a CounterCondition.
func Counter(replies int) *CounterCondition {
	return &CounterCondition{Replies: replies}
}

func (*CounterCondition) Type() string { return TypeCounter }

func (c *CounterCondition) Validate() error {
	if c.Replies < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: expected replies %d, must be at least 1", errors.ErrInvalidConfig, c.Replies),
			"CounterCondition", "Validate", "replies check")
	}
	return nil
}

// TimeoutCondition completes a stage after Timeout milliseconds.
type TimeoutCondition struct {
	Timeout int `json:"timeout"`
}

// Timeout creates a TimeoutCondition. d is truncated to milliseconds.
func Timeout(d time.Duration) *TimeoutCondition {
	return &TimeoutCondition{Timeout: int(d.Milliseconds())}
}

func (*TimeoutCondition) Type() string { return TypeTimeout }

// Duration returns the timeout as a time.Duration.
func (c *TimeoutCondition) Duration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

func (c *TimeoutCondition) Validate() error {
	if d := c.Duration(); d < MinTimeout || d > MaxTimeout {
		return errors.WrapInvalid(
			fmt.Errorf("%w: timeout %d ms, must be between %d and %d ms", errors.ErrInvalidConfig,
				c.Timeout, MinTimeout.Milliseconds(), MaxTimeout.Milliseconds()),
			"TimeoutCondition", "Validate", "timeout check")
	}
	return nil
}
