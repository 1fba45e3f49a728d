package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/mbp/errors"
)

// ReturnTopicPrefix starts every return topic.
const ReturnTopicPrefix = "r"

// Return topic categories
const (
	CategoryDiscovery    = "discovery"
	CategoryNotification = "notification"
)

// Request topic timeout bounds
const (
	MinTimeout = 10 * time.Millisecond
	MaxTimeout = 60 * time.Second
)

// NewCorrelationID returns a random correlation id without dashes.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ReturnTopic builds "r/<userID>/<category>/<correlationID>".
func ReturnTopic(userID, category, correlationID string) (string, error) {
	switch {
	case strings.TrimSpace(userID) == "":
		return "", errors.WrapInvalid(errors.ErrEmptyArgument, "message", "ReturnTopic", "user id check")
	case strings.TrimSpace(category) == "":
		return "", errors.WrapInvalid(errors.ErrEmptyArgument, "message", "ReturnTopic", "category check")
	case strings.TrimSpace(correlationID) == "":
		return "", errors.WrapInvalid(errors.ErrEmptyArgument, "message", "ReturnTopic", "correlation id check")
	}
	return strings.Join([]string{ReturnTopicPrefix, userID, category, correlationID}, "/"), nil
}

// NewReturnTopic builds a return topic with a fresh correlation id and
// returns both.
func NewReturnTopic(userID, category string) (topic, correlationID string, err error) {
	correlationID = NewCorrelationID()
	topic, err = ReturnTopic(userID, category, correlationID)
	return topic, correlationID, err
}

// ReturnTopicFilter matches every return topic of userID and category.
func ReturnTopicFilter(userID, category string) string {
	return strings.Join([]string{ReturnTopicPrefix, userID, category, "+"}, "/")
}

// CorrelationIDOf extracts the correlation id from a return topic.
func CorrelationIDOf(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != ReturnTopicPrefix || parts[3] == "" {
		return "", false
	}
	return parts[3], true
}

// RequestTopic is a topic under which discovery repositories listen for
// requests of one user.
type RequestTopic struct {
	ID              string    `json:"id"`
	Owner           string    `json:"ownerId"`
	Suffix          string    `json:"suffix"`
	Timeout         Millis    `json:"timeout"`
	ExpectedReplies int       `json:"expectedReplies"`
	Created         time.Time `json:"created,omitzero"`
}

// Millis is a duration written as integer milliseconds.
type Millis int

// Duration converts m to a time.Duration.
func (m Millis) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

// FullTopic returns "<owner>/discovery/<suffix>".
func (t *RequestTopic) FullTopic() string {
	return fmt.Sprintf("%s/%s/%s", t.Owner, CategoryDiscovery, t.Suffix)
}

// Subtopic returns the full topic with a message suffix appended.
func (t *RequestTopic) Subtopic(suffix string) string {
	if suffix == "" {
		return t.FullTopic()
	}
	return t.FullTopic() + "/" + suffix
}

// Validate checks the topic settings.
func (t *RequestTopic) Validate() error {
	v := errors.NewValidationError("invalid request topic")
	if strings.TrimSpace(t.Owner) == "" {
		v.Add("owner", "The owner must not be empty.")
	}
	suffix := strings.TrimSpace(t.Suffix)
	switch {
	case suffix == "":
		v.Add("suffix", "The suffix must not be empty.")
	case strings.ContainsAny(suffix, "#+ "):
		v.Add("suffix", "The suffix must not contain wildcards or whitespace.")
	case strings.HasPrefix(suffix, "/") || strings.HasSuffix(suffix, "/"):
		v.Add("suffix", "The suffix must not start or end with a slash.")
	}
	if d := t.Timeout.Duration(); d < MinTimeout || d > MaxTimeout {
		v.Addf("timeout", "The timeout must be between %d and %d milliseconds.",
			MinTimeout.Milliseconds(), MaxTimeout.Milliseconds())
	}
	if t.ExpectedReplies <= 0 {
		v.Add("expectedReplies", "The number of expected replies must be greater than zero.")
	}
	return v.OrNil()
}
