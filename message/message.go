// Package message defines the domain message envelope exchanged with
// discovery repositories over the publish-subscribe broker.
//
// Every message on the wire has the same shape:
//
//	{"type": "candidate_devices_request", "message": {...}, "time": "2026-01-02T15:04:05.000Z"}
//
// Requests additionally carry the topic replies are expected on and a
// correlation identifier, and replies name the repository that sent them:
//
//	{"type": "...", "message": {...}, "time": "...",
//	 "returnTopic": "r/<user>/discovery/<corrId>", "correlationId": "<corrId>"}
//
// The body is decoded by looking up the type name in the Bodies registry,
// so packages that define new message types register them in init.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/pkg/timestamp"
	"github.com/c360/mbp/pkg/typereg"
)

// TimeLayout is the wire format of the envelope time.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Body is the payload of a domain message.
type Body interface {
	Type() string
}

// Suffixed is implemented by bodies that are published to a request topic.
// The suffix is appended to the full request topic, e.g. "<topic>/query".
type Suffixed interface {
	TopicSuffix() string
}

// Validator is implemented by bodies that can check their own content.
type Validator interface {
	Validate() error
}

// Bodies maps type names to message body factories.
var Bodies = typereg.New[Body]("message body")

// Envelope is a domain message as sent over the broker.
//
// Envelopes are built with New and its options and are treated as
// immutable once published.
type Envelope struct {
	Type          string
	Body          Body
	Time          time.Time
	ReturnTopic   string
	CorrelationID string
	SenderName    string
}

// Option configures an Envelope during construction.
type Option func(*Envelope)

// WithTime sets the creation time instead of time.Now().
func WithTime(t time.Time) Option {
	return func(e *Envelope) {
		e.Time = t
	}
}

// WithReturnTopic turns the envelope into a request whose replies are
// published to topic and carry correlationID.
func WithReturnTopic(topic, correlationID string) Option {
	return func(e *Envelope) {
		e.ReturnTopic = topic
		e.CorrelationID = correlationID
	}
}

// WithSender sets the name of the sending party. Repositories put their
// name here when replying.
func WithSender(name string) Option {
	return func(e *Envelope) {
		e.SenderName = name
	}
}

// New wraps body into an envelope.
func New(body Body, opts ...Option) *Envelope {
	e := &Envelope{
		Body: body,
		Time: time.Now(),
	}
	if body != nil {
		e.Type = body.Type()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reply creates the reply to a request envelope. The correlation id is
// copied so the requester can route it.
func (e *Envelope) Reply(body Body, sender string, opts ...Option) *Envelope {
	opts = append([]Option{WithSender(sender)}, opts...)
	r := New(body, opts...)
	r.CorrelationID = e.CorrelationID
	return r
}

// IsRequest reports whether the envelope expects replies.
func (e *Envelope) IsRequest() bool {
	return e.ReturnTopic != "" && e.CorrelationID != ""
}

// Validate checks the envelope and, if supported, its body.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate", "message type cannot be empty")
	}
	if e.Body == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate", "message body cannot be nil")
	}
	if e.Body.Type() != e.Type {
		return errors.WrapInvalid(
			fmt.Errorf("%w: body of type %s in %s envelope", errors.ErrInvalidData, e.Body.Type(), e.Type),
			"Envelope", "Validate", "type check")
	}
	if (e.ReturnTopic == "") != (e.CorrelationID == "") {
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate",
			"return topic and correlation id must be set together")
	}
	if v, ok := e.Body.(Validator); ok {
		if err := v.Validate(); err != nil {
			return errors.WrapInvalid(err, "Envelope", "Validate", "invalid message body")
		}
	}
	return nil
}

// wireFormat is the JSON representation of an Envelope.
type wireFormat struct {
	Type          string          `json:"type"`
	Message       json.RawMessage `json:"message"`
	Time          json.RawMessage `json:"time,omitempty"`
	ReturnTopic   string          `json:"returnTopic,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	SenderName    string          `json:"senderName,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(e.Body)
	if err != nil {
		return nil, errors.Wrap(err, "Envelope", "MarshalJSON", "marshal message body")
	}
	w := wireFormat{
		Type:          e.Type,
		Message:       body,
		ReturnTopic:   e.ReturnTopic,
		CorrelationID: e.CorrelationID,
		SenderName:    e.SenderName,
	}
	if !e.Time.IsZero() {
		w.Time, _ = json.Marshal(e.Time.UTC().Format(TimeLayout))
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. The time may be an RFC 3339
// string or epoch milliseconds.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireFormat
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "decode envelope")
	}
	if w.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "UnmarshalJSON", "missing message type")
	}

	body, err := Bodies.Create(w.Type)
	if err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "resolve message type")
	}
	if len(w.Message) > 0 && string(w.Message) != "null" {
		if err := json.Unmarshal(w.Message, body); err != nil {
			return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "decode "+w.Type+" body")
		}
	}

	t, err := decodeTime(w.Time)
	if err != nil {
		return err
	}

	*e = Envelope{
		Type:          w.Type,
		Body:          body,
		Time:          t,
		ReturnTopic:   w.ReturnTopic,
		CorrelationID: w.CorrelationID,
		SenderName:    w.SenderName,
	}
	return nil
}

func decodeTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return time.Time{}, errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "decode message time")
	}
	ms := timestamp.Parse(v)
	if ms == 0 {
		return time.Time{}, errors.WrapInvalid(
			fmt.Errorf("%w: unparseable time %s", errors.ErrInvalidData, raw),
			"Envelope", "UnmarshalJSON", "decode message time")
	}
	return timestamp.FromUnixMs(ms), nil
}

// Encode marshals e for publishing.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a received envelope.
func Decode(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}
