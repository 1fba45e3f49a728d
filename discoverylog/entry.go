// Package discoverylog records what the discovery engine did for a dynamic
// deployment. Every task run produces one Entry holding the messages it
// logged; entries are stored per dynamic deployment id.
//
// Two logs are kept with the same machinery: the discovery log, written by
// the engine's tasks, and the dynamic deployment log, which holds
// single-message entries about state changes.
package discoverylog

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/mbp/errors"
)

// Trigger names the agent that caused a task.
type Trigger string

// Triggers
const (
	TriggerUser                Trigger = "user"
	TriggerMBP                 Trigger = "mbp"
	TriggerDiscoveryRepository Trigger = "discovery_repository"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerUser, TriggerMBP, TriggerDiscoveryRepository:
		return true
	}
	return false
}

// MessageType classifies a log message.
type MessageType string

// Message types
const (
	MessageInfo        MessageType = "info"
	MessageSuccess     MessageType = "success"
	MessageUndesirable MessageType = "undesirable"
	MessageError       MessageType = "error"
)

// Message is one line of a log entry.
type Message struct {
	Type MessageType `json:"type"`
	Text string      `json:"message"`
	Time time.Time   `json:"time"`
}

// Entry collects the messages of one task run.
type Entry struct {
	ID        string    `json:"id"`
	Trigger   Trigger   `json:"trigger"`
	TaskName  string    `json:"taskName"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime,omitzero"`
	Messages  []Message `json:"messages"`
}

// NewEntry starts an entry for a task run.
func NewEntry(trigger Trigger, taskName string) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		TaskName:  taskName,
		StartTime: time.Now().UTC(),
		Messages:  []Message{},
	}
}

// Add appends a message.
func (e *Entry) Add(typ MessageType, text string) *Entry {
	e.Messages = append(e.Messages, Message{Type: typ, Text: text, Time: time.Now().UTC()})
	return e
}

// Info appends an info message.
func (e *Entry) Info(text string) *Entry { return e.Add(MessageInfo, text) }

// Success appends a success message.
func (e *Entry) Success(text string) *Entry { return e.Add(MessageSuccess, text) }

// Undesirable appends a message about an unwanted but expected outcome.
func (e *Entry) Undesirable(text string) *Entry { return e.Add(MessageUndesirable, text) }

// Error appends an error message.
func (e *Entry) Error(text string) *Entry { return e.Add(MessageError, text) }

// Finish sets the end time.
func (e *Entry) Finish() *Entry {
	e.EndTime = time.Now().UTC()
	return e
}

// Empty reports whether the entry holds no messages.
func (e *Entry) Empty() bool {
	return len(e.Messages) == 0
}

// Validate checks the entry before it is stored.
func (e *Entry) Validate() error {
	if e == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Entry", "Validate", "entry check")
	}
	v := errors.NewValidationError("invalid log entry")
	if strings.TrimSpace(e.ID) == "" {
		v.Add("id", "The id must not be empty.")
	}
	if !e.Trigger.Valid() {
		v.Addf("trigger", "Unknown trigger %q.", e.Trigger)
	}
	if e.StartTime.IsZero() {
		v.Add("startTime", "The start time must be set.")
	}
	if !e.EndTime.IsZero() && e.EndTime.Before(e.StartTime) {
		v.Add("endTime", "The end time must not be before the start time.")
	}
	return v.OrNil()
}

// sortEntries orders entries by start time, then id.
func sortEntries(entries []*Entry) {
	slices.SortStableFunc(entries, func(a, b *Entry) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// pageStart returns the index of the first entry of a page, or false when
// the index does not fit an int.
func pageStart(number, size int) (int, bool) {
	if number < 0 || size < 1 || number > math.MaxInt/size {
		return 0, false
	}
	return number * size, true
}

// page returns the entries of a zero-based page.
func page(entries []*Entry, number, size int) []*Entry {
	start, ok := pageStart(number, size)
	if !ok || start >= len(entries) {
		return []*Entry{}
	}
	end := min(start+size, len(entries))
	return entries[start:end]
}
