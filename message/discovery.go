package message

import (
	"encoding/json"
	"strings"

	"github.com/c360/mbp/candidate"
	"github.com/c360/mbp/device"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/location"
	"github.com/c360/mbp/pkg/typereg"
	"github.com/c360/mbp/template"
)

// Message type names
const (
	TypeCandidateDevicesRequest = "candidate_devices_request"
	TypeCandidateDevicesReply   = "candidate_devices_reply"
	TypeCancelSubscriptions     = "cancel_subscriptions"
	TypeRepositoryTestRequest   = "repository_test_request"
	TypeRepositoryTestReply     = "repository_test_reply"
)

// Request topic suffixes
const (
	SuffixQuery  = "query"
	SuffixCancel = "cancel"
	SuffixTest   = "test"
)

func init() {
	Bodies.MustRegister(TypeCandidateDevicesRequest, func() Body { return &CandidateDevicesRequest{} })
	Bodies.MustRegister(TypeCandidateDevicesReply, func() Body { return &CandidateDevicesReply{} })
	Bodies.MustRegister(TypeCancelSubscriptions, func() Body { return &CancelSubscriptions{} })
	Bodies.MustRegister(TypeRepositoryTestRequest, func() Body { return &RepositoryTestRequest{} })
	Bodies.MustRegister(TypeRepositoryTestReply, func() Body { return &RepositoryTestReply{} })
}

// CandidateDevicesRequest asks repositories for the candidate devices of a
// device template. With a notification topic the repositories keep the
// query open and publish revisions to that topic until it is cancelled.
type CandidateDevicesRequest struct {
	ReferenceID       string
	Requirements      []map[string]any
	ScoringCriteria   []template.Criterion
	NotificationTopic string
}

// NewCandidateDevicesRequest builds the request for tpl. Location
// requirements are resolved into their geometry since repositories do not
// know the platform's location templates.
func NewCandidateDevicesRequest(tpl *template.DeviceTemplate, locs location.Lookup, notificationTopic string) (*CandidateDevicesRequest, error) {
	if tpl == nil {
		return nil, errors.WrapInvalid(errors.ErrNilArgument, "CandidateDevicesRequest", "New", "device template check")
	}
	reqs, err := tpl.QueryRequirements(locs)
	if err != nil {
		return nil, errors.Wrap(err, "CandidateDevicesRequest", "New", "render query requirements")
	}
	req := &CandidateDevicesRequest{
		ReferenceID:       tpl.ID,
		Requirements:      reqs,
		ScoringCriteria:   tpl.ScoringCriteria,
		NotificationTopic: notificationTopic,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (*CandidateDevicesRequest) Type() string        { return TypeCandidateDevicesRequest }
func (*CandidateDevicesRequest) TopicSuffix() string { return SuffixQuery }

// Subscribing reports whether the request opens a subscription.
func (r *CandidateDevicesRequest) Subscribing() bool {
	return r.NotificationTopic != ""
}

// Validate implements Validator.
func (r *CandidateDevicesRequest) Validate() error {
	v := errors.NewValidationError("invalid candidate devices request")
	if strings.TrimSpace(r.ReferenceID) == "" {
		v.Add("referenceId", "The reference ID must not be empty.")
	}
	for i, q := range r.Requirements {
		if q == nil {
			v.Addf("requirements", "Requirement %d must not be null.", i)
		}
	}
	for i, c := range r.ScoringCriteria {
		if c == nil {
			v.Addf("scoringCriteria", "Scoring criterion %d must not be null.", i)
		}
	}
	return v.OrNil()
}

type candidateDevicesRequestJSON struct {
	ReferenceID       string           `json:"referenceId"`
	Requirements      []map[string]any `json:"requirements"`
	ScoringCriteria   json.RawMessage  `json:"scoringCriteria"`
	NotificationTopic string           `json:"notificationTopic,omitempty"`
}

// MarshalJSON writes the scoring criteria with their type names.
func (r CandidateDevicesRequest) MarshalJSON() ([]byte, error) {
	criteria, err := typereg.EncodeList(r.ScoringCriteria)
	if err != nil {
		return nil, err
	}
	reqs := r.Requirements
	if reqs == nil {
		reqs = []map[string]any{}
	}
	return json.Marshal(candidateDevicesRequestJSON{
		ReferenceID:       r.ReferenceID,
		Requirements:      reqs,
		ScoringCriteria:   criteria,
		NotificationTopic: r.NotificationTopic,
	})
}

// UnmarshalJSON decodes the scoring criteria through template.Criteria.
func (r *CandidateDevicesRequest) UnmarshalJSON(data []byte) error {
	var raw candidateDevicesRequestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	criteria, err := template.Criteria.DecodeList(raw.ScoringCriteria)
	if err != nil {
		return err
	}
	*r = CandidateDevicesRequest{
		ReferenceID:       raw.ReferenceID,
		Requirements:      raw.Requirements,
		ScoringCriteria:   criteria,
		NotificationTopic: raw.NotificationTopic,
	}
	return nil
}

// CandidateDevicesReply carries the revisions a repository reports. The
// reply to the initial query holds a single replace revision; notifications
// may hold several revisions for several reference ids.
type CandidateDevicesReply struct {
	Revisions []*candidate.Revision `json:"revisions"`
}

// NewCandidateDevicesReply answers the initial query for referenceID.
func NewCandidateDevicesReply(referenceID string, devices ...*device.Description) *CandidateDevicesReply {
	return &CandidateDevicesReply{Revisions: []*candidate.Revision{{
		ReferenceIDs: []string{referenceID},
		Operations:   []candidate.Operation{&candidate.ReplaceOperation{DeviceDescriptions: devices}},
	}}}
}

func (*CandidateDevicesReply) Type() string { return TypeCandidateDevicesReply }

// Empty reports whether the reply carries no revisions.
func (r *CandidateDevicesReply) Empty() bool {
	return len(r.Revisions) == 0
}

// InitialDevices returns the devices of the first replace operation of the
// first revision.
func (r *CandidateDevicesReply) InitialDevices() ([]*device.Description, bool) {
	if len(r.Revisions) == 0 || r.Revisions[0] == nil {
		return nil, false
	}
	return r.Revisions[0].InitialDevices()
}

// Validate implements Validator.
func (r *CandidateDevicesReply) Validate() error {
	for _, rev := range r.Revisions {
		if rev == nil {
			return errors.WrapInvalid(errors.ErrNilArgument, "CandidateDevicesReply", "Validate", "revision check")
		}
	}
	return nil
}

// CancelSubscriptions tells repositories to stop sending revisions for the
// listed device templates. A single id is written as "referenceId", several
// as "referenceIds".
type CancelSubscriptions struct {
	ReferenceIDs []string
}

// NewCancelSubscriptions creates a cancellation for the reference ids.
func NewCancelSubscriptions(referenceIDs ...string) *CancelSubscriptions {
	return &CancelSubscriptions{ReferenceIDs: referenceIDs}
}

func (*CancelSubscriptions) Type() string        { return TypeCancelSubscriptions }
func (*CancelSubscriptions) TopicSuffix() string { return SuffixCancel }

// Validate implements Validator.
func (c *CancelSubscriptions) Validate() error {
	if len(c.ReferenceIDs) == 0 {
		return errors.WrapInvalid(errors.ErrEmptyArgument, "CancelSubscriptions", "Validate", "reference ids check")
	}
	return nil
}

type cancelSubscriptionsJSON struct {
	ReferenceID  string   `json:"referenceId,omitempty"`
	ReferenceIDs []string `json:"referenceIds,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c CancelSubscriptions) MarshalJSON() ([]byte, error) {
	if len(c.ReferenceIDs) == 1 {
		return json.Marshal(cancelSubscriptionsJSON{ReferenceID: c.ReferenceIDs[0]})
	}
	return json.Marshal(cancelSubscriptionsJSON{ReferenceIDs: c.ReferenceIDs})
}

// UnmarshalJSON accepts both the single and the list form.
func (c *CancelSubscriptions) UnmarshalJSON(data []byte) error {
	var raw cancelSubscriptionsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ids := raw.ReferenceIDs
	if raw.ReferenceID != "" {
		ids = append([]string{raw.ReferenceID}, ids...)
	}
	c.ReferenceIDs = ids
	return nil
}

// RepositoryTestRequest asks every repository on a request topic to report
// itself.
type RepositoryTestRequest struct{}

func (*RepositoryTestRequest) Type() string        { return TypeRepositoryTestRequest }
func (*RepositoryTestRequest) TopicSuffix() string { return SuffixTest }

// RepositoryTestReply reports how many device descriptions a repository
// holds.
type RepositoryTestReply struct {
	DevicesCount int `json:"devicesCount"`
}

func (*RepositoryTestReply) Type() string { return TypeRepositoryTestReply }
