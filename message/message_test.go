package message

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbp/candidate"
	"github.com/c360/mbp/device"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/location"
	"github.com/c360/mbp/operator"
	"github.com/c360/mbp/template"
)

func TestEnvelope_Wire(t *testing.T) {
	created := time.Date(2026, 3, 4, 5, 6, 7, 890_000_000, time.UTC)
	env := New(NewCancelSubscriptions("t1"), WithTime(created))

	data, err := Encode(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "cancel_subscriptions",
		"message": {"referenceId": "t1"},
		"time": "2026-03-04T05:06:07.890Z"
	}`, string(data))

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeCancelSubscriptions, decoded.Type)
	assert.True(t, decoded.Time.Equal(created))
	assert.Equal(t, []string{"t1"}, decoded.Body.(*CancelSubscriptions).ReferenceIDs)
	assert.False(t, decoded.IsRequest())
}

func TestEnvelope_RequestAndReply(t *testing.T) {
	topic, corrID, err := NewReturnTopic("user-1", CategoryDiscovery)
	require.NoError(t, err)

	req := New(&RepositoryTestRequest{}, WithReturnTopic(topic, corrID))
	require.NoError(t, req.Validate())
	assert.True(t, req.IsRequest())

	reply := req.Reply(&RepositoryTestReply{DevicesCount: 7}, "repo-a")
	data, err := Encode(reply)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, corrID, decoded.CorrelationID)
	assert.Equal(t, "repo-a", decoded.SenderName)
	assert.Equal(t, 7, decoded.Body.(*RepositoryTestReply).DevicesCount)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing type", `{"message": {}}`},
		{"unknown type", `{"type": "telemetry", "message": {}}`},
		{"bad body", `{"type": "repository_test_reply", "message": {"devicesCount": "many"}}`},
		{"bad time", `{"type": "repository_test_request", "message": {}, "time": "yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestDecode_EpochMillis(t *testing.T) {
	env, err := Decode([]byte(`{"type": "repository_test_request", "message": {}, "time": 1767225600123}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1767225600123), env.Time.UnixMilli())
}

func TestEnvelope_Validate(t *testing.T) {
	env := New(&CancelSubscriptions{})
	assert.True(t, errors.IsInvalid(env.Validate()))

	env = New(NewCancelSubscriptions("a"), WithReturnTopic("r/u/discovery/x", ""))
	assert.True(t, errors.IsInvalid(env.Validate()))

	env = New(NewCancelSubscriptions("a"))
	env.Type = TypeRepositoryTestRequest
	assert.True(t, errors.IsInvalid(env.Validate()))
}

func TestCancelSubscriptions_Forms(t *testing.T) {
	data, err := json.Marshal(NewCancelSubscriptions("a", "b"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"referenceIds": ["a", "b"]}`, string(data))

	var c CancelSubscriptions
	require.NoError(t, json.Unmarshal([]byte(`{"referenceId": "x"}`), &c))
	assert.Equal(t, []string{"x"}, c.ReferenceIDs)
}

func TestCandidateDevicesRequest(t *testing.T) {
	lab := &location.Template{ID: "lab", Name: "Lab", Shape: location.ShapePoint, Latitude: 48.7, Longitude: 9.1}
	locs := location.NewRegistry(lab)
	locReq, err := template.NewLocationRequirement(operator.AtLocation, lab)
	require.NoError(t, err)

	tpl := &template.DeviceTemplate{
		ID:           "t1",
		Name:         "Lab sensor",
		Requirements: []template.Requirement{locReq, template.NewNameRequirement(operator.Contains, "sensor")},
		ScoringCriteria: []template.Criterion{
			&template.ProximityCriterion{LocationTemplateID: "lab", MaximumScore: 100, HalfScoreDistance: 10},
		},
	}

	req, err := NewCandidateDevicesRequest(tpl, locs, "r/u/discovery/abc")
	require.NoError(t, err)
	assert.True(t, req.Subscribing())
	assert.Equal(t, SuffixQuery, req.TopicSuffix())

	data, err := Encode(New(req))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"proximity"`)
	assert.Contains(t, string(data), `"notificationTopic":"r/u/discovery/abc"`)

	decoded, err := Decode(data)
	require.NoError(t, err)
	body := decoded.Body.(*CandidateDevicesRequest)
	assert.Equal(t, "t1", body.ReferenceID)
	require.Len(t, body.Requirements, 2)
	assert.Equal(t, "location", body.Requirements[0]["type"])
	require.Len(t, body.ScoringCriteria, 1)
	assert.IsType(t, &template.ProximityCriterion{}, body.ScoringCriteria[0])

	_, err = NewCandidateDevicesRequest(tpl, location.NewRegistry(), "")
	assert.True(t, errors.IsInvalid(err))
}

func TestCandidateDevicesReply_InitialDevices(t *testing.T) {
	reply := NewCandidateDevicesReply("t1", &device.Description{Name: "a", Identifiers: &device.Identifiers{MACAddress: "aa"}})
	data, err := json.Marshal(reply)
	require.NoError(t, err)

	var decoded CandidateDevicesReply
	require.NoError(t, json.Unmarshal(data, &decoded))
	devices, ok := decoded.InitialDevices()
	require.True(t, ok)
	require.Len(t, devices, 1)
	assert.Equal(t, "aa", devices[0].Identity())

	empty := &CandidateDevicesReply{Revisions: []*candidate.Revision{{ReferenceIDs: []string{"t1"}}}}
	_, ok = empty.InitialDevices()
	assert.False(t, ok)
	assert.True(t, (&CandidateDevicesReply{}).Empty())
}

func TestReturnTopic(t *testing.T) {
	topic, corrID, err := NewReturnTopic("user-1", CategoryDiscovery)
	require.NoError(t, err)
	assert.Len(t, corrID, 32)
	assert.False(t, strings.Contains(corrID, "-"))
	assert.Equal(t, "r/user-1/discovery/"+corrID, topic)

	got, ok := CorrelationIDOf(topic)
	require.True(t, ok)
	assert.Equal(t, corrID, got)

	_, ok = CorrelationIDOf("user-1/discovery/query")
	assert.False(t, ok)

	_, err = ReturnTopic("", CategoryDiscovery, corrID)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, "r/user-1/discovery/+", ReturnTopicFilter("user-1", CategoryDiscovery))
}

func TestRequestTopic_Validate(t *testing.T) {
	valid := RequestTopic{Owner: "u1", Suffix: "building-a", Timeout: 5000, ExpectedReplies: 2}
	require.NoError(t, valid.Validate())
	assert.Equal(t, "u1/discovery/building-a", valid.FullTopic())
	assert.Equal(t, "u1/discovery/building-a/query", valid.Subtopic(SuffixQuery))
	assert.Equal(t, 5*time.Second, valid.Timeout.Duration())

	tests := []struct {
		name   string
		mutate func(*RequestTopic)
		field  string
	}{
		{"timeout too small", func(r *RequestTopic) { r.Timeout = 9 }, "timeout"},
		{"timeout too large", func(r *RequestTopic) { r.Timeout = 60001 }, "timeout"},
		{"no replies", func(r *RequestTopic) { r.ExpectedReplies = 0 }, "expectedReplies"},
		{"wildcard suffix", func(r *RequestTopic) { r.Suffix = "a/#" }, "suffix"},
		{"empty suffix", func(r *RequestTopic) { r.Suffix = " " }, "suffix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := valid
			tt.mutate(&rt)
			err := rt.Validate()
			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Len(t, verr.Fields, 1)
			assert.Equal(t, tt.field, verr.Fields[0].Field)
		})
	}
}
