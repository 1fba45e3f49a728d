package engine

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbp/candidate"
	"github.com/c360/mbp/deploy"
	"github.com/c360/mbp/device"
	"github.com/c360/mbp/discoverylog"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/gateway"
	"github.com/c360/mbp/location"
	"github.com/c360/mbp/message"
	"github.com/c360/mbp/processing"
	"github.com/c360/mbp/storage"
	"github.com/c360/mbp/template"
)

const (
	macFast = "aa:00:00:00:00:01"
	macNear = "aa:00:00:00:00:02"
	macBest = "aa:00:00:00:00:03"
)

type fakeGateway struct {
	mu         sync.Mutex
	containers map[string]*candidate.Container
	subscribed map[string]bool
	cancelled  []string
	topics     []string
	queries    int
	block      chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		containers: make(map[string]*candidate.Container),
		subscribed: make(map[string]bool),
	}
}

func (g *fakeGateway) put(templateID string, ds ...*device.Description) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := candidate.NewContainer(templateID)
	c.Put(&candidate.Collection{RepositoryName: "repo-a", Devices: ds})
	g.containers[templateID] = c
}

func (g *fakeGateway) CandidateDevices(_ context.Context, tpl *template.DeviceTemplate, _ []*message.RequestTopic) (*candidate.Container, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if c, ok := g.containers[tpl.ID]; ok {
		return c.Clone(), nil
	}
	return candidate.NewContainer(tpl.ID), nil
}

func (g *fakeGateway) CandidateDevicesWithSubscription(ctx context.Context, tpl *template.DeviceTemplate, topics []*message.RequestTopic, _ gateway.Subscriber) (*candidate.Container, error) {
	g.mu.Lock()
	block := g.block
	g.subscribed[tpl.ID] = true
	g.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.CandidateDevices(ctx, tpl, topics)
}

func (g *fakeGateway) CancelSubscription(_ context.Context, tpl *template.DeviceTemplate, _ ...*message.RequestTopic) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subscribed, tpl.ID)
	g.cancelled = append(g.cancelled, tpl.ID)
}

func (g *fakeGateway) CancelSubscriptionsForRequestTopic(_ context.Context, _ []string, topic *message.RequestTopic) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.topics = append(g.topics, topic.ID)
	return nil
}

func (g *fakeGateway) IsSubscribed(templateID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.subscribed[templateID]
}

func (g *fakeGateway) cancellations() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.cancelled)
}

type fakeDeployer struct {
	mu         sync.Mutex
	failing    map[string]bool
	deployed   map[string]bool
	attempts   []string
	undeployed []string
	panics     bool
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{failing: make(map[string]bool), deployed: make(map[string]bool)}
}

func (d *fakeDeployer) Deploy(_ context.Context, dd *deploy.DynamicDeployment, target *device.Description) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panics {
		panic("deployer broken")
	}
	mac := target.Identity()
	d.attempts = append(d.attempts, mac)
	if d.failing[mac] {
		return false
	}
	d.deployed[dd.ID+"|"+mac] = true
	return true
}

func (d *fakeDeployer) Undeploy(_ context.Context, dd *deploy.DynamicDeployment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dd.LastDevice == nil {
		return
	}
	d.undeployed = append(d.undeployed, dd.LastDevice.MACAddress)
	delete(d.deployed, dd.ID+"|"+dd.LastDevice.MACAddress)
}

func (d *fakeDeployer) IsDeployed(_ context.Context, dd *deploy.DynamicDeployment) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return dd.LastDevice != nil && d.deployed[dd.ID+"|"+dd.LastDevice.MACAddress]
}

func (d *fakeDeployer) tried() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.attempts)
}

func (d *fakeDeployer) removed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.undeployed)
}

// candidate scores: fast 10, near 5
func candidateDevice(mac string, fast, near bool) *device.Description {
	return &device.Description{
		Name:        "sensor " + mac,
		Identifiers: &device.Identifiers{MACAddress: mac},
		Capabilities: []device.Capability{
			{Name: "fast", Value: fast},
			{Name: "near", Value: near},
		},
	}
}

func sensorTemplate(id string) *template.DeviceTemplate {
	return &template.DeviceTemplate{
		ID:    id,
		Name:  "Sensor " + id,
		Owner: "u1",
		ScoringCriteria: []template.Criterion{
			&template.BooleanCapabilityCriterion{CapabilityName: "fast", TrueScoreIncrement: 10},
			&template.BooleanCapabilityCriterion{CapabilityName: "near", TrueScoreIncrement: 5},
		},
	}
}

type fixture struct {
	ctx      context.Context
	repos    Repositories
	gw       *fakeGateway
	deployer *fakeDeployer
	logs     *discoverylog.Service
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repos := NewRepositories(storage.NewMemory())
	require.NoError(t, repos.Templates.Save(ctx, sensorTemplate("tpl-1")))
	require.NoError(t, repos.Operators.Save(ctx, &deploy.Operator{ID: "op-1", Name: "reader", Owner: "u1"}))
	require.NoError(t, repos.Topics.Save(ctx, &message.RequestTopic{
		ID: "topic-1", Owner: "u1", Suffix: "all", Timeout: 500, ExpectedReplies: 1,
	}))

	f := &fixture{
		ctx:      ctx,
		repos:    repos,
		gw:       newFakeGateway(),
		deployer: newFakeDeployer(),
		logs:     discoverylog.NewService(discoverylog.LogDiscovery, discoverylog.NewMemoryStore(), repos.Deployments),
	}
	f.engine = New(repos, f.gw, f.deployer, processing.NewProcessor(location.NewRegistry()), f.logs)
	t.Cleanup(func() { _ = f.engine.Stop(time.Second) })
	return f
}

func (f *fixture) create(t *testing.T, id, templateID string) {
	t.Helper()
	require.NoError(t, f.engine.Create(f.ctx, &deploy.DynamicDeployment{
		ID: id, Name: "deployment " + id, Owner: "u1", OperatorID: "op-1", DeviceTemplateID: templateID,
	}))
}

func (f *fixture) deployment(t *testing.T, id string) *deploy.DynamicDeployment {
	t.Helper()
	dd, err := f.repos.Deployments.Get(f.ctx, id)
	require.NoError(t, err)
	return dd
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, f.engine.Idle, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) taskNames(t *testing.T, id string) []string {
	t.Helper()
	entries, err := f.logs.Entries(f.ctx, id)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.TaskName)
	}
	return names
}

func TestEngine_ActivateDeploysBestCandidate(t *testing.T) {
	f := newFixture(t)
	f.gw.put("tpl-1", candidateDevice(macNear, false, true), candidateDevice(macFast, true, false))
	require.NoError(t, f.engine.Start(f.ctx))
	f.create(t, "dd-1", "tpl-1")

	changed, err := f.engine.Activate(f.ctx, "dd-1")
	require.NoError(t, err)
	assert.True(t, changed)
	f.waitIdle(t)

	dd := f.deployment(t, "dd-1")
	assert.True(t, dd.ActivatingIntended)
	assert.Equal(t, deploy.StateDeployed, dd.LastState)
	require.NotNil(t, dd.LastDevice)
	assert.Equal(t, macFast, dd.LastDevice.MACAddress)
	assert.Equal(t, []string{macFast}, f.deployer.tried())
	assert.True(t, f.gw.IsSubscribed("tpl-1"))

	ok, err := f.repos.Candidates.Exists(f.ctx, "tpl-1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ElementsMatch(t, []string{"Update candidate devices", "Activate deployment"}, f.taskNames(t, "dd-1"))

	changed, err = f.engine.Activate(f.ctx, "dd-1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestEngine_ActivateUnknownDeployment(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Activate(f.ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestEngine_DeployByRankingOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		devices   []*device.Description
		failing   []string
		wantState deploy.State
		wantMAC   string
		wantTried []string
	}{
		{
			name:      "falls back to next candidate",
			devices:   []*device.Description{candidateDevice(macFast, true, false), candidateDevice(macNear, false, true)},
			failing:   []string{macFast},
			wantState: deploy.StateDeployed,
			wantMAC:   macNear,
			wantTried: []string{macFast, macNear},
		},
		{
			name:      "all candidates fail",
			devices:   []*device.Description{candidateDevice(macFast, true, false), candidateDevice(macNear, false, true)},
			failing:   []string{macFast, macNear},
			wantState: deploy.StateAllFailed,
			wantTried: []string{macFast, macNear},
		},
		{
			name:      "no candidates",
			wantState: deploy.StateNoCandidate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.gw.put("tpl-1", tt.devices...)
			for _, mac := range tt.failing {
				f.deployer.failing[mac] = true
			}
			require.NoError(t, f.engine.Start(f.ctx))
			f.create(t, "dd-1", "tpl-1")

			_, err := f.engine.Activate(f.ctx, "dd-1")
			require.NoError(t, err)
			f.waitIdle(t)

			dd := f.deployment(t, "dd-1")
			assert.Equal(t, tt.wantState, dd.LastState)
			if tt.wantMAC == "" {
				assert.Nil(t, dd.LastDevice)
			} else {
				require.NotNil(t, dd.LastDevice)
				assert.Equal(t, tt.wantMAC, dd.LastDevice.MACAddress)
			}
			assert.Equal(t, tt.wantTried, f.deployer.tried())
		})
	}
}

func TestEngine_DeploysCandidateWithNegativeScore(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repos.Templates.Save(f.ctx, &template.DeviceTemplate{
		ID: "tpl-neg", Name: "Slow sensor", Owner: "u1",
		ScoringCriteria: []template.Criterion{
			&template.BooleanCapabilityCriterion{CapabilityName: "fast", TrueScoreIncrement: -10},
		},
	}))
	f.gw.put("tpl-neg", candidateDevice(macFast, true, false))
	require.NoError(t, f.engine.Start(f.ctx))
	f.create(t, "dd-1", "tpl-neg")

	_, err := f.engine.Activate(f.ctx, "dd-1")
	require.NoError(t, err)
	f.waitIdle(t)

	assert.Equal(t, []string{macFast}, f.deployer.tried())
	dd := f.deployment(t, "dd-1")
	assert.Equal(t, deploy.StateDeployed, dd.LastState)
	require.NotNil(t, dd.LastDevice)
	assert.Equal(t, macFast, dd.LastDevice.MACAddress)
}

func TestEngine_RevisionMovesToBetterDevice(t *testing.T) {
	f := newFixture(t)
	f.gw.put("tpl-1", candidateDevice(macFast, true, false))
	require.NoError(t, f.engine.Start(f.ctx))
	f.create(t, "dd-1", "tpl-1")
	_, err := f.engine.Activate(f.ctx, "dd-1")
	require.NoError(t, err)
	f.waitIdle(t)
	require.Equal(t, macFast, f.deployment(t, "dd-1").LastDevice.MACAddress)

	// an equally scored device does not replace the current one
	f.engine.OnCandidateDevicesChanged(f.ctx, "tpl-1", "repo-b", &candidate.Revision{
		ReferenceIDs: []string{"tpl-1"},
		Operations: []candidate.Operation{&candidate.UpsertOperation{
			DeviceDescriptions: []*device.Description{candidateDevice(macNear, true, false)},
		}},
	})
	f.waitIdle(t)
	assert.Equal(t, macFast, f.deployment(t, "dd-1").LastDevice.MACAddress)
	assert.Equal(t, []string{macFast}, f.deployer.tried())

	f.engine.OnCandidateDevicesChanged(f.ctx, "tpl-1", "repo-b", &candidate.Revision{
		ReferenceIDs: []string{"tpl-1"},
		Operations: []candidate.Operation{&candidate.UpsertOperation{
			DeviceDescriptions: []*device.Description{candidateDevice(macBest, true, true)},
		}},
	})
	f.waitIdle(t)

	dd := f.deployment(t, "dd-1")
	assert.Equal(t, deploy.StateDeployed, dd.LastState)
	assert.Equal(t, macBest, dd.LastDevice.MACAddress)
	assert.Equal(t, []string{macFast}, f.deployer.removed())

	container, err := f.repos.Candidates.Get(f.ctx, "tpl-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"repo-a", "repo-b"}, container.Repositories())
	assert.Contains(t, f.taskNames(t, "dd-1"), "Re-evaluate deployment")
	assert.Contains(t, f.taskNames(t, "dd-1"), "Revise candidate devices")
}

func TestEngine_RevisionWithoutDeviceRemovesDeployment(t *testing.T) {
	f := newFixture(t)
	f.gw.put("tpl-1", candidateDevice(macFast, true, false))
	require.NoError(t, f.engine.Start(f.ctx))
	f.create(t, "dd-1", "tpl-1")
	_, err := f.engine.Activate(f.ctx, "dd-1")
	require.NoError(t, err)
	f.waitIdle(t)

	f.engine.OnCandidateDevicesChanged(f.ctx, "tpl-1", "repo-a", &candidate.Revision{
		ReferenceIDs: []string{"tpl-1"},
		Operations:   []candidate.Operation{&candidate.DeleteOperation{MACAddresses: []string{macFast}}},
	})
	f.waitIdle(t)

	dd := f.deployment(t, "dd-1")
	assert.Equal(t, deploy.StateNoCandidate, dd.LastState)
	assert.Nil(t, dd.LastDevice)
	assert.Equal(t, []string{macFast}, f.deployer.removed())
}

func TestEngine_DeactivateAndDelete(t *testing.T) {
	f := newFixture(t)
	f.gw.put("tpl-1", candidateDevice(macFast, true, false))
	require.NoError(t, f.engine.Start(f.ctx))
	f.create(t, "dd-1", "tpl-1")
	_, err := f.engine.Activate(f.ctx, "dd-1")
	require.NoError(t, err)
	f.waitIdle(t)

	err = f.engine.Delete(f.ctx, "dd-1")
	assert.ErrorIs(t, err, errors.ErrInvalidState)
	assert.True(t, errors.IsInvalid(err))

	changed, err := f.engine.Deactivate(f.ctx, "dd-1")
	require.NoError(t, err)
	assert.True(t, changed)
	f.waitIdle(t)

	dd := f.deployment(t, "dd-1")
	assert.False(t, dd.ActivatingIntended)
	assert.Equal(t, deploy.StateDisabled, dd.LastState)
	assert.Nil(t, dd.LastDevice)
	assert.Equal(t, []string{macFast}, f.deployer.removed())

	changed, err = f.engine.Deactivate(f.ctx, "dd-1")
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, f.engine.Delete(f.ctx, "dd-1"))
	f.waitIdle(t)

	ok, err := f.repos.Deployments.Exists(f.ctx, "dd-1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.repos.Candidates.Exists(f.ctx, "tpl-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"tpl-1"}, f.gw.cancellations())
	assert.False(t, f.gw.IsSubscribed("tpl-1"))
}

func TestEngine_DeleteKeepsCandidatesInUse(t *testing.T) {
	f := newFixture(t)
	f.gw.put("tpl-1", candidateDevice(macFast, true, false))
	require.NoError(t, f.engine.Start(f.ctx))
	f.create(t, "dd-1", "tpl-1")
	f.create(t, "dd-2", "tpl-1")
	_, err := f.engine.Activate(f.ctx, "dd-1")
	require.NoError(t, err)
	f.waitIdle(t)

	require.NoError(t, f.engine.Delete(f.ctx, "dd-2"))
	f.waitIdle(t)

	ok, err := f.repos.Candidates.Exists(f.ctx, "tpl-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.gw.cancellations())
}

func TestEngine_DeploymentWaitsForCandidates(t *testing.T) {
	f := newFixture(t)
	f.gw.put("tpl-1", candidateDevice(macFast, true, false))
	f.gw.block = make(chan struct{})
	require.NoError(t, f.engine.Start(f.ctx))
	f.create(t, "dd-1", "tpl-1")

	_, err := f.engine.Activate(f.ctx, "dd-1")
	require.NoError(t, err)

	assert.True(t, f.engine.InProgress("dd-1"))
	err = f.engine.Delete(f.ctx, "dd-1")
	assert.ErrorIs(t, err, errors.ErrTaskInProgress)

	err = f.engine.DeleteRequestTopic(f.ctx, "topic-1")
	assert.ErrorIs(t, err, errors.ErrTaskInProgress)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.deployer.tried())

	close(f.gw.block)
	f.waitIdle(t)
	assert.Equal(t, []string{macFast}, f.deployer.tried())

	require.NoError(t, f.engine.DeleteRequestTopic(f.ctx, "topic-1"))
	ok, err := f.repos.Topics.Exists(f.ctx, "topic-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"topic-1"}, f.gw.topics)
}

func TestEngine_StartReconcilesStoredDeployments(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repos.Templates.Save(f.ctx, sensorTemplate("tpl-2")))
	f.gw.put("tpl-1", candidateDevice(macFast, true, false))
	require.NoError(t, f.repos.Deployments.Save(f.ctx, &deploy.DynamicDeployment{
		ID: "dd-1", Name: "active", OperatorID: "op-1", DeviceTemplateID: "tpl-1",
		ActivatingIntended: true, LastState: deploy.StateUnknown,
	}))
	require.NoError(t, f.repos.Deployments.Save(f.ctx, &deploy.DynamicDeployment{
		ID: "dd-2", Name: "inactive", OperatorID: "op-1", DeviceTemplateID: "tpl-2",
		LastState: deploy.StateDeployed, LastDevice: &deploy.Device{MACAddress: macNear},
	}))
	f.deployer.deployed["dd-2|"+macNear] = true
	f.gw.subscribed["tpl-2"] = true

	require.NoError(t, f.engine.Start(f.ctx))
	f.waitIdle(t)

	active := f.deployment(t, "dd-1")
	assert.Equal(t, deploy.StateDeployed, active.LastState)
	assert.Equal(t, macFast, active.LastDevice.MACAddress)

	inactive := f.deployment(t, "dd-2")
	assert.Equal(t, deploy.StateDisabled, inactive.LastState)
	assert.Nil(t, inactive.LastDevice)
	assert.Equal(t, []string{macNear}, f.deployer.removed())
	assert.Equal(t, []string{"tpl-2"}, f.gw.cancellations())

	assert.ElementsMatch(t, []string{"Update candidate devices", "Deploy on startup"}, f.taskNames(t, "dd-1"))
	assert.ErrorIs(t, f.engine.Start(f.ctx), errors.ErrAlreadyStarted)
}

func TestEngine_PanickingTaskIsLogged(t *testing.T) {
	f := newFixture(t)
	f.gw.put("tpl-1", candidateDevice(macFast, true, false))
	f.deployer.panics = true
	require.NoError(t, f.engine.Start(f.ctx))
	f.create(t, "dd-1", "tpl-1")

	_, err := f.engine.Activate(f.ctx, "dd-1")
	require.NoError(t, err)
	f.waitIdle(t)

	entries, err := f.logs.Entries(f.ctx, "dd-1")
	require.NoError(t, err)
	var last discoverylog.Message
	for _, e := range entries {
		if e.TaskName == "Activate deployment" {
			last = e.Messages[len(e.Messages)-1]
		}
	}
	assert.Equal(t, discoverylog.MessageError, last.Type)
}

func TestEngine_MergeAndRefresh(t *testing.T) {
	f := newFixture(t)
	f.gw.put("tpl-1", candidateDevice(macFast, true, false))
	require.NoError(t, f.engine.Start(f.ctx))
	tpl, err := f.repos.Templates.Get(f.ctx, "tpl-1")
	require.NoError(t, err)

	require.NoError(t, f.engine.Refresh(tpl))
	f.waitIdle(t)
	assert.True(t, f.gw.IsSubscribed("tpl-1"))

	update := candidate.NewContainer("tpl-1")
	update.Put(&candidate.Collection{RepositoryName: "repo-a", Devices: []*device.Description{candidateDevice(macNear, false, true)}})
	update.Put(&candidate.Collection{RepositoryName: "repo-c", Devices: []*device.Description{candidateDevice(macBest, true, true)}})
	require.NoError(t, f.engine.MergeCandidates(tpl, update))
	f.waitIdle(t)

	container, err := f.repos.Candidates.Get(f.ctx, "tpl-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"repo-a", "repo-c"}, container.Repositories())
	_, found := container.Collections["repo-a"].Find(macFast)
	assert.False(t, found)

	assert.True(t, errors.IsInvalid(f.engine.Refresh(nil)))
	assert.True(t, errors.IsInvalid(f.engine.MergeCandidates(tpl, nil)))
}

func TestEngine_RankCandidates(t *testing.T) {
	f := newFixture(t)
	f.gw.put("tpl-1", candidateDevice(macNear, false, true), candidateDevice(macBest, true, true))
	tpl := sensorTemplate("tpl-1")
	topic := &message.RequestTopic{ID: "topic-1", Owner: "u1", Suffix: "all"}

	ranking, err := f.engine.RankCandidates(f.ctx, tpl, []*message.RequestTopic{topic})
	require.NoError(t, err)
	top, ok := ranking.Top()
	require.True(t, ok)
	assert.Equal(t, macBest, top.Identity())
	assert.InDelta(t, 15.0, top.Score, 1e-9)
	assert.False(t, f.gw.IsSubscribed("tpl-1"))

	_, err = f.engine.RankCandidates(f.ctx, tpl, nil)
	assert.ErrorIs(t, err, errors.ErrEmptyArgument)
}

func TestEngine_CreateValidation(t *testing.T) {
	f := newFixture(t)
	f.create(t, "dd-1", "tpl-1")

	tests := []struct {
		name  string
		dd    *deploy.DynamicDeployment
		field string
	}{
		{"duplicate id", &deploy.DynamicDeployment{ID: "dd-1", Name: "x", OperatorID: "op-1", DeviceTemplateID: "tpl-1"}, "id"},
		{"unknown operator", &deploy.DynamicDeployment{ID: "dd-2", Name: "x", OperatorID: "op-9", DeviceTemplateID: "tpl-1"}, "operatorId"},
		{"unknown template", &deploy.DynamicDeployment{ID: "dd-2", Name: "x", OperatorID: "op-1", DeviceTemplateID: "tpl-9"}, "deviceTemplateId"},
		{"foreign template", &deploy.DynamicDeployment{ID: "dd-2", Name: "x", Owner: "u2", OperatorID: "op-1", DeviceTemplateID: "tpl-1"}, "deviceTemplateId"},
		{"missing name", &deploy.DynamicDeployment{ID: "dd-2", OperatorID: "op-1", DeviceTemplateID: "tpl-1"}, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.engine.Create(f.ctx, tt.dd)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			var verr *errors.ValidationError
			require.True(t, errors.As(err, &verr))
			fields := make([]string, 0, len(verr.Fields))
			for _, fe := range verr.Fields {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestSubmitDeployment_Compaction(t *testing.T) {
	e := New(Repositories{}, nil, nil, nil, nil)
	running := newQueued(&undeployTask{id: "dd-1", tplID: "t"}, discoverylog.TriggerUser, "running")
	running.started = true
	e.deployments["dd-1"] = []*queued{running}

	first := newQueued(&deployByRankingTask{id: "dd-1", tplID: "t"}, discoverylog.TriggerDiscoveryRepository, "first")
	e.submitDeploymentLocked(first)
	require.Len(t, e.deployments["dd-1"], 2)

	dropped := newQueued(&deployByRankingTask{id: "dd-1", tplID: "t"}, discoverylog.TriggerDiscoveryRepository, "dropped")
	e.submitDeploymentLocked(dropped)
	assert.Equal(t, []*queued{running, first}, e.deployments["dd-1"])

	user := newQueued(&deployByRankingTask{id: "dd-1", tplID: "t", userCreated: true}, discoverylog.TriggerUser, "user")
	e.submitDeploymentLocked(user)
	assert.Equal(t, []*queued{running, user}, e.deployments["dd-1"])
}
