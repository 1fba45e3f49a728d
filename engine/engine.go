package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/c360/mbp/candidate"
	"github.com/c360/mbp/deploy"
	"github.com/c360/mbp/device"
	"github.com/c360/mbp/discoverylog"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/gateway"
	"github.com/c360/mbp/message"
	"github.com/c360/mbp/metric"
	"github.com/c360/mbp/processing"
	"github.com/c360/mbp/storage"
	"github.com/c360/mbp/template"
)

// Gateway is the part of the discovery gateway the engine uses.
type Gateway interface {
	CandidateDevices(ctx context.Context, tpl *template.DeviceTemplate, topics []*message.RequestTopic) (*candidate.Container, error)
	CandidateDevicesWithSubscription(ctx context.Context, tpl *template.DeviceTemplate, topics []*message.RequestTopic, subscriber gateway.Subscriber) (*candidate.Container, error)
	CancelSubscription(ctx context.Context, tpl *template.DeviceTemplate, additionalTopics ...*message.RequestTopic)
	CancelSubscriptionsForRequestTopic(ctx context.Context, templateIDs []string, topic *message.RequestTopic) error
	IsSubscribed(templateID string) bool
}

// Deployer deploys the operator of a dynamic deployment. It is implemented
// by deploy.DynamicService.
type Deployer interface {
	Deploy(ctx context.Context, dd *deploy.DynamicDeployment, target *device.Description) bool
	Undeploy(ctx context.Context, dd *deploy.DynamicDeployment)
	IsDeployed(ctx context.Context, dd *deploy.DynamicDeployment) bool
}

// Repositories holds the entity repositories of the engine.
type Repositories struct {
	Deployments *storage.Repository[deploy.DynamicDeployment]
	Templates   *storage.Repository[template.DeviceTemplate]
	Topics      *storage.Repository[message.RequestTopic]
	Candidates  *storage.Repository[candidate.Container]
	Operators   *storage.Repository[deploy.Operator]
}

// NewRepositories creates the repositories on one store.
func NewRepositories(store storage.Store) Repositories {
	return Repositories{
		Deployments: storage.NewRepository(store, "dynamic_deployment", func(d *deploy.DynamicDeployment) string { return d.ID }),
		Templates:   storage.NewRepository(store, "device_template", func(t *template.DeviceTemplate) string { return t.ID }),
		Topics:      storage.NewRepository(store, "request_topic", func(t *message.RequestTopic) string { return t.ID }),
		Candidates:  storage.NewRepository(store, "candidate_devices", func(c *candidate.Container) string { return c.DeviceTemplateID }),
		Operators:   storage.NewRepository(store, "operator", func(o *deploy.Operator) string { return o.ID }),
	}
}

// Engine schedules the discovery tasks of device templates and dynamic
// deployments.
type Engine struct {
	repos     Repositories
	gateway   Gateway
	deployer  Deployer
	processor *processing.Processor
	logs      *discoverylog.Service
	validator *Validator
	logger    *slog.Logger
	metrics   *metric.Metrics
	registry  *metric.MetricsRegistry
	stats     *engineMetrics

	mu          sync.Mutex
	candidates  map[string][]*queued
	deployments map[string][]*queued
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// storeMu serializes read-modify-write cycles on stored deployments.
	storeMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetricsRegistry records task metrics in registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) {
		e.registry = registry
		if registry != nil {
			e.metrics = registry.CoreMetrics()
		}
	}
}

// New creates an engine. Tasks only run after Start.
func New(repos Repositories, gw Gateway, deployer Deployer, processor *processing.Processor, logs *discoverylog.Service, opts ...Option) *Engine {
	e := &Engine{
		repos:       repos,
		gateway:     gw,
		deployer:    deployer,
		processor:   processor,
		logs:        logs,
		logger:      slog.Default(),
		candidates:  make(map[string][]*queued),
		deployments: make(map[string][]*queued),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "discovery-engine")
	e.validator = NewValidator(repos)

	stats, err := newEngineMetrics(e.registry)
	if err != nil {
		e.logger.Error("Failed to initialize discovery engine metrics", "error", err)
		stats = nil
	}
	e.stats = stats
	return e
}

// Start reconciles the stored deployments with their intention and starts
// executing tasks. Templates with an activated deployment get their
// candidates refreshed, all others get them deleted. Activated deployments
// are deployed, the rest undeployed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "start check")
	}

	templates, err := e.repos.Templates.List(ctx)
	if err != nil {
		return errors.Wrap(err, "Engine", "Start", "list templates")
	}
	for _, tpl := range templates {
		deployments, err := e.deploymentsOf(ctx, tpl.ID)
		if err != nil {
			return err
		}
		if anyActivating(deployments) {
			e.submitCandidatesLocked(newQueued(&updateTask{tpl: tpl, force: true}, discoverylog.TriggerMBP, "Update candidate devices"))
		} else {
			e.submitCandidatesLocked(newQueued(&deleteTask{tpl: tpl, force: true}, discoverylog.TriggerMBP, "Delete candidate devices"))
		}
		for _, dd := range deployments {
			if dd.ActivatingIntended {
				e.submitDeploymentLocked(newQueued(&deployByRankingTask{id: dd.ID, tplID: tpl.ID, userCreated: true}, discoverylog.TriggerMBP, "Deploy on startup"))
			} else {
				e.submitDeploymentLocked(newQueued(&undeployTask{id: dd.ID, tplID: tpl.ID}, discoverylog.TriggerMBP, "Undeploy on startup"))
			}
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.running = true
	e.logger.Info("Discovery engine started", "templates", len(templates))
	e.scheduleLocked()
	return nil
}

// Stop cancels running tasks and waits up to timeout for them to return.
// Queued tasks are discarded.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		return errors.WrapTransient(context.DeadlineExceeded, "Engine", "Stop", "wait for running tasks")
	}

	e.mu.Lock()
	clear(e.candidates)
	clear(e.deployments)
	e.stats.setQueued(0, 0)
	e.mu.Unlock()
	return nil
}

// InProgress reports whether tasks are queued or running for a dynamic
// deployment.
func (e *Engine) InProgress(deploymentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.deployments[deploymentID]) > 0
}

// Idle reports whether no task is queued.
func (e *Engine) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.candidates) == 0 && len(e.deployments) == 0
}

// Create validates and stores a new dynamic deployment. It starts
// deactivated.
func (e *Engine) Create(ctx context.Context, dd *deploy.DynamicDeployment) error {
	if err := e.validator.Validate(ctx, dd); err != nil {
		return err
	}
	dd.ActivatingIntended = false
	dd.LastState = deploy.StateDisabled
	dd.LastDevice = nil
	if err := e.repos.Deployments.Save(ctx, dd); err != nil {
		return errors.Wrap(err, "Engine", "Create", "save deployment")
	}
	return nil
}

// Activate marks a dynamic deployment as intended to be active and queues
// the tasks that deploy it. It reports false if the deployment was
// activated already.
func (e *Engine) Activate(ctx context.Context, deploymentID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dd, tpl, err := e.requestExclusively(ctx, deploymentID, true)
	if err != nil || dd == nil {
		return false, err
	}

	e.submitCandidatesLocked(newQueued(&updateTask{tpl: tpl}, discoverylog.TriggerUser, "Update candidate devices"))
	e.submitDeploymentLocked(newQueued(&deployByRankingTask{id: dd.ID, tplID: tpl.ID, userCreated: true}, discoverylog.TriggerUser, "Activate deployment"))
	e.scheduleLocked()
	return true, nil
}

// Deactivate marks a dynamic deployment as intended to be inactive and
// queues its undeployment. It reports false if the deployment was
// deactivated already.
func (e *Engine) Deactivate(ctx context.Context, deploymentID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dd, tpl, err := e.requestExclusively(ctx, deploymentID, false)
	if err != nil || dd == nil {
		return false, err
	}

	e.submitDeploymentLocked(newQueued(&undeployTask{id: dd.ID, tplID: tpl.ID}, discoverylog.TriggerUser, "Deactivate deployment"))
	e.scheduleLocked()
	return true, nil
}

// Delete removes a deactivated dynamic deployment without queued tasks.
// When it was the last deployment of its template, the candidates of the
// template are deleted and the subscription cancelled.
func (e *Engine) Delete(ctx context.Context, deploymentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.deployments[deploymentID]) > 0 {
		return errors.WrapInvalid(errors.ErrTaskInProgress, "Engine", "Delete",
			"operations for the dynamic deployment are currently in progress")
	}
	dd, err := e.repos.Deployments.Get(ctx, deploymentID)
	if err != nil {
		return errors.Wrap(err, "Engine", "Delete", "deployment lookup")
	}
	if dd.ActivatingIntended {
		return errors.WrapInvalid(errors.ErrInvalidState, "Engine", "Delete",
			"the dynamic deployment must be disabled before it can be deleted")
	}

	if err := e.repos.Deployments.Delete(ctx, deploymentID); err != nil {
		return errors.Wrap(err, "Engine", "Delete", "delete deployment")
	}
	if err := e.logs.DeleteAll(ctx, deploymentID); err != nil {
		e.logger.Warn("Failed to delete discovery log", "dynamic_deployment", deploymentID, "error", err)
	}

	remaining, err := e.deploymentsOf(ctx, dd.DeviceTemplateID)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}
	tpl, err := e.repos.Templates.Get(ctx, dd.DeviceTemplateID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "Engine", "Delete", "template lookup")
	}
	e.submitCandidatesLocked(newQueued(&deleteTask{tpl: tpl}, discoverylog.TriggerUser, "Delete candidate devices"))
	e.scheduleLocked()
	return nil
}

// DeleteRequestTopic removes a request topic and cancels the subscriptions
// made through it. It fails while an update task is at the head of the
// queue of any template of the topic's owner, so that no subscription is
// created again through the deleted topic.
func (e *Engine) DeleteRequestTopic(ctx context.Context, topicID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	topic, err := e.repos.Topics.Get(ctx, topicID)
	if err != nil {
		return errors.Wrap(err, "Engine", "DeleteRequestTopic", "topic lookup")
	}
	templates, err := e.repos.Templates.FindBy(ctx, func(t *template.DeviceTemplate) bool { return t.Owner == topic.Owner })
	if err != nil {
		return errors.Wrap(err, "Engine", "DeleteRequestTopic", "list templates")
	}

	ids := make([]string, 0, len(templates))
	for _, tpl := range templates {
		if q := e.candidates[tpl.ID]; len(q) > 0 && q[0].task.name() == TaskUpdateCandidates {
			return errors.WrapInvalid(errors.ErrTaskInProgress, "Engine", "DeleteRequestTopic",
				"update operations are in progress for device template "+tpl.ID)
		}
		ids = append(ids, tpl.ID)
	}

	if err := e.repos.Topics.Delete(ctx, topicID); err != nil {
		return errors.Wrap(err, "Engine", "DeleteRequestTopic", "delete topic")
	}
	if err := e.gateway.CancelSubscriptionsForRequestTopic(ctx, ids, topic); err != nil {
		return errors.Wrap(err, "Engine", "DeleteRequestTopic", "cancel subscriptions")
	}
	return nil
}

// Refresh queries the candidates of a template again and renews its
// subscription.
func (e *Engine) Refresh(tpl *template.DeviceTemplate) error {
	if tpl == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Engine", "Refresh", "template check")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitCandidatesLocked(newQueued(&updateTask{tpl: tpl, force: true}, discoverylog.TriggerUser, "Update candidate devices"))
	e.scheduleLocked()
	return nil
}

// MergeCandidates replaces the stored collections of the repositories
// contained in update.
func (e *Engine) MergeCandidates(tpl *template.DeviceTemplate, update *candidate.Container) error {
	if tpl == nil || update == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Engine", "MergeCandidates", "argument check")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitCandidatesLocked(newQueued(&mergeTask{tpl: tpl, update: update.Clone()}, discoverylog.TriggerUser, "Merge candidate devices"))
	e.scheduleLocked()
	return nil
}

// RankCandidates queries the candidates of a template once, without
// subscribing, and ranks them.
func (e *Engine) RankCandidates(ctx context.Context, tpl *template.DeviceTemplate, topics []*message.RequestTopic) (*candidate.Ranking, error) {
	if tpl == nil {
		return nil, errors.WrapInvalid(errors.ErrNilArgument, "Engine", "RankCandidates", "template check")
	}
	if len(topics) == 0 {
		return nil, errors.WrapInvalid(errors.ErrEmptyArgument, "Engine", "RankCandidates", "request topics check")
	}
	container, err := e.gateway.CandidateDevices(ctx, tpl, topics)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "RankCandidates", "candidate query")
	}
	return e.processor.Process(tpl, container), nil
}

// OnCandidateDevicesChanged queues the revision and a re-evaluation of every
// deployment of the template.
func (e *Engine) OnCandidateDevicesChanged(ctx context.Context, templateID, repositoryName string, revision *candidate.Revision) {
	if templateID == "" || repositoryName == "" || revision == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.submitCandidatesLocked(newQueued(&reviseTask{tplID: templateID, repository: repositoryName, revision: revision},
		discoverylog.TriggerDiscoveryRepository, "Revise candidate devices"))

	deployments, err := e.deploymentsOf(ctx, templateID)
	if err != nil {
		e.logger.Error("Failed to list dynamic deployments", "template", templateID, "error", err)
	}
	for _, dd := range deployments {
		e.submitDeploymentLocked(newQueued(&deployByRankingTask{id: dd.ID, tplID: templateID},
			discoverylog.TriggerDiscoveryRepository, "Re-evaluate deployment"))
	}
	e.scheduleLocked()
}

// requestExclusively stores the activation intention of a deployment. It
// returns a nil deployment when the intention was set already.
func (e *Engine) requestExclusively(ctx context.Context, deploymentID string, activate bool) (*deploy.DynamicDeployment, *template.DeviceTemplate, error) {
	dd, err := e.repos.Deployments.Get(ctx, deploymentID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Engine", "requestExclusively", "deployment lookup")
	}
	if dd.ActivatingIntended == activate {
		return nil, nil, nil
	}
	tpl, err := e.repos.Templates.Get(ctx, dd.DeviceTemplateID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Engine", "requestExclusively", "template lookup")
	}
	err = e.modifyDeployment(ctx, deploymentID, func(stored *deploy.DynamicDeployment) {
		stored.ActivatingIntended = activate
	})
	if err != nil {
		return nil, nil, err
	}
	dd.ActivatingIntended = activate
	return dd, tpl, nil
}

func (e *Engine) submitCandidatesLocked(q *queued) {
	id := q.task.templateID()
	e.candidates[id] = append(e.candidates[id], q)
}

// submitDeploymentLocked appends q to the queue of its deployment, keeping
// at most one pending task besides the running one.
func (e *Engine) submitDeploymentLocked(q *queued) {
	t := q.task.(deploymentTask)
	id := t.deploymentID()
	queue := e.deployments[id]
	for i, pending := range queue {
		if pending.started {
			continue
		}
		e.stats.recordCompaction()
		if !t.mayReplace() {
			return
		}
		queue = slices.Delete(queue, i, i+1)
		break
	}
	e.deployments[id] = append(queue, q)
}

// scheduleLocked starts every queue head that is allowed to run.
func (e *Engine) scheduleLocked() {
	defer e.updateQueueMetricsLocked()
	if !e.running {
		return
	}

	for _, id := range sortedKeys(e.candidates) {
		head := e.candidates[id][0]
		if head.started || e.candidatesBlockedLocked(id) {
			continue
		}
		e.startLocked(head)
	}

	for _, id := range sortedKeys(e.deployments) {
		head := e.deployments[id][0]
		if head.started {
			continue
		}
		t := head.task.(deploymentTask)
		if t.dependsOnCandidates() && len(e.candidates[t.templateID()]) > 0 {
			continue
		}
		e.startLocked(head)
	}
}

// candidatesBlockedLocked reports whether a running deployment task reads
// the candidates of the template.
func (e *Engine) candidatesBlockedLocked(templateID string) bool {
	for _, queue := range e.deployments {
		for _, q := range queue {
			t := q.task.(deploymentTask)
			if q.started && t.dependsOnCandidates() && t.templateID() == templateID {
				return true
			}
		}
	}
	return false
}

func (e *Engine) startLocked(q *queued) {
	q.started = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(e.ctx, q)
	}()
}

func (e *Engine) execute(ctx context.Context, q *queued) {
	name := q.task.name()
	start := time.Now()
	err := e.runTask(ctx, q)
	duration := time.Since(start)

	if err != nil {
		e.logger.Error("Task failed", "task", name, "template", q.task.templateID(), "error", err)
		q.log.Error(fmt.Sprintf("Task failed: %v", err))
	} else {
		e.logger.Debug("Task completed", "task", name, "template", q.task.templateID(), "duration", duration)
	}
	e.stats.recordTask(name, err == nil, duration)
	e.metrics.RecordTask(name, duration)

	e.writeLogs(ctx, q)
	e.complete(q)
}

func (e *Engine) runTask(ctx context.Context, q *queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapFatal(fmt.Errorf("panic: %v", r), "Engine", "runTask", q.task.name())
		}
	}()
	return q.task.run(ctx, e, q.log)
}

// complete removes q from its queue and schedules the next tasks.
func (e *Engine) complete(q *queued) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := q.task.(deploymentTask); ok {
		removeQueued(e.deployments, t.deploymentID(), q)
	} else {
		removeQueued(e.candidates, q.task.templateID(), q)
	}
	e.scheduleLocked()
}

// writeLogs stores the log entry of a finished task. Entries of candidate
// tasks go to every deployment of the template.
func (e *Engine) writeLogs(ctx context.Context, q *queued) {
	if q.log.Empty() {
		return
	}
	q.log.Finish()

	var ids []string
	if t, ok := q.task.(deploymentTask); ok {
		ids = []string{t.deploymentID()}
	} else {
		deployments, err := e.deploymentsOf(ctx, q.task.templateID())
		if err != nil {
			e.logger.Warn("Failed to list dynamic deployments for log", "template", q.task.templateID(), "error", err)
			return
		}
		for _, dd := range deployments {
			ids = append(ids, dd.ID)
		}
	}

	for _, id := range ids {
		if err := e.logs.AddEntry(ctx, id, q.log); err != nil {
			e.logger.Warn("Failed to write discovery log", "dynamic_deployment", id, "task", q.task.name(), "error", err)
		}
	}
}

// updateDeployment stores the last device and state of a deployment without
// touching its other fields.
func (e *Engine) updateDeployment(ctx context.Context, id string, dev *deploy.Device, state deploy.State) error {
	return e.modifyDeployment(ctx, id, func(dd *deploy.DynamicDeployment) {
		dd.LastDevice = dev
		dd.LastState = state
	})
}

func (e *Engine) modifyDeployment(ctx context.Context, id string, modify func(*deploy.DynamicDeployment)) error {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	dd, err := e.repos.Deployments.Get(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "Engine", "modifyDeployment", "deployment lookup")
	}
	modify(dd)
	if err := e.repos.Deployments.Save(ctx, dd); err != nil {
		return errors.Wrap(err, "Engine", "modifyDeployment", "save deployment")
	}
	return nil
}

func (e *Engine) deploymentsOf(ctx context.Context, templateID string) ([]*deploy.DynamicDeployment, error) {
	deployments, err := e.repos.Deployments.FindBy(ctx, func(dd *deploy.DynamicDeployment) bool {
		return dd.DeviceTemplateID == templateID
	})
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "deploymentsOf", "list deployments")
	}
	return deployments, nil
}

func (e *Engine) topicsOf(ctx context.Context, owner string) ([]*message.RequestTopic, error) {
	topics, err := e.repos.Topics.FindBy(ctx, func(t *message.RequestTopic) bool { return t.Owner == owner })
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "topicsOf", "list request topics")
	}
	return topics, nil
}

func (e *Engine) updateQueueMetricsLocked() {
	var c, d int
	for _, q := range e.candidates {
		c += len(q)
	}
	for _, q := range e.deployments {
		d += len(q)
	}
	e.stats.setQueued(c, d)
}

func removeQueued(queues map[string][]*queued, id string, q *queued) {
	queue := slices.DeleteFunc(queues[id], func(other *queued) bool { return other == q })
	if len(queue) == 0 {
		delete(queues, id)
		return
	}
	queues[id] = queue
}

func sortedKeys(m map[string][]*queued) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
