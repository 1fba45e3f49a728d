package engine

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/c360/mbp/candidate"
	"github.com/c360/mbp/deploy"
	"github.com/c360/mbp/discoverylog"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/processing"
	"github.com/c360/mbp/template"
)

// Task names
const (
	TaskUpdateCandidates = "update_candidate_devices"
	TaskReviseCandidates = "revise_candidate_devices"
	TaskMergeCandidates  = "merge_candidate_devices"
	TaskDeleteCandidates = "delete_candidate_devices"
	TaskDeployByRanking  = "deploy_by_ranking"
	TaskUndeploy         = "undeploy"
)

type task interface {
	name() string
	templateID() string
	run(ctx context.Context, e *Engine, log *discoverylog.Entry) error
}

type deploymentTask interface {
	task
	deploymentID() string
	dependsOnCandidates() bool
	mayReplace() bool
}

// queued is a task in a queue together with its log entry.
type queued struct {
	task    task
	log     *discoverylog.Entry
	started bool
}

func newQueued(t task, trigger discoverylog.Trigger, title string) *queued {
	return &queued{task: t, log: discoverylog.NewEntry(trigger, title)}
}

// updateTask queries the candidates of a template and subscribes to their
// changes. Unless forced it only runs when an activated deployment needs
// candidates that are not stored yet.
type updateTask struct {
	tpl   *template.DeviceTemplate
	force bool
}

func (*updateTask) name() string         { return TaskUpdateCandidates }
func (t *updateTask) templateID() string { return t.tpl.ID }

func (t *updateTask) run(ctx context.Context, e *Engine, log *discoverylog.Entry) error {
	log.Info(fmt.Sprintf("Started task for device template %q.", t.tpl.Name))

	deployments, err := e.deploymentsOf(ctx, t.tpl.ID)
	if err != nil {
		return err
	}
	if !t.force && !anyActivating(deployments) {
		log.Info("Candidate devices are currently not required, thus aborting.")
		return nil
	}
	if !t.force {
		exists, err := e.repos.Candidates.Exists(ctx, t.tpl.ID)
		if err != nil {
			return errors.Wrap(err, "updateTask", "run", "candidates lookup")
		}
		if exists {
			log.Info("Candidate devices are already available, thus aborting.")
			return nil
		}
	}

	log.Info("Requesting candidate devices from discovery repositories and creating subscriptions.")
	topics, err := e.topicsOf(ctx, t.tpl.Owner)
	if err != nil {
		return err
	}
	container, err := e.gateway.CandidateDevicesWithSubscription(ctx, t.tpl, topics, e)
	if err != nil {
		return errors.Wrap(err, "updateTask", "run", "candidate query")
	}
	log.Info(fmt.Sprintf("Received %s.", describeContainer(container)))

	if err := e.repos.Candidates.Save(ctx, container); err != nil {
		return errors.Wrap(err, "updateTask", "run", "save candidates")
	}
	log.Success("Completed successfully.")
	return nil
}

// reviseTask applies a revision reported by one repository.
type reviseTask struct {
	tplID      string
	repository string
	revision   *candidate.Revision
}

func (*reviseTask) name() string         { return TaskReviseCandidates }
func (t *reviseTask) templateID() string { return t.tplID }

func (t *reviseTask) run(ctx context.Context, e *Engine, log *discoverylog.Entry) error {
	container, err := e.repos.Candidates.Get(ctx, t.tplID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "reviseTask", "run", "candidates lookup")
	}

	log.Info(fmt.Sprintf("Started task for device template %s.", t.tplID))
	log.Info(describeCounts(container))
	log.Info(fmt.Sprintf("Received revision from repository %q:\n%s", t.repository, t.revision.Describe()))

	container.Apply(t.repository, t.revision)

	log.Info(describeCounts(container))
	if err := e.repos.Candidates.Save(ctx, container); err != nil {
		return errors.Wrap(err, "reviseTask", "run", "save candidates")
	}
	log.Success("Saved updated candidate devices.")
	return nil
}

// mergeTask replaces the collections of the repositories contained in an
// update.
type mergeTask struct {
	tpl    *template.DeviceTemplate
	update *candidate.Container
}

func (*mergeTask) name() string         { return TaskMergeCandidates }
func (t *mergeTask) templateID() string { return t.tpl.ID }

func (t *mergeTask) run(ctx context.Context, e *Engine, log *discoverylog.Entry) error {
	container, err := e.repos.Candidates.Get(ctx, t.tpl.ID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "mergeTask", "run", "candidates lookup")
	}

	log.Info(fmt.Sprintf("Started task for device template %q.", t.tpl.Name))
	log.Info(fmt.Sprintf("Merging %d known candidate devices of %d discovery repositories with the update of %d candidate devices.",
		uniqueDevices(container), len(container.Collections), uniqueDevices(t.update)))

	for _, name := range t.update.Repositories() {
		container.Put(t.update.Collections[name].Clone())
	}

	log.Info(fmt.Sprintf("Saving merge result containing %d candidate devices from %d discovery repositories.",
		uniqueDevices(container), len(container.Collections)))
	if err := e.repos.Candidates.Save(ctx, container); err != nil {
		return errors.Wrap(err, "mergeTask", "run", "save candidates")
	}
	log.Success("Completed successfully.")
	return nil
}

// deleteTask drops the candidates of a template and cancels its
// subscription. Unless forced it aborts while deployments use the template.
type deleteTask struct {
	tpl   *template.DeviceTemplate
	force bool
}

func (*deleteTask) name() string         { return TaskDeleteCandidates }
func (t *deleteTask) templateID() string { return t.tpl.ID }

func (t *deleteTask) run(ctx context.Context, e *Engine, log *discoverylog.Entry) error {
	log.Info(fmt.Sprintf("Started task for device template %q.", t.tpl.Name))

	deployments, err := e.deploymentsOf(ctx, t.tpl.ID)
	if err != nil {
		return err
	}
	if !t.force && len(deployments) > 0 {
		log.Info("Candidate devices are in use, thus aborting.")
		return nil
	}

	exists, err := e.repos.Candidates.Exists(ctx, t.tpl.ID)
	if err != nil {
		return errors.Wrap(err, "deleteTask", "run", "candidates lookup")
	}
	if exists {
		log.Info("Deleting candidate devices.")
		if err := e.repos.Candidates.Delete(ctx, t.tpl.ID); err != nil {
			return errors.Wrap(err, "deleteTask", "run", "delete candidates")
		}
	}

	if !e.gateway.IsSubscribed(t.tpl.ID) {
		if exists {
			log.Success("Completed successfully.")
		}
		return nil
	}

	log.Info("Cancelling existing subscription at the discovery repositories.")
	topics, err := e.topicsOf(ctx, t.tpl.Owner)
	if err != nil {
		return err
	}
	e.gateway.CancelSubscription(ctx, t.tpl, topics...)
	log.Success("Completed successfully.")
	return nil
}

// deployByRankingTask moves the operator of a deployment to the best ranked
// candidate device. The current device is kept while no candidate beats its
// score.
type deployByRankingTask struct {
	id          string
	tplID       string
	userCreated bool
}

func (*deployByRankingTask) name() string              { return TaskDeployByRanking }
func (t *deployByRankingTask) templateID() string      { return t.tplID }
func (t *deployByRankingTask) deploymentID() string    { return t.id }
func (*deployByRankingTask) dependsOnCandidates() bool { return true }
func (t *deployByRankingTask) mayReplace() bool        { return t.userCreated }

func (t *deployByRankingTask) run(ctx context.Context, e *Engine, log *discoverylog.Entry) error {
	dd, err := e.repos.Deployments.Get(ctx, t.id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "deployByRankingTask", "run", "deployment lookup")
	}
	container, err := e.repos.Candidates.Get(ctx, dd.DeviceTemplateID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "deployByRankingTask", "run", "candidates lookup")
	}
	if !dd.ActivatingIntended {
		return nil
	}
	tpl, err := e.repos.Templates.Get(ctx, dd.DeviceTemplateID)
	if err != nil {
		return errors.Wrap(err, "deployByRankingTask", "run", "template lookup")
	}

	log.Info("Started task.")

	deployed := dd.LastDevice != nil && e.deployer.IsDeployed(ctx, dd)
	if deployed {
		log.Info(fmt.Sprintf("Operator is currently deployed to %s.", dd.LastDevice.MACAddress))
	} else {
		log.Info("Operator is currently not deployed.")
	}

	ranking := e.processor.Process(tpl, container)
	if ranking.Len() == 0 {
		if deployed {
			log.Undesirable("Ranking is empty, undeploying from previously used device.")
			e.deployer.Undeploy(ctx, dd)
		} else {
			log.Undesirable("Ranking is empty, no deployment possible.")
		}
		return e.updateDeployment(ctx, dd.ID, nil, deploy.StateNoCandidate)
	}
	log.Info(describeRanking(ranking))

	var oldMAC string
	minScore := math.Inf(-1)
	if deployed {
		oldMAC = strings.ToLower(dd.LastDevice.MACAddress)
		if current, ok := ranking.Find(oldMAC); ok {
			minScore = current.Score
			log.Info(fmt.Sprintf("Currently used device has now a score of [%f].", minScore))
		}
	}

	for _, scored := range ranking.Sorted() {
		if scored.Score <= minScore {
			log.Info("Currently used device is better suited than the remainder of the ranking, thus aborting.")
			return e.updateDeployment(ctx, dd.ID, dd.LastDevice, deploy.StateDeployed)
		}
		mac := scored.Identity()
		if deployed && mac == oldMAC {
			continue
		}

		log.Info(fmt.Sprintf("Trying to deploy operator to %s.", mac))
		if e.deployer.Deploy(ctx, dd, scored.Description) {
			log.Success(fmt.Sprintf("Deployment to %s succeeded.", mac))
			if deployed {
				log.Info("Undeploying from formerly used device.")
				e.deployer.Undeploy(ctx, dd)
			}
			return e.updateDeployment(ctx, dd.ID, deploy.DeviceFromDescription(scored.Description), deploy.StateDeployed)
		}
		log.Undesirable(fmt.Sprintf("Deployment failed for device %s.", mac))
	}

	if deployed {
		log.Undesirable("Deployment failed for the better suited candidate devices, thus preserving the current deployment.")
		return e.updateDeployment(ctx, dd.ID, dd.LastDevice, deploy.StateDeployed)
	}
	log.Undesirable("Deployment failed for all candidate devices.")
	return e.updateDeployment(ctx, dd.ID, nil, deploy.StateAllFailed)
}

// undeployTask removes the operator of a deactivated deployment from its
// device.
type undeployTask struct {
	id    string
	tplID string
}

func (*undeployTask) name() string              { return TaskUndeploy }
func (t *undeployTask) templateID() string      { return t.tplID }
func (t *undeployTask) deploymentID() string    { return t.id }
func (*undeployTask) dependsOnCandidates() bool { return false }
func (*undeployTask) mayReplace() bool          { return true }

func (t *undeployTask) run(ctx context.Context, e *Engine, log *discoverylog.Entry) error {
	dd, err := e.repos.Deployments.Get(ctx, t.id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "undeployTask", "run", "deployment lookup")
	}
	if dd.ActivatingIntended {
		return nil
	}

	if err := e.updateDeployment(ctx, dd.ID, dd.LastDevice, deploy.StateInProgress); err != nil {
		return err
	}
	if dd.LastDevice != nil && e.deployer.IsDeployed(ctx, dd) {
		log.Info(fmt.Sprintf("Undeploying operator from %s.", dd.LastDevice.MACAddress))
		e.deployer.Undeploy(ctx, dd)
		log.Success("Undeployment completed.")
	}
	return e.updateDeployment(ctx, dd.ID, nil, deploy.StateDisabled)
}

func anyActivating(deployments []*deploy.DynamicDeployment) bool {
	for _, dd := range deployments {
		if dd.ActivatingIntended {
			return true
		}
	}
	return false
}

func uniqueDevices(c *candidate.Container) int {
	return len(processing.Deduplicate(c.Devices()))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func describeCounts(c *candidate.Container) string {
	devices, repos := uniqueDevices(c), len(c.Collections)
	return fmt.Sprintf("Candidate devices consist out of %d unique %s from %d %s.",
		devices, plural(devices, "device", "devices"), repos, plural(repos, "repository", "repositories"))
}

func describeContainer(c *candidate.Container) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d candidate devices from %d discovery repositories", uniqueDevices(c), len(c.Collections))
	for _, name := range c.Repositories() {
		fmt.Fprintf(&b, "\n%s: %d", name, c.Collections[name].Len())
	}
	return b.String()
}

func describeRanking(r *candidate.Ranking) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ranking of %d candidate devices:", r.Len())
	for i, s := range r.Sorted() {
		fmt.Fprintf(&b, "\n%d. %s (score %.2f)", i+1, s.Identity(), s.Score)
	}
	return b.String()
}
