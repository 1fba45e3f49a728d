// Package engine keeps dynamic deployments on the best suited candidate
// devices.
//
// # Overview
//
// A dynamic deployment binds an operator to a device template. While it is
// activated, the engine keeps the operator deployed on the device that ranks
// highest for the template among the candidate devices reported by the
// discovery repositories. The work is split into tasks:
//
//	Candidate tasks (one queue per device template)
//	  update   query the repositories and subscribe to changes
//	  revise   apply a revision reported by a repository
//	  merge    replace the collections of some repositories
//	  delete   drop the candidates and cancel the subscription
//
//	Deployment tasks (one queue per dynamic deployment)
//	  deploy_by_ranking  move the operator to the best device
//	  undeploy           remove the operator from its device
//
// # Scheduling
//
// Only the head of a queue runs and it stays in its queue until it finished.
// A deployment task that reads candidates waits while its template queue is
// not empty. A candidate task waits while such a deployment task runs for a
// deployment of its template. Candidate queues are checked first, so when a
// candidate task and a deployment task are submitted together, running
// deployment tasks finish first, then the candidate task runs, then the new
// deployment task.
//
// Deployment queues are compacted on submit: a user created task replaces the
// first pending task of the queue, any other task is dropped when a pending
// task already exists. A queue thus holds at most the running task and one
// pending task.
//
// # Logs
//
// Every task collects a discovery log entry. Entries of candidate tasks are
// written to the logs of all deployments of the template, entries of
// deployment tasks to the log of their deployment. Empty entries are skipped.
//
// # Usage
//
//	eng := engine.New(repos, gw, dynamicService, processor, logs,
//	    engine.WithLogger(logger),
//	    engine.WithMetricsRegistry(registry))
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop(10 * time.Second)
//
//	changed, err := eng.Activate(ctx, "dd-1")
package engine
