// Package rules connects trigger queries to actions.
//
// A Rule references one trigger and any number of actions. Enabling a rule
// registers its trigger with the trigger service; rules sharing a trigger
// share one registration, which is removed when the last of them is
// disabled. When a trigger fires, every rule of that trigger is queued on a
// worker pool and the Executor runs its actions one after another.
//
// Action executors are pluggable by action type:
//   - actuator_action publishes a command to "action/<actuator id>/<action>"
//   - component_deployment deploys, starts, stops or undeploys a component
//   - ifttt_webhook calls an IFTTT maker webhook
//
// Executors validate their own parameters and report failure as false.
package rules
