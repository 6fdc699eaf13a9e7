// Package deploy owns the deployment lifecycle: the per-deployment lock
// discipline, the operations that drive commands to agents, and the
// crash-recovery reconciler.
//
// # Lifecycle
//
// A deployment's persisted status moves through:
//
//	pending -> installing -> configuring -> stopped/running
//	running/stopped -> updating -> running
//	running/stopped -> uninstalling -> (row deleted)
//
// The subset {installing, configuring, updating, uninstalling} is transient:
// it means an operation is believed to be in progress. A row observed in a
// transient status after a restart is of unknown ground truth until the
// recovery service reconciles it.
//
// # Locking
//
// Every status-changing write happens while the writer holds that
// deployment's lock from LockManager. The deployer and the recovery service
// share one LockManager so an operator request and a recovery pass for the
// same deployment serialize. This is a convention enforced by the package's
// structure, not by the storage layer.
//
// # Recovery
//
// Recovery.RecoverStuckDeployments runs once at startup, before the HTTP API
// accepts traffic, and can be re-triggered manually. For each stuck row it
// asks the agent for the app's real state; when the server is offline or the
// query yields nothing, a conservative fallback by previous status decides
// the outcome. Failures are isolated per deployment.
package deploy
