package engine

import "fmt"

// NodeRole represents the role a node plays in the cluster topology.
type NodeRole string

const (
	// RoleController marks a control-plane node.
	RoleController NodeRole = "controller"

	// RoleWorker marks a workload-carrying node.
	RoleWorker NodeRole = "worker"
)

// Validate checks if the node role is valid.
func (r NodeRole) Validate() error {
	switch r {
	case RoleController, RoleWorker:
		return nil
	default:
		return fmt.Errorf("invalid node role: %s", r)
	}
}

// JoinState represents where a node sits in its join lifecycle.
type JoinState string

const (
	// JoinStateUnjoined indicates the node is declared but not yet joined.
	JoinStateUnjoined JoinState = "unjoined"

	// JoinStateJoining indicates a join handshake is in progress.
	JoinStateJoining JoinState = "joining"

	// JoinStateReady indicates the node completed its join and is serving.
	JoinStateReady JoinState = "ready"

	// JoinStateUnreachable indicates a ready node stopped heartbeating.
	JoinStateUnreachable JoinState = "unreachable"

	// JoinStateFailed indicates the join handshake exhausted its retries.
	JoinStateFailed JoinState = "failed"

	// JoinStateDecommissioned indicates the node was retired. Nodes are
	// never deleted from the topology, only marked decommissioned.
	JoinStateDecommissioned JoinState = "decommissioned"
)

// Validate checks if the join state is valid.
func (s JoinState) Validate() error {
	switch s {
	case JoinStateUnjoined, JoinStateJoining, JoinStateReady,
		JoinStateUnreachable, JoinStateFailed, JoinStateDecommissioned:
		return nil
	default:
		return fmt.Errorf("invalid join state: %s", s)
	}
}

// CanTransition reports whether a transition to the target state is legal.
// Decommissioning is allowed from every state and is terminal.
func (s JoinState) CanTransition(to JoinState) bool {
	if to == JoinStateDecommissioned {
		return s != JoinStateDecommissioned
	}
	switch s {
	case JoinStateUnjoined:
		return to == JoinStateJoining
	case JoinStateJoining:
		return to == JoinStateReady || to == JoinStateFailed
	case JoinStateReady:
		return to == JoinStateUnreachable
	case JoinStateUnreachable:
		return to == JoinStateReady || to == JoinStateFailed
	case JoinStateFailed:
		return to == JoinStateJoining
	default:
		return false
	}
}

// ActionType represents the type of sync action computed by the diff engine.
type ActionType string

const (
	// ActionCreate indicates a desired workload absent from observed state.
	ActionCreate ActionType = "create"

	// ActionUpdate indicates an observed workload behind the desired
	// generation.
	ActionUpdate ActionType = "update"

	// ActionScale indicates a replica-count mismatch at the same generation.
	ActionScale ActionType = "scale"

	// ActionDelete indicates an observed workload no longer desired.
	// Emitted only when pruning is enabled.
	ActionDelete ActionType = "delete"
)

// IsDestructive reports whether the action removes a workload.
func (a ActionType) IsDestructive() bool {
	return a == ActionDelete
}

// Validate checks if the action type is valid.
func (a ActionType) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionScale, ActionDelete:
		return nil
	default:
		return fmt.Errorf("invalid action type: %s", a)
	}
}

// ActionStatus represents the execution status of a single sync action.
type ActionStatus string

const (
	// ActionStatusPending indicates the action has not started.
	ActionStatusPending ActionStatus = "pending"

	// ActionStatusRunning indicates the action is executing.
	ActionStatusRunning ActionStatus = "running"

	// ActionStatusSucceeded indicates the action applied cleanly.
	ActionStatusSucceeded ActionStatus = "succeeded"

	// ActionStatusNoop indicates the target generation was already applied.
	ActionStatusNoop ActionStatus = "noop"

	// ActionStatusFailed indicates the action failed after its retries.
	ActionStatusFailed ActionStatus = "failed"

	// ActionStatusSkipped indicates a required dependency did not succeed.
	ActionStatusSkipped ActionStatus = "skipped"

	// ActionStatusCancelled indicates the pass was cancelled before the
	// action started. In-flight actions always finish to a consistent
	// boundary and are never marked cancelled.
	ActionStatusCancelled ActionStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionStatusSucceeded, ActionStatusNoop, ActionStatusFailed,
		ActionStatusSkipped, ActionStatusCancelled:
		return true
	default:
		return false
	}
}

// Succeeded reports whether the action reached its target state.
func (s ActionStatus) Succeeded() bool {
	return s == ActionStatusSucceeded || s == ActionStatusNoop
}

// PassStatus represents the overall outcome of one reconciliation pass.
type PassStatus string

const (
	// PassStatusSucceeded indicates every action reached its target.
	PassStatusSucceeded PassStatus = "succeeded"

	// PassStatusDegraded indicates a partial apply: some actions failed or
	// were skipped, but at least one succeeded.
	PassStatusDegraded PassStatus = "degraded"

	// PassStatusFailed indicates zero actions succeeded.
	PassStatusFailed PassStatus = "failed"

	// PassStatusCancelled indicates the pass was cancelled mid-flight.
	PassStatusCancelled PassStatus = "cancelled"
)

// WatcherState represents the drift watcher's position in its loop.
type WatcherState string

const (
	// WatcherIdle indicates the watcher is not running.
	WatcherIdle WatcherState = "idle"

	// WatcherPolling indicates the watcher is pulling observed state.
	WatcherPolling WatcherState = "polling"

	// WatcherTriggeringSync indicates a non-empty plan is being applied.
	WatcherTriggeringSync WatcherState = "triggering-sync"

	// WatcherIdleWait indicates the watcher is sleeping until the next tick.
	WatcherIdleWait WatcherState = "idle-wait"
)
