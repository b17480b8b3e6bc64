package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Node represents a declared cluster node and its join lifecycle.
// Nodes are created when declared in the topology config and are never
// deleted; retirement is expressed as the decommissioned state.
type Node struct {
	// ID is the opaque node identity (address or hostname).
	ID string `json:"id"`

	// Address is the network address used for bootstrap and health checks.
	Address string `json:"address"`

	// Role is the node's declared role in the topology.
	Role NodeRole `json:"role"`

	// State is the node's current join state.
	State JoinState `json:"state"`

	// Message carries human-readable context for failed or unreachable
	// states.
	Message string `json:"message,omitempty"`

	// LastHeartbeat is the last time the node reported healthy.
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`

	// DeclaredAt is when the node was first declared.
	DeclaredAt time.Time `json:"declared_at"`

	// UpdatedAt is when the node record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// JoinGrant is the credential handed to an operator for out-of-band
// transfer to a joining node. The token is single-use and short-lived.
type JoinGrant struct {
	// NodeID is the node the token is bound to.
	NodeID string `json:"node_id"`

	// Token is the opaque join credential.
	Token string `json:"token"`

	// ControllerID identifies the issuing controller.
	ControllerID string `json:"controller_id"`

	// CAFingerprint is the SHA-256 fingerprint of the cluster CA the node
	// must pin during the handshake.
	CAFingerprint string `json:"ca_fingerprint"`

	// IssuedAt is when the token was minted.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the token stops being valid.
	ExpiresAt time.Time `json:"expires_at"`
}

// ResourceBounds describes the resource envelope of a workload instance.
type ResourceBounds struct {
	// CPUMillis is the CPU bound in millicores.
	CPUMillis int `json:"cpu_millis" yaml:"cpu_millis" validate:"gte=0"`

	// MemoryMB is the memory bound in mebibytes.
	MemoryMB int `json:"memory_mb" yaml:"memory_mb" validate:"gte=0"`
}

// WorkloadSpec is one revision of a desired workload. Specs are immutable:
// every content change produces a new revision with a higher generation,
// never an in-place mutation.
type WorkloadSpec struct {
	// Name is the workload name, unique within the desired set.
	Name string `json:"name" yaml:"name" validate:"required,hostname_rfc1123"`

	// Image is the desired container image reference.
	Image string `json:"image" yaml:"image" validate:"required"`

	// Replicas is the desired instance count.
	Replicas int `json:"replicas" yaml:"replicas" validate:"gte=0"`

	// Resources bounds each instance.
	Resources ResourceBounds `json:"resources" yaml:"resources"`

	// Role selects which node role carries the workload.
	Role NodeRole `json:"role" yaml:"role" validate:"required,oneof=controller worker"`

	// DependsOn lists workload names that must be ready before this one.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`

	// Generation is the monotonic revision counter assigned by the
	// desired-state source when the spec content changes.
	Generation int64 `json:"generation" yaml:"-"`
}

// AppliedWorkload records which generation of a workload is currently
// running, plus per-instance health.
type AppliedWorkload struct {
	// Name is the workload name.
	Name string `json:"name"`

	// Generation is the spec generation currently applied.
	Generation int64 `json:"generation"`

	// Image is the image reference running at that generation.
	Image string `json:"image"`

	// Replicas is the applied replica count.
	Replicas int `json:"replicas"`

	// ReadyReplicas is the number of instances reporting healthy.
	ReadyReplicas int `json:"ready_replicas"`

	// UpdatedAt is when this record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// SourceGeneration records the generation assigned to a workload spec for
// a given content hash. Persisted so generation assignment stays monotonic
// across controller restarts.
type SourceGeneration struct {
	// Name is the workload name.
	Name string `json:"name"`

	// Hash is the content hash of the spec the generation was assigned for.
	Hash string `json:"hash"`

	// Generation is the assigned generation.
	Generation int64 `json:"generation"`
}

// AppliedState is the single mutable "observed truth" record: a mapping
// from workload name to the generation currently running. It is owned by
// the sync executor; everything else reads snapshots. Mutations go through
// unexported methods so the single-writer discipline holds at the type
// level, with per-workload locks preventing two applies for the same name
// from racing.
type AppliedState struct {
	mu        sync.RWMutex
	workloads map[string]AppliedWorkload
	locks     map[string]*sync.Mutex
}

// NewAppliedState creates an empty applied-state record.
func NewAppliedState() *AppliedState {
	return &AppliedState{
		workloads: make(map[string]AppliedWorkload),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Get returns the applied record for a workload, if present.
func (a *AppliedState) Get(name string) (AppliedWorkload, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	w, ok := a.workloads[name]
	return w, ok
}

// Generation returns the applied generation for a workload, or zero when
// the workload has never been applied.
func (a *AppliedState) Generation(name string) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.workloads[name].Generation
}

// Snapshot returns a copy of the full applied mapping keyed by name.
func (a *AppliedState) Snapshot() map[string]AppliedWorkload {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]AppliedWorkload, len(a.workloads))
	for name, w := range a.workloads {
		out[name] = w
	}
	return out
}

// Names returns the applied workload names in sorted order.
func (a *AppliedState) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.workloads))
	for name := range a.workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// workloadLock returns the per-workload mutex, creating it on first use.
func (a *AppliedState) workloadLock(name string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[name]
	if !ok {
		l = &sync.Mutex{}
		a.locks[name] = l
	}
	return l
}

// commit records a new applied generation for a workload. The caller must
// hold the per-workload lock. Generations never decrease: a commit with an
// older generation is refused.
func (a *AppliedState) commit(w AppliedWorkload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.workloads[w.Name]; ok && w.Generation < cur.Generation {
		return NewConflictError(
			fmt.Sprintf("generation %d is behind applied generation %d", w.Generation, cur.Generation),
			ErrStalePlan,
		).WithCode(ErrCodeStalePlan).WithWorkload(w.Name)
	}
	w.UpdatedAt = time.Now()
	a.workloads[w.Name] = w
	return nil
}

// remove drops a pruned workload from the record. The caller must hold the
// per-workload lock.
func (a *AppliedState) remove(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.workloads, name)
}

// Restore seeds or refreshes the record wholesale: from persisted state
// at startup, and from cluster observation by the drift watcher. Callers
// must not race an in-flight sync pass.
func (a *AppliedState) Restore(workloads []AppliedWorkload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, w := range workloads {
		a.workloads[w.Name] = w
	}
}

// SyncAction is one step of a sync plan.
type SyncAction struct {
	// ID is the unique identifier for this action.
	ID string `json:"id"`

	// Type is the operation to perform.
	Type ActionType `json:"type"`

	// Workload is the workload name the action targets.
	Workload string `json:"workload"`

	// Desired is the target spec for create and update actions.
	Desired *WorkloadSpec `json:"desired,omitempty"`

	// TargetGeneration is the generation the action drives toward. Zero
	// for deletes.
	TargetGeneration int64 `json:"target_generation"`

	// ObservedGeneration is the generation seen when the plan was computed.
	ObservedGeneration int64 `json:"observed_generation"`

	// FromReplicas and ToReplicas describe scale actions.
	FromReplicas int `json:"from_replicas,omitempty"`
	ToReplicas   int `json:"to_replicas,omitempty"`

	// DependsOn lists action IDs that must complete before this action.
	DependsOn []ActionDependency `json:"depends_on,omitempty"`

	// MaxRetries bounds transient-failure retries for this action.
	MaxRetries int `json:"max_retries"`

	// Timeout bounds a single execution attempt.
	Timeout time.Duration `json:"timeout"`
}

// ActionDependency is an edge in the plan DAG.
type ActionDependency struct {
	// ActionID is the action this one waits for.
	ActionID string `json:"action_id"`

	// Kind is the dependency kind.
	Kind DependencyKind `json:"kind"`
}

// DependencyKind distinguishes hard ordering from soft ordering.
type DependencyKind string

const (
	// DependencyRequire means the upstream action must succeed; failure
	// aborts the dependent chain.
	DependencyRequire DependencyKind = "require"

	// DependencyOrder means the upstream action must merely finish; the
	// dependent runs regardless of outcome. Used to push deletes last.
	DependencyOrder DependencyKind = "order"
)

// PlanSummary gives per-operation counts for a plan.
type PlanSummary struct {
	Creates int `json:"creates"`
	Updates int `json:"updates"`
	Scales  int `json:"scales"`
	Deletes int `json:"deletes"`
	Orphans int `json:"orphans"`
}

// SyncPlan is the ordered action sequence produced by one diff pass.
// A plan is immutable once computed and is consumed exactly once by the
// sync executor.
type SyncPlan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// Revision is the desired-state revision the plan was computed from.
	Revision string `json:"revision"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Actions are the plan's steps, in deterministic order.
	Actions []SyncAction `json:"actions"`

	// Graph is the action dependency DAG with execution levels.
	Graph *ActionGraph `json:"graph,omitempty"`

	// Orphans lists observed workloads absent from the desired set that
	// were not deleted because pruning is disabled.
	Orphans []string `json:"orphans,omitempty"`

	// Summary gives per-operation counts.
	Summary PlanSummary `json:"summary"`

	mu       sync.Mutex
	consumed bool
}

// Empty reports whether the plan has no actions to apply.
func (p *SyncPlan) Empty() bool {
	return len(p.Actions) == 0
}

// consume marks the plan consumed, failing on the second call.
func (p *SyncPlan) consume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return ErrPlanConsumed
	}
	p.consumed = true
	return nil
}

// ActionGraph is the DAG of plan actions with topological levels.
// Actions at the same level have no ordering constraints between them and
// may run in parallel.
type ActionGraph struct {
	// Nodes maps action IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Levels lists action IDs per execution level, each level sorted by
	// workload name for determinism.
	Levels [][]string `json:"levels"`

	// Roots are the action IDs with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the number of execution levels.
	Depth int `json:"depth"`
}

// GraphNode is one vertex of the action graph.
type GraphNode struct {
	// ID is the action ID.
	ID string `json:"id"`

	// Level is the topological depth from the roots.
	Level int `json:"level"`

	// Dependencies are the incoming edges (actions this one waits for).
	Dependencies []string `json:"dependencies"`

	// Dependents are the outgoing edges (actions waiting for this one).
	Dependents []string `json:"dependents"`
}

// ActionResult is the outcome of executing one sync action.
type ActionResult struct {
	// ActionID is the action this result belongs to.
	ActionID string `json:"action_id"`

	// Workload is the workload the action targeted.
	Workload string `json:"workload"`

	// Type is the action type.
	Type ActionType `json:"type"`

	// Status is the final execution status.
	Status ActionStatus `json:"status"`

	// Attempts is the number of execution attempts made.
	Attempts int `json:"attempts"`

	// Error is the classified failure, if any.
	Error *Error `json:"error,omitempty"`

	// StartedAt and CompletedAt bound the execution.
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// ApplyReport is the per-action account of one executed plan.
type ApplyReport struct {
	// PlanID is the plan that was applied.
	PlanID string `json:"plan_id"`

	// PassID identifies the reconciliation pass.
	PassID string `json:"pass_id"`

	// Status is the overall pass outcome. A pass with failures is
	// degraded, not failed, unless zero actions succeeded.
	Status PassStatus `json:"status"`

	// Results hold one entry per plan action.
	Results []ActionResult `json:"results"`

	// Orphans echoes the plan's orphan report for operator visibility.
	Orphans []string `json:"orphans,omitempty"`

	// StartedAt and CompletedAt bound the pass.
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Failures returns the results that ended in failure.
func (r *ApplyReport) Failures() []ActionResult {
	var out []ActionResult
	for _, res := range r.Results {
		if res.Status == ActionStatusFailed {
			out = append(out, res)
		}
	}
	return out
}

// Succeeded counts results that reached their target, no-ops included.
func (r *ApplyReport) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Status.Succeeded() {
			n++
		}
	}
	return n
}
