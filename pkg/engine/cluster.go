package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ObservedWorkload is a workload as reported by the cluster surface.
type ObservedWorkload struct {
	// Name is the workload name.
	Name string `json:"name"`

	// Generation is the spec generation the cluster is running.
	Generation int64 `json:"generation"`

	// Image is the running image reference.
	Image string `json:"image"`

	// Replicas is the configured instance count.
	Replicas int `json:"replicas"`

	// ReadyReplicas is the number of instances reporting healthy.
	ReadyReplicas int `json:"ready_replicas"`
}

// NodeStatus is a node's health as reported by the cluster surface.
type NodeStatus struct {
	// ID is the node identity.
	ID string `json:"id"`

	// Healthy reports whether the node is responding.
	Healthy bool `json:"healthy"`

	// HeartbeatAt is the node's last reported heartbeat.
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// ClusterAPI is the consumed cluster surface: workload objects and node
// health, nothing more. The production implementation talks to the real
// cluster API; tests use MemoryCluster.
type ClusterAPI interface {
	// CreateWorkload creates a workload at the spec's generation.
	CreateWorkload(ctx context.Context, spec *WorkloadSpec) error

	// UpdateWorkload replaces a workload with the spec's generation.
	UpdateWorkload(ctx context.Context, spec *WorkloadSpec) error

	// ScaleWorkload changes only the replica count of a workload.
	ScaleWorkload(ctx context.Context, name string, replicas int) error

	// DeleteWorkload removes a workload.
	DeleteWorkload(ctx context.Context, name string) error

	// ListWorkloads returns all workloads the cluster is running.
	ListWorkloads(ctx context.Context) ([]ObservedWorkload, error)

	// RegisterNode performs the server side of the join handshake.
	RegisterNode(ctx context.Context, nodeID string, caFingerprint string) error

	// ListNodeStatus returns health for all registered nodes.
	ListNodeStatus(ctx context.Context) ([]NodeStatus, error)
}

// MemoryCluster is an in-memory ClusterAPI used in tests and as the
// stand-in surface for local runs. Failure injection hooks let tests
// exercise the executor's retry and abort paths.
type MemoryCluster struct {
	mu        sync.Mutex
	workloads map[string]ObservedWorkload
	nodes     map[string]NodeStatus

	// FailNext maps a workload name to a number of injected failures for
	// the next operations against it.
	failNext map[string]failureInjection

	// RegisterDelay simulates a slow join handshake.
	RegisterDelay time.Duration
}

type failureInjection struct {
	remaining int
	err       error
}

// NewMemoryCluster creates an empty in-memory cluster surface.
func NewMemoryCluster() *MemoryCluster {
	return &MemoryCluster{
		workloads: make(map[string]ObservedWorkload),
		nodes:     make(map[string]NodeStatus),
		failNext:  make(map[string]failureInjection),
	}
}

// InjectFailure makes the next n operations against the named workload
// return err.
func (c *MemoryCluster) InjectFailure(name string, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[name] = failureInjection{remaining: n, err: err}
}

func (c *MemoryCluster) maybeFail(name string) error {
	inj, ok := c.failNext[name]
	if !ok || inj.remaining == 0 {
		return nil
	}
	inj.remaining--
	c.failNext[name] = inj
	return inj.err
}

// CreateWorkload implements ClusterAPI.
func (c *MemoryCluster) CreateWorkload(ctx context.Context, spec *WorkloadSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.maybeFail(spec.Name); err != nil {
		return err
	}
	c.workloads[spec.Name] = ObservedWorkload{
		Name:          spec.Name,
		Generation:    spec.Generation,
		Image:         spec.Image,
		Replicas:      spec.Replicas,
		ReadyReplicas: spec.Replicas,
	}
	return nil
}

// UpdateWorkload implements ClusterAPI.
func (c *MemoryCluster) UpdateWorkload(ctx context.Context, spec *WorkloadSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.maybeFail(spec.Name); err != nil {
		return err
	}
	if _, ok := c.workloads[spec.Name]; !ok {
		return NewPermanentError("workload not found", nil).WithCode(ErrCodeNotFound).WithWorkload(spec.Name)
	}
	c.workloads[spec.Name] = ObservedWorkload{
		Name:          spec.Name,
		Generation:    spec.Generation,
		Image:         spec.Image,
		Replicas:      spec.Replicas,
		ReadyReplicas: spec.Replicas,
	}
	return nil
}

// ScaleWorkload implements ClusterAPI.
func (c *MemoryCluster) ScaleWorkload(ctx context.Context, name string, replicas int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.maybeFail(name); err != nil {
		return err
	}
	w, ok := c.workloads[name]
	if !ok {
		return NewPermanentError("workload not found", nil).WithCode(ErrCodeNotFound).WithWorkload(name)
	}
	w.Replicas = replicas
	w.ReadyReplicas = replicas
	c.workloads[name] = w
	return nil
}

// DeleteWorkload implements ClusterAPI.
func (c *MemoryCluster) DeleteWorkload(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.maybeFail(name); err != nil {
		return err
	}
	delete(c.workloads, name)
	return nil
}

// ListWorkloads implements ClusterAPI.
func (c *MemoryCluster) ListWorkloads(ctx context.Context) ([]ObservedWorkload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ObservedWorkload, 0, len(c.workloads))
	for _, w := range c.workloads {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RegisterNode implements ClusterAPI.
func (c *MemoryCluster) RegisterNode(ctx context.Context, nodeID string, caFingerprint string) error {
	if c.RegisterDelay > 0 {
		select {
		case <-time.After(c.RegisterDelay):
		case <-ctx.Done():
			return NewTransientError("join handshake timed out", ctx.Err()).
				WithCode(ErrCodeHandshakeTimeout).WithNode(nodeID)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.maybeFail(nodeID); err != nil {
		return err
	}
	c.nodes[nodeID] = NodeStatus{ID: nodeID, Healthy: true, HeartbeatAt: time.Now()}
	return nil
}

// ListNodeStatus implements ClusterAPI.
func (c *MemoryCluster) ListNodeStatus(ctx context.Context) ([]NodeStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NodeStatus, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetNodeHealth flips a node's reported health, for drift tests.
func (c *MemoryCluster) SetNodeHealth(nodeID string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.nodes[nodeID]
	n.ID = nodeID
	n.Healthy = healthy
	if healthy {
		n.HeartbeatAt = time.Now()
	}
	c.nodes[nodeID] = n
}
