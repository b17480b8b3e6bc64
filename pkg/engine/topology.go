package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmstead/helmstead/pkg/telemetry"
)

// Topology tracks the declared node set and each node's join lifecycle.
// State transitions are validated against the join state machine; invalid
// transitions are rejected rather than silently coerced.
type Topology struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	bus    *telemetry.Bus
	logger zerolog.Logger
	now    func() time.Time
}

// NewTopology creates an empty topology.
func NewTopology(bus *telemetry.Bus, logger zerolog.Logger) *Topology {
	return &Topology{
		nodes:  make(map[string]*Node),
		bus:    bus,
		logger: logger.With().Str("component", "topology").Logger(),
		now:    time.Now,
	}
}

// Declare adds a node to the topology in the unjoined state. Declaring an
// already known node is a no-op that returns the existing record, so config
// reloads are idempotent.
func (t *Topology) Declare(id, address string, role NodeRole) (*Node, error) {
	if id == "" {
		return nil, NewValidationError("node id is required", nil)
	}
	if err := role.Validate(); err != nil {
		return nil, NewValidationError("invalid node role", err).WithNode(id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.nodes[id]; ok {
		return existing.clone(), nil
	}

	now := t.now()
	node := &Node{
		ID:         id,
		Address:    address,
		Role:       role,
		State:      JoinStateUnjoined,
		DeclaredAt: now,
		UpdatedAt:  now,
	}
	t.nodes[id] = node

	t.logger.Info().
		Str("node_id", id).
		Str("role", string(role)).
		Msg("Node declared")

	return node.clone(), nil
}

// Restore seeds the topology wholesale from persisted node records at
// startup, preserving their join states.
func (t *Topology) Restore(nodes []*Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, node := range nodes {
		t.nodes[node.ID] = node.clone()
	}
}

// Get returns a copy of the node record.
func (t *Topology) Get(id string) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, ok := t.nodes[id]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("node not declared: %s", id), nil).
			WithCode(ErrCodeNotFound).WithNode(id)
	}
	return node.clone(), nil
}

// List returns copies of all node records, sorted by ID.
func (t *Topology) List() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Node, 0, len(t.nodes))
	for _, node := range t.nodes {
		out = append(out, node.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByState returns node counts keyed by join state.
func (t *Topology) CountByState() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[string]int)
	for _, node := range t.nodes {
		counts[string(node.State)]++
	}
	return counts
}

// Transition moves a node to a new join state, validating the transition
// against the state machine. The message is recorded on the node for
// failed and unreachable states.
func (t *Topology) Transition(id string, to JoinState, message string) error {
	if err := to.Validate(); err != nil {
		return NewValidationError("invalid join state", err).WithNode(id)
	}

	t.mu.Lock()
	node, ok := t.nodes[id]
	if !ok {
		t.mu.Unlock()
		return NewValidationError(fmt.Sprintf("node not declared: %s", id), nil).
			WithCode(ErrCodeNotFound).WithNode(id)
	}

	from := node.State
	if from == to {
		t.mu.Unlock()
		return nil
	}
	if !from.CanTransition(to) {
		t.mu.Unlock()
		return NewConflictError(
			fmt.Sprintf("invalid transition %s -> %s", from, to), nil,
		).WithNode(id)
	}

	node.State = to
	node.Message = message
	node.UpdatedAt = t.now()
	t.mu.Unlock()

	t.logger.Info().
		Str("node_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Node state changed")

	t.bus.Publish(telemetry.Event{
		Type:    telemetry.EventTypeNodeStateChanged,
		Node:    id,
		Message: message,
		Data: map[string]interface{}{
			"from": string(from),
			"to":   string(to),
		},
	})
	return nil
}

// RecordHeartbeat updates the node's last-heartbeat timestamp.
func (t *Topology) RecordHeartbeat(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[id]
	if !ok {
		return NewValidationError(fmt.Sprintf("node not declared: %s", id), nil).
			WithCode(ErrCodeNotFound).WithNode(id)
	}
	node.LastHeartbeat = t.now()
	return nil
}

// Decommission retires a node. Decommissioned is terminal and reachable
// from every state.
func (t *Topology) Decommission(id, reason string) error {
	return t.Transition(id, JoinStateDecommissioned, reason)
}

// ObserveHealth reconciles node join states against cluster-reported
// health: ready nodes that stop reporting become unreachable, and
// unreachable nodes that report again recover to ready.
func (t *Topology) ObserveHealth(ctx context.Context, cluster ClusterAPI) error {
	statuses, err := cluster.ListNodeStatus(ctx)
	if err != nil {
		return NewTransientError("listing node status", err)
	}

	healthy := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		healthy[s.ID] = s.Healthy
	}

	for _, node := range t.List() {
		ok, reported := healthy[node.ID]
		switch node.State {
		case JoinStateReady:
			if reported && !ok {
				if err := t.Transition(node.ID, JoinStateUnreachable, "health check failed"); err != nil {
					return err
				}
			} else if reported && ok {
				if err := t.RecordHeartbeat(node.ID); err != nil {
					return err
				}
			}
		case JoinStateUnreachable:
			if reported && ok {
				if err := t.Transition(node.ID, JoinStateReady, "health restored"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (n *Node) clone() *Node {
	c := *n
	return &c
}
