package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmstead/helmstead/pkg/telemetry"
)

// BootstrapTransport runs commands on a remote host during node bootstrap.
// The SSH transport implements it; tests substitute a fake.
type BootstrapTransport interface {
	Run(ctx context.Context, command string) (stdout string, stderr string, err error)
}

// TokenStore persists issued join tokens so grants survive controller
// restarts. The sqlite store implements it; a nil store keeps tokens in
// memory only.
type TokenStore interface {
	SaveJoinToken(ctx context.Context, grant *JoinGrant) error
	LookupJoinToken(ctx context.Context, token string) (grant *JoinGrant, used bool, err error)
	MarkJoinTokenUsed(ctx context.Context, token string) error
	// InvalidateNodeTokens revokes every outstanding token for a node, so a
	// reissue supersedes grants persisted by earlier controller processes.
	InvalidateNodeTokens(ctx context.Context, nodeID string) error
}

// CoordinatorOptions configures the join coordinator.
type CoordinatorOptions struct {
	// ControllerID identifies this controller in issued grants.
	ControllerID string

	// CAFingerprint is the cluster CA fingerprint embedded in grants for
	// the joining node to pin.
	CAFingerprint string

	// TokenTTL bounds token validity. Defaults to 15 minutes.
	TokenTTL time.Duration

	// MaxRetries bounds handshake registration attempts. Defaults to 3.
	MaxRetries int

	// BaseBackoff is the initial retry delay. Defaults to 500ms.
	BaseBackoff time.Duration

	// HandshakeTimeout bounds a single registration attempt. Defaults to
	// 30 seconds.
	HandshakeTimeout time.Duration
}

func (o *CoordinatorOptions) applyDefaults() {
	if o.TokenTTL <= 0 {
		o.TokenTTL = 15 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 30 * time.Second
	}
}

// issuedToken is the coordinator's record of an outstanding grant.
type issuedToken struct {
	grant JoinGrant
	used  bool
}

// Coordinator issues single-use join tokens and drives the node join
// handshake against the cluster API.
type Coordinator struct {
	topology *Topology
	cluster  ClusterAPI
	store    TokenStore
	opts     CoordinatorOptions

	mu     sync.Mutex
	tokens map[string]*issuedToken

	bus    *telemetry.Bus
	logger zerolog.Logger

	// now is swapped in tests to control token expiry.
	now func() time.Time
}

// NewCoordinator creates a join coordinator. store may be nil, in which
// case tokens are held in memory only.
func NewCoordinator(topology *Topology, cluster ClusterAPI, store TokenStore, opts CoordinatorOptions, bus *telemetry.Bus, logger zerolog.Logger) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		topology: topology,
		cluster:  cluster,
		store:    store,
		opts:     opts,
		tokens:   make(map[string]*issuedToken),
		bus:      bus,
		logger:   logger.With().Str("component", "join").Logger(),
		now:      time.Now,
	}
}

// RequestJoin mints a single-use token for a declared node. The node must
// be unjoined or failed; issuing a new token invalidates any outstanding
// token for the same node.
func (c *Coordinator) RequestJoin(ctx context.Context, nodeID string) (*JoinGrant, error) {
	node, err := c.topology.Get(nodeID)
	if err != nil {
		return nil, err
	}
	if node.State != JoinStateUnjoined && node.State != JoinStateFailed {
		return nil, NewConflictError(
			fmt.Sprintf("node %s is %s, join can only be requested for unjoined or failed nodes", nodeID, node.State), nil,
		).WithNode(nodeID)
	}

	token, err := generateToken()
	if err != nil {
		return nil, NewPermanentError("generating join token", err)
	}

	now := c.now()
	grant := JoinGrant{
		NodeID:        nodeID,
		Token:         token,
		ControllerID:  c.opts.ControllerID,
		CAFingerprint: c.opts.CAFingerprint,
		IssuedAt:      now,
		ExpiresAt:     now.Add(c.opts.TokenTTL),
	}

	c.mu.Lock()
	for t, rec := range c.tokens {
		if rec.grant.NodeID == nodeID {
			delete(c.tokens, t)
		}
	}
	c.tokens[token] = &issuedToken{grant: grant}
	c.mu.Unlock()

	if c.store != nil {
		// Revoke persisted grants first so a superseded token cannot be
		// resurrected through the store lookup in checkToken.
		if err := c.store.InvalidateNodeTokens(ctx, nodeID); err != nil {
			return nil, NewTransientError("invalidating prior join tokens", err).WithNode(nodeID)
		}
		if err := c.store.SaveJoinToken(ctx, &grant); err != nil {
			return nil, NewTransientError("persisting join token", err).WithNode(nodeID)
		}
	}

	c.logger.Info().
		Str("node_id", nodeID).
		Time("expires_at", grant.ExpiresAt).
		Msg("Join token issued")

	c.bus.Publish(telemetry.Event{
		Type: telemetry.EventTypeJoinRequested,
		Node: nodeID,
	})
	return &grant, nil
}

// CompleteJoin validates the presented token and registers the node with
// the cluster. Registration is retried on transient failure with
// exponential backoff; exhausting retries transitions the node to failed
// and surfaces the last error. On success the node becomes ready and the
// token is consumed.
func (c *Coordinator) CompleteJoin(ctx context.Context, nodeID, token string) error {
	if err := c.checkToken(ctx, nodeID, token); err != nil {
		c.logger.Warn().
			Str("node_id", nodeID).
			Err(err).
			Msg("Join token rejected")
		c.bus.Publish(telemetry.Event{
			Type:    telemetry.EventTypeJoinFailed,
			Node:    nodeID,
			Level:   telemetry.EventLevelWarning,
			Message: err.Error(),
		})
		return err
	}

	if err := c.topology.Transition(nodeID, JoinStateJoining, ""); err != nil {
		return err
	}

	regErr := c.registerWithRetry(ctx, nodeID)
	if regErr != nil {
		if terr := c.topology.Transition(nodeID, JoinStateFailed, regErr.Error()); terr != nil {
			c.logger.Error().Err(terr).Str("node_id", nodeID).Msg("Failed to mark node failed")
		}
		c.bus.Publish(telemetry.Event{
			Type:    telemetry.EventTypeJoinFailed,
			Node:    nodeID,
			Level:   telemetry.EventLevelError,
			Message: regErr.Error(),
		})
		return regErr
	}

	c.consumeToken(ctx, token)

	if err := c.topology.Transition(nodeID, JoinStateReady, ""); err != nil {
		return err
	}
	if err := c.topology.RecordHeartbeat(nodeID); err != nil {
		return err
	}

	c.logger.Info().Str("node_id", nodeID).Msg("Node joined")
	c.bus.Publish(telemetry.Event{
		Type: telemetry.EventTypeJoinCompleted,
		Node: nodeID,
	})
	return nil
}

// checkToken validates a presented token without consuming it. Expired and
// used tokens are distinguishable to the caller; a token bound to a
// different node is reported as unknown to avoid leaking issuance state.
// Tokens missing from memory are looked up in the store, so grants issued
// by a previous controller process remain valid.
func (c *Coordinator) checkToken(ctx context.Context, nodeID, token string) error {
	c.mu.Lock()
	rec, ok := c.tokens[token]
	c.mu.Unlock()

	if !ok && c.store != nil {
		grant, used, err := c.store.LookupJoinToken(ctx, token)
		if err == nil && grant != nil {
			rec = &issuedToken{grant: *grant, used: used}
			c.mu.Lock()
			c.tokens[token] = rec
			c.mu.Unlock()
			ok = true
		}
	}

	if !ok || rec.grant.NodeID != nodeID {
		return ErrTokenUnknown
	}
	if rec.used {
		return ErrTokenAlreadyUsed
	}
	if c.now().After(rec.grant.ExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}

func (c *Coordinator) consumeToken(ctx context.Context, token string) {
	c.mu.Lock()
	if rec, ok := c.tokens[token]; ok {
		rec.used = true
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.MarkJoinTokenUsed(ctx, token); err != nil {
			c.logger.Error().Err(err).Msg("Failed to mark join token used")
		}
	}
}

// registerWithRetry performs the cluster registration handshake with
// bounded retries and exponential backoff.
func (c *Coordinator) registerWithRetry(ctx context.Context, nodeID string) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		err := c.cluster.RegisterNode(attemptCtx, nodeID, c.opts.CAFingerprint)
		cancel()

		if err == nil {
			return nil
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			err = NewTransientError("registration handshake timed out", err).
				WithCode(ErrCodeHandshakeTimeout).WithNode(nodeID)
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
		if attempt < c.opts.MaxRetries {
			delay := backoffDelay(c.opts.BaseBackoff, attempt)
			c.logger.Warn().
				Str("node_id", nodeID).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Err(err).
				Msg("Registration failed, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return NewTransientError("join cancelled", ctx.Err()).WithNode(nodeID)
			}
		}
	}
	return NewPermanentError(
		fmt.Sprintf("node registration failed after %d attempts", c.opts.MaxRetries), lastErr,
	).WithNode(nodeID)
}

// Bootstrap installs the agent on a freshly provisioned host over the
// given transport and completes the join in one step. The install command
// receives the token and controller identity via flags; the remote agent
// calls back for the handshake, which Bootstrap then drives.
func (c *Coordinator) Bootstrap(ctx context.Context, nodeID string, transport BootstrapTransport) error {
	grant, err := c.RequestJoin(ctx, nodeID)
	if err != nil {
		return err
	}

	cmd := fmt.Sprintf(
		"helmstead-agent install --controller %s --token %s --ca-fingerprint %s",
		grant.ControllerID, grant.Token, grant.CAFingerprint,
	)
	if _, stderr, err := transport.Run(ctx, cmd); err != nil {
		// The handshake never started, so the node stays unjoined and the
		// token remains valid for a retry.
		c.logger.Error().
			Str("node_id", nodeID).
			Str("stderr", stderr).
			Err(err).
			Msg("Agent install failed")
		return NewTransientError("agent install failed", err).WithNode(nodeID)
	}

	return c.CompleteJoin(ctx, nodeID, grant.Token)
}

// generateToken returns a 32-byte random token, hex encoded.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// backoffDelay computes exponential backoff with jitter, capped at one
// minute.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > time.Minute {
			delay = time.Minute
			break
		}
	}
	if n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)/4+1)); err == nil {
		delay += time.Duration(n.Int64())
	}
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
