// Package ssh provides the SSH transport used to bootstrap freshly
// provisioned nodes: it connects to the host, installs the agent, and
// hands control back to the join coordinator. It implements
// engine.BootstrapTransport.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/helmstead/helmstead/pkg/engine"
)

// Client is an SSH connection to one bootstrap target.
type Client struct {
	config *Config

	mu          sync.Mutex
	client      *ssh.Client
	isConnected bool
	connectedAt time.Time

	logger zerolog.Logger
}

// NewClient creates an SSH client for the given target.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isConnected && c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return engine.NewPermanentError("building ssh config", err).WithOp("connect")
	}

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return engine.NewTransientError("ssh connect cancelled", ctx.Err()).WithOp("connect")
	case err := <-errChan:
		return engine.NewTransientError("ssh connect failed", err).WithOp("connect")
	case client := <-connChan:
		c.client = client
		c.isConnected = true
		c.connectedAt = time.Now()
		c.logger.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Run executes a command on the remote host, connecting first if needed.
// It implements engine.BootstrapTransport.
func (c *Client) Run(ctx context.Context, command string) (string, string, error) {
	if err := c.Connect(ctx); err != nil {
		return "", "", err
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		return "", "", engine.NewTransientError("creating ssh session", err).WithOp("run")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	timeout := c.config.CommandTimeout
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-runCtx.Done():
		// Best effort: signal the remote process before abandoning it.
		_ = session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(),
			engine.NewTransientError("command timed out", runCtx.Err()).WithOp("run")
	case err := <-done:
		if err != nil {
			return stdout.String(), stderr.String(),
				engine.NewTransientError("command failed", err).WithOp("run")
		}
		return stdout.String(), stderr.String(), nil
	}
}

// Disconnect closes the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	c.isConnected = false
	c.logger.Debug().Msg("SSH connection closed")
	return err
}

// IsConnected reports whether the client holds an open connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected
}
