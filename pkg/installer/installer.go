// Package installer manages cluster addons as Helm releases. EnsureRelease
// is install-or-noop: an addon already present at the requested version is
// left alone, so bootstrap can run repeatedly without churning releases.
package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helmstead/helmstead/pkg/engine"
)

// Release describes one addon to ensure on the cluster.
type Release struct {
	// Name is the release name.
	Name string `json:"name" yaml:"name"`

	// Chart is the chart reference (repo/chart or OCI URL).
	Chart string `json:"chart" yaml:"chart"`

	// Version pins the chart version. Empty means latest.
	Version string `json:"version,omitempty" yaml:"version"`

	// Namespace is the target namespace. Defaults to the release name.
	Namespace string `json:"namespace,omitempty" yaml:"namespace"`

	// Values are chart values passed as --set key=value pairs.
	Values map[string]string `json:"values,omitempty" yaml:"values"`
}

// Outcome describes what EnsureRelease did.
type Outcome string

const (
	// OutcomeInstalled means the release was newly installed.
	OutcomeInstalled Outcome = "installed"

	// OutcomeUnchanged means the release was already present at the
	// requested version.
	OutcomeUnchanged Outcome = "unchanged"

	// OutcomeUpgraded means the release was upgraded to the requested
	// version.
	OutcomeUpgraded Outcome = "upgraded"
)

// Result is the outcome of ensuring one release.
type Result struct {
	Release string  `json:"release"`
	Outcome Outcome `json:"outcome"`
	Version string  `json:"version,omitempty"`
}

// Installer ensures addon releases exist on the cluster.
type Installer interface {
	EnsureRelease(ctx context.Context, release Release) (*Result, error)
}

// Runner executes a command and returns its combined output. It exists so
// tests can substitute a fake for the helm binary.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// HelmInstaller ensures releases by shelling out to the helm binary.
type HelmInstaller struct {
	binary string
	run    Runner
	logger zerolog.Logger
}

// NewHelmInstaller creates an installer backed by the helm binary.
func NewHelmInstaller(logger zerolog.Logger) *HelmInstaller {
	return &HelmInstaller{
		binary: "helm",
		run:    execRunner,
		logger: logger.With().Str("component", "installer").Logger(),
	}
}

// WithRunner substitutes the command runner. Used by tests.
func (h *HelmInstaller) WithRunner(run Runner) *HelmInstaller {
	h.run = run
	return h
}

// listedRelease is the subset of `helm list -o json` output we consume.
type listedRelease struct {
	Name       string `json:"name"`
	Chart      string `json:"chart"`
	AppVersion string `json:"app_version"`
}

// EnsureRelease installs the release if absent, upgrades it if present at
// a different version, and does nothing otherwise.
func (h *HelmInstaller) EnsureRelease(ctx context.Context, release Release) (*Result, error) {
	if release.Name == "" || release.Chart == "" {
		return nil, engine.NewValidationError("release name and chart are required", nil)
	}
	namespace := release.Namespace
	if namespace == "" {
		namespace = release.Name
	}

	existing, err := h.findRelease(ctx, release.Name, namespace)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if release.Version == "" || strings.HasSuffix(existing.Chart, "-"+release.Version) {
			h.logger.Debug().
				Str("release", release.Name).
				Str("chart", existing.Chart).
				Msg("Release already present")
			return &Result{Release: release.Name, Outcome: OutcomeUnchanged, Version: release.Version}, nil
		}
		if err := h.helmApply(ctx, "upgrade", release, namespace); err != nil {
			return nil, err
		}
		h.logger.Info().
			Str("release", release.Name).
			Str("version", release.Version).
			Msg("Release upgraded")
		return &Result{Release: release.Name, Outcome: OutcomeUpgraded, Version: release.Version}, nil
	}

	if err := h.helmApply(ctx, "install", release, namespace); err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("release", release.Name).
		Str("chart", release.Chart).
		Str("version", release.Version).
		Msg("Release installed")
	return &Result{Release: release.Name, Outcome: OutcomeInstalled, Version: release.Version}, nil
}

func (h *HelmInstaller) findRelease(ctx context.Context, name, namespace string) (*listedRelease, error) {
	out, err := h.run(ctx, h.binary, "list", "--namespace", namespace, "-o", "json")
	if err != nil {
		return nil, engine.NewTransientError("helm list failed", err)
	}
	var releases []listedRelease
	if err := json.Unmarshal(out, &releases); err != nil {
		return nil, engine.NewPermanentError("parsing helm list output", err)
	}
	for i := range releases {
		if releases[i].Name == name {
			return &releases[i], nil
		}
	}
	return nil, nil
}

func (h *HelmInstaller) helmApply(ctx context.Context, verb string, release Release, namespace string) error {
	args := []string{verb, release.Name, release.Chart,
		"--namespace", namespace, "--create-namespace", "--wait"}
	if release.Version != "" {
		args = append(args, "--version", release.Version)
	}
	for key, value := range release.Values {
		args = append(args, "--set", fmt.Sprintf("%s=%s", key, value))
	}
	if _, err := h.run(ctx, h.binary, args...); err != nil {
		return engine.NewTransientError(fmt.Sprintf("helm %s failed", verb), err)
	}
	return nil
}
