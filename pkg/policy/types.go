package policy

import (
	"time"

	"github.com/helmstead/helmstead/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the plan.
	SeverityError Severity = "error"
)

// Policy is one Rego policy rule.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`
}

// Violation is a single policy violation.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Severity is the violation severity.
	Severity string `json:"severity"`

	// Workload is the affected workload, if any.
	Workload string `json:"workload,omitempty"`

	// Message describes the violation.
	Message string `json:"message"`
}

// Result is the outcome of evaluating a plan against all policies.
type Result struct {
	// Allowed is false when any error-severity violation occurred.
	Allowed bool `json:"allowed"`

	// Violations lists everything the policies denied.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that could not be evaluated.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Input is the document handed to Rego evaluation.
type Input struct {
	// Plan is the sync plan under evaluation.
	Plan *engine.SyncPlan `json:"plan"`

	// Context carries evaluation context.
	Context *Context `json:"context"`
}

// Context describes the circumstances of an evaluation.
type Context struct {
	// Timestamp is when the evaluation started.
	Timestamp time.Time `json:"timestamp"`

	// SelfHeal is true when the plan was produced by the drift watcher.
	SelfHeal bool `json:"self_heal"`

	// AllowedRegistries restricts image references when non-empty.
	AllowedRegistries []string `json:"allowed_registries,omitempty"`

	// Protected lists workloads that must never be deleted.
	Protected []string `json:"protected,omitempty"`
}
