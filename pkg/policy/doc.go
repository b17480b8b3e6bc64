// Package policy gates sync plans with OPA Rego policies.
//
// Built-in policies protect against destructive reconciliation: deletes
// of protected workloads, deletes triggered by self-heal, and images from
// registries outside the allowlist. Operators can layer additional .rego
// policies from a directory; any policy producing a deny violation of
// error severity blocks the plan.
package policy
