// Package source loads the desired workload set from YAML manifests.
//
// The file source is the single source of truth for desired state: every
// content change to a workload spec produces a new generation for that
// workload and a new revision for the set as a whole. Specs are never
// mutated in place. A filesystem watch notifies the reconciliation loop
// when manifests change.
package source
