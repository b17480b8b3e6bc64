package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedWorkloadsPolicy(),
		selfHealScopePolicy(),
		imageAllowlistPolicy(),
	}
}

// protectedWorkloadsPolicy blocks deletes of workloads named in the
// protected list.
func protectedWorkloadsPolicy() Policy {
	return Policy{
		Name:        "protected-workloads",
		Description: "Blocks delete actions targeting protected workloads",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"prune", "safety"},
		Rego: `package helmstead.policies.protected

import rego.v1

deny contains violation if {
	some action in input.plan.actions
	action.type == "delete"
	some name in input.context.protected
	action.workload == name
	violation := {
		"message": sprintf("workload %s is protected and may not be deleted", [name]),
		"severity": "error",
		"workload": name,
	}
}
`,
	}
}

// selfHealScopePolicy keeps corrective passes non-destructive: a plan
// triggered by self-heal may not delete workloads.
func selfHealScopePolicy() Policy {
	return Policy{
		Name:        "self-heal-scope",
		Description: "Blocks delete actions in plans triggered by self-heal",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"drift", "safety"},
		Rego: `package helmstead.policies.selfheal

import rego.v1

deny contains violation if {
	input.context.self_heal
	some action in input.plan.actions
	action.type == "delete"
	violation := {
		"message": sprintf("self-heal may not delete workload %s", [action.workload]),
		"severity": "error",
		"workload": action.workload,
	}
}
`,
	}
}

// imageAllowlistPolicy restricts new and updated workload images to the
// configured registries.
func imageAllowlistPolicy() Policy {
	return Policy{
		Name:        "image-allowlist",
		Description: "Restricts workload images to allowed registries",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"images", "supply-chain"},
		Rego: `package helmstead.policies.images

import rego.v1

registry_allowed(image) if {
	some registry in input.context.allowed_registries
	startswith(image, registry)
}

deny contains violation if {
	count(input.context.allowed_registries) > 0
	some action in input.plan.actions
	action.type in {"create", "update"}
	image := action.desired.image
	not registry_allowed(image)
	violation := {
		"message": sprintf("image %s is not from an allowed registry", [image]),
		"severity": "error",
		"workload": action.workload,
	}
}
`,
	}
}
