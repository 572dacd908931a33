package driver

import (
	"fmt"
	"sort"
)

// maskedValue replaces secret values in logged environments.
const maskedValue = "[MASKED_SECRET]"

// secretEnvKeys lists environment keys whose values must never be logged.
var secretEnvKeys = map[string]bool{
	"GITHUB_TOKEN": true,
}

// EnvMap builds the worker environment contract from a spec. Optional
// entries (token, extra context) are only present when set, so workers can
// distinguish "absent" from "empty".
func EnvMap(spec WorkSpec) map[string]string {
	env := map[string]string{
		"AGENT_ROLE":          string(spec.Role),
		"REPO_URL":            spec.RepoURL,
		"FEATURE_ID":          spec.FeatureID,
		"PROJECT_ID":          spec.ProjectID,
		"FEATURE_NAME":        spec.FeatureName,
		"FEATURE_DESCRIPTION": spec.FeatureDescription,
		"BASE_BRANCH":         spec.BaseBranch,
		"WORKSPACE":           spec.Workspace,
	}
	if spec.Token != "" {
		env["GITHUB_TOKEN"] = spec.Token
	}
	if spec.ExtraContext != "" {
		env["EXTRA_CONTEXT"] = spec.ExtraContext
	}
	return env
}

// MaskedEnv returns a copy of env safe for logging, with secret values
// replaced.
func MaskedEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if secretEnvKeys[k] && v != "" {
			out[k] = maskedValue
			continue
		}
		out[k] = v
	}
	return out
}

// flattenEnv renders an env map as sorted K=V pairs for exec.Cmd.
func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}
