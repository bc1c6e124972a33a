// Package observability provides metrics and attribute helpers.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrState    = "state"
	attrStep     = "step"
	attrLauncher = "launcher"
	attrTestMode = "test_mode"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/abc123/stop -> /v1/jobs/{jobId}/stop
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func stepAttr(step string) attribute.KeyValue {
	return attribute.String(attrStep, step)
}

func launcherAttr(name string) attribute.KeyValue {
	return attribute.String(attrLauncher, name)
}

func testModeAttr(testMode bool) attribute.KeyValue {
	return attribute.Bool(attrTestMode, testMode)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if _, action, found := strings.Cut(rest, "/"); found {
		return prefix + "{jobId}/" + action
	}
	return prefix + "{jobId}"
}
