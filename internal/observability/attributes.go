// Package observability provides metrics instruments and their attributes.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrQueue     = "queue"
	attrState     = "state"
	attrOutcome   = "outcome"
	attrReason    = "reason"
	attrKind      = "kind"
	attrDirection = "direction"
	attrOp        = "op"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func queueAttr(queue string) attribute.KeyValue {
	return attribute.String(attrQueue, queue)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func outcomeAttr(accepted bool) attribute.KeyValue {
	if accepted {
		return attribute.String(attrOutcome, "accepted")
	}
	return attribute.String(attrOutcome, "rejected")
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func directionAttr(direction string) attribute.KeyValue {
	return attribute.String(attrDirection, direction)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

// normalizePath replaces queue names and job ids with placeholders to keep
// label cardinality bounded:
//
//	/v1/queues/build/jobs/abc123 -> /v1/queues/{queue}/jobs/{jobId}
func normalizePath(path string) string {
	const prefix = "/v1/queues/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	if parts[0] == "" {
		return path
	}
	parts[0] = "{queue}"
	if len(parts) >= 3 && parts[1] == "jobs" && parts[2] != "" {
		parts[2] = "{jobId}"
	}
	if len(parts) >= 3 && parts[1] == "cache" && parts[2] != "" {
		parts[2] = "{jobId}"
	}
	return prefix + strings.Join(parts, "/")
}
