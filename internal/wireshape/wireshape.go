// Package wireshape holds the handful of helpers for picking fields out of
// the upstream broker's dynamically-shaped message envelopes. Both the
// upstream driver and the local HTTP server need to read the same
// attribute-bag shapes, so the parsing lives here rather than being
// duplicated in each.
package wireshape

import (
	"encoding/json"
	"fmt"
)

// StringField returns the first non-empty string value found under any of
// keys in m, formatting numeric JSON values as base-10 integers (the
// float64 is truncated to int64) so an upstream payload that sends an ID as
// a JSON number still round-trips as a string.
func StringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			return s
		}
		if n, ok := v.(float64); ok {
			return fmt.Sprintf("%d", int64(n))
		}
	}
	return ""
}

// InnerBody parses an outer message envelope's stringified "body" field
// into an attribute bag. Returns nil if the envelope or its body cannot be
// parsed.
func InnerBody(raw []byte) map[string]any {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil
	}

	bodyRaw, ok := outer["body"]
	if !ok {
		return nil
	}

	var bodyStr string
	if err := json.Unmarshal(bodyRaw, &bodyStr); err != nil {
		return nil
	}
	if bodyStr == "" {
		return nil
	}

	var inner map[string]any
	if err := json.Unmarshal([]byte(bodyStr), &inner); err != nil {
		return nil
	}
	return inner
}

// JobIDFromMessage extracts jobId|runner_request_id from a queued message's
// inner body, or "" if absent/unparseable.
func JobIDFromMessage(raw []byte) string {
	inner := InnerBody(raw)
	if inner == nil {
		return ""
	}
	return StringField(inner, "jobId", "runner_request_id")
}
