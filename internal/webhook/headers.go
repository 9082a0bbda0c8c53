// Package webhook holds the inbound side of the relay: header handling,
// signature verification, the Bitbucket Server push payload, and the
// response shape returned to API Gateway.
package webhook

import (
	"maps"
	"slices"
	"strings"
)

const (
	HeaderEventKey  = "x-event-key"
	HeaderSignature = "x-hub-signature"
	HeaderRequestID = "x-request-id"

	// EventKeyPing is sent by Bitbucket Server when the "Test connection"
	// button is used on the webhook settings page.
	EventKeyPing = "diagnostics:ping"
)

// Envelope is a single inbound notification as delivered by the gateway.
// Body holds the exact bytes the sender signed.
type Envelope struct {
	Headers map[string]string
	Body    []byte
}

// NormalizeHeaders returns a new map with every key lower-cased. When two
// keys differ only in case, the key that sorts first wins.
func NormalizeHeaders(headers map[string]string) map[string]string {
	normalized := make(map[string]string, len(headers))
	for _, key := range slices.Sorted(maps.Keys(headers)) {
		lower := strings.ToLower(key)
		if _, exists := normalized[lower]; exists {
			continue
		}
		normalized[lower] = headers[key]
	}
	return normalized
}

// HeadersFromMultiValue merges API Gateway's single and multi-value header
// maps. Single values take precedence; otherwise the first multi value is used.
func HeadersFromMultiValue(single map[string]string, multi map[string][]string) map[string]string {
	merged := make(map[string]string, len(single)+len(multi))
	for key, values := range multi {
		if len(values) > 0 {
			merged[key] = values[0]
		}
	}
	for key, value := range single {
		merged[key] = value
	}
	return merged
}
