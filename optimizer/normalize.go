package optimizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fablecast/fablecast"
)

// Fields that vary per call without changing the provider's answer.
// They are stripped before key derivation so retries and equivalent
// requests share a cache entry.
var volatileFields = map[string]bool{
	"request_id":   true,
	"timestamp":    true,
	"callback_url": true,
	"trace_id":     true,
	"session_id":   true,
	"nonce":        true,
}

// Numeric audio parameters rounded to two decimals so float noise from
// client-side sliders does not fragment the cache.
var roundedFields = map[string]bool{
	"speed":            true,
	"pitch":            true,
	"volume":           true,
	"rate":             true,
	"temperature":      true,
	"stability":        true,
	"similarity_boost": true,
}

// NormalizeParams returns the canonical form of params: volatile fields
// stripped, strings trimmed, audio numerics rounded to two decimals,
// nested maps normalized recursively. Idempotent:
// NormalizeParams(NormalizeParams(p)) equals NormalizeParams(p).
func NormalizeParams(params map[string]any) map[string]any {
	normalized := make(map[string]any, len(params))
	for key, value := range params {
		if volatileFields[key] {
			continue
		}
		normalized[key] = normalizeValue(key, value)
	}
	return normalized
}

func normalizeValue(key string, value any) any {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if roundedFields[key] {
			return math.Round(v*100) / 100
		}
		return v
	case float32:
		if roundedFields[key] {
			return math.Round(float64(v)*100) / 100
		}
		return float64(v)
	case map[string]any:
		return NormalizeParams(v)
	default:
		return v
	}
}

// userScoped reports whether results for (serviceType, method) depend on
// the calling user, in which case the user id is part of the cache key.
// Voice cloning always operates on the caller's own voice library.
func userScoped(serviceType fablecast.ServiceType, method string) bool {
	if serviceType == fablecast.ServiceVoiceClone {
		return true
	}
	return strings.HasPrefix(method, "list_user_") || method == "get_profile"
}

// CacheKey derives the memoization key for a request from the service
// type, method and normalized parameters. Two requests differing only in
// volatile fields produce the same key.
func CacheKey(request *fablecast.ServiceRequest) string {
	var builder strings.Builder
	builder.WriteString(string(request.ServiceType))
	builder.WriteByte('|')
	builder.WriteString(request.Method)
	builder.WriteByte('|')
	if userScoped(request.ServiceType, request.Method) {
		builder.WriteString(request.UserID)
	}
	builder.WriteByte('|')
	writeCanonical(&builder, NormalizeParams(request.Params))

	digest := sha256.Sum256([]byte(builder.String()))
	return "fablecast:cache:" + hex.EncodeToString(digest[:])
}

// writeCanonical renders a normalized value deterministically: map keys
// sorted, no dependence on iteration order.
func writeCanonical(builder *strings.Builder, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		builder.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				builder.WriteByte(',')
			}
			builder.WriteString(key)
			builder.WriteByte(':')
			writeCanonical(builder, v[key])
		}
		builder.WriteByte('}')
	case []any:
		builder.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				builder.WriteByte(',')
			}
			writeCanonical(builder, item)
		}
		builder.WriteByte(']')
	default:
		fmt.Fprintf(builder, "%v", v)
	}
}

// cacheTTL picks the method-aware TTL tier: reference listings change
// rarely, status polls go stale in minutes, everything else sits in
// between.
func (o *Optimizer) cacheTTL(method string) time.Duration {
	switch {
	case strings.HasPrefix(method, "list_") || strings.HasPrefix(method, "get_voices") || method == "voices" || method == "models":
		return o.config.LongTTL
	case strings.HasPrefix(method, "status") || strings.HasPrefix(method, "get_status") || strings.HasPrefix(method, "poll"):
		return o.config.ShortTTL
	default:
		return o.config.MediumTTL
	}
}
