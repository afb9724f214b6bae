package backend

import "math"

// sanitizeForJSON recursively replaces NaN/Inf floats with nil and
// normalizes slices, mirroring mics_api_client.py's _sanitize_for_json: the
// backend enforces strict JSON and rejects non-finite floats outright.
func sanitizeForJSON(v any) any {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = sanitizeForJSON(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeForJSON(inner)
		}
		return out
	default:
		return v
	}
}
