package event

// Payload accessors. Handlers receive event data as generic maps either
// straight from a publisher or after a JSON round trip through the
// store, so the same logical value can arrive as more than one Go type.
// These helpers centralise the coercion.

// GetString returns the string value at key, or "" when absent or not a
// string.
func GetString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// GetFloat returns the numeric value at key as a float64. JSON decoding
// yields float64, but publishers inside the process may store ints.
func GetFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// GetInt64 returns the numeric value at key truncated to int64.
func GetInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// GetBool returns the boolean value at key, or false when absent.
func GetBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

// GetMap returns the nested map at key, or nil when absent.
func GetMap(data map[string]interface{}, key string) map[string]interface{} {
	if v, ok := data[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// GetStrings returns the string slice at key, accepting both []string
// and the []interface{} a JSON round trip produces.
func GetStrings(data map[string]interface{}, key string) []string {
	switch v := data[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
