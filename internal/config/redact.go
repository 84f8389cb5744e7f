package config

import "strings"

// secretKeySubstrings marks opt keys whose values must never be logged.
var secretKeySubstrings = []string{"token", "secret", "password", "key"}

// RedactOpts returns a copy of an opts map with secret-ish values masked.
func RedactOpts(opts map[string]any) map[string]any {
	if opts == nil {
		return nil
	}
	out := make(map[string]any, len(opts))
	for k, v := range opts {
		if isSecretKey(k) {
			out[k] = "***"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = RedactOpts(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(k string) bool {
	lk := strings.ToLower(k)
	for _, s := range secretKeySubstrings {
		if strings.Contains(lk, s) {
			return true
		}
	}
	return false
}
