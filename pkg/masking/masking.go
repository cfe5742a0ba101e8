// Package masking redacts provider references and client details before they
// reach operator output.
package masking

import "strings"

const maskToken = "****"

// MaskReference keeps a provider prefix such as "pm_" and the last four
// characters.
func MaskReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskFields returns a copy of input with the named string fields masked.
// Other values are copied unchanged.
func MaskFields(input map[string]any, keys ...string) map[string]any {
	if input == nil {
		return nil
	}
	sensitive := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		sensitive[key] = struct{}{}
	}

	out := make(map[string]any, len(input))
	for key, value := range input {
		if _, ok := sensitive[key]; ok {
			if s, isString := value.(string); isString {
				out[key] = MaskReference(s)
				continue
			}
		}
		out[key] = value
	}
	return out
}

func splitPrefix(value string) (string, string) {
	idx := strings.Index(value, "_")
	if idx <= 0 || idx == len(value)-1 {
		return "", value
	}
	return value[:idx+1], value[idx+1:]
}
