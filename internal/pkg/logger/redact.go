package logger

import "strings"

// RedactPhone masks a phone number for safe logging, keeping only the last
// four digits. "+14155552671" → "+1******2671". Numbers too short to mask
// meaningfully are fully masked.
func RedactPhone(number string) string {
	trimmed := strings.TrimSpace(number)
	prefix := ""
	if strings.HasPrefix(trimmed, "+") {
		prefix = "+"
		trimmed = trimmed[1:]
	}
	if len(trimmed) <= 4 {
		return "***"
	}
	masked := strings.Repeat("*", len(trimmed)-4) + trimmed[len(trimmed)-4:]
	if len(trimmed) >= 10 {
		// Keep the country-ish leading digit for debuggability
		masked = trimmed[:1] + masked[1:]
	}
	return prefix + masked
}
