package telemetry

// SessionTags returns standard tags for a build session span.
func SessionTags(sessionID string, sourceBytes int) map[string]string {
	return map[string]string{
		"operation":    "build",
		"session_id":   sessionID,
		"source_bytes": itoa(sourceBytes),
	}
}

// StageTags returns standard tags for one pipeline stage span.
func StageTags(sessionID, stage string) map[string]string {
	return map[string]string{
		"operation":  "stage",
		"session_id": sessionID,
		"stage":      stage,
	}
}

// TerminationTags returns standard tags describing how the compiler ended.
func TerminationTags(kind string, exitCode int) map[string]string {
	return map[string]string{
		"termination": kind,
		"exit_code":   itoa(exitCode),
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	result := ""
	for n > 0 {
		result = string(rune('0'+n%10)) + result
		n /= 10
	}
	if neg {
		result = "-" + result
	}
	return result
}
