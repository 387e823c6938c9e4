package scheduler

import (
	"strings"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Diagnosis kinds, in matching priority order.
const (
	DiagOrphaned    = "orphaned"
	DiagRateLimited = "rate-limited"
	DiagTimeout     = "timeout"
	DiagPersistent  = "persistent"
	DiagTransient   = "transient"
	DiagUnknown     = "unknown"
)

// Diagnosis classifies a failed run and carries the recovery decision.
type Diagnosis struct {
	Kind string
	// Retry is false for the deactivating kinds (orphaned, persistent).
	Retry bool
	// MaxBackoff pins the retry delay to the ladder's last rung.
	MaxBackoff bool
	// Recommendation is the human-readable advice included in notifications.
	Recommendation string
}

// normalizePrefix reduces an error string to a comparable prefix so that two
// runs failing "the same way" match even when trailing detail differs.
func normalizePrefix(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Diagnose classifies the current failure given the task's recent run log
// (newest first, current run excluded).
func Diagnose(current string, recent []*store.TaskRun) Diagnosis {
	lower := strings.ToLower(current)

	switch {
	case containsAny(lower, "group not found", "chat not found"):
		return Diagnosis{
			Kind:           DiagOrphaned,
			Recommendation: "The chat this task belongs to no longer exists. The task has been deactivated.",
		}
	case containsAny(lower, "rate limit", "429", "too many requests", "api error"):
		return Diagnosis{
			Kind:           DiagRateLimited,
			Retry:          true,
			MaxBackoff:     true,
			Recommendation: "The upstream API is rate limiting. Retrying with maximum backoff.",
		}
	case containsAny(lower, "timeout", "timed out", "idle timeout"):
		return Diagnosis{
			Kind:           DiagTimeout,
			Retry:          true,
			Recommendation: "The run timed out. Consider increasing the task idle timeout if this recurs.",
		}
	}

	// Pattern checks over the run history need at least two prior failures.
	var prior []string
	for _, r := range recent {
		if r.Status == store.RunError && r.Error != "" {
			prior = append(prior, normalizePrefix(r.Error))
		}
	}
	if len(prior) >= 2 {
		norm := normalizePrefix(current)
		identical := 0
		for _, p := range prior {
			if p == norm {
				identical++
			}
		}
		if identical >= 2 {
			return Diagnosis{
				Kind:           DiagPersistent,
				Recommendation: "The task keeps failing the same way. It has been paused; fix the underlying problem and resume it.",
			}
		}
		return Diagnosis{
			Kind:           DiagTransient,
			Retry:          true,
			Recommendation: "Recent failures differ from each other. Retrying.",
		}
	}

	return Diagnosis{
		Kind:           DiagUnknown,
		Retry:          true,
		Recommendation: "Unrecognized failure. Retrying.",
	}
}
