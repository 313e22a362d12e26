package progression

import "time"

// Eligibility reasons.
const (
	ReasonBlockedAlreadyPassed = "already_passed"
	ReasonBlockedCooldown      = "cooldown_active"
	ReasonBlockedAttempts      = "attempts_exhausted"
)

// Eligibility is the decision on whether a scored attempt may proceed now.
type Eligibility struct {
	Allowed bool
	Reason  string
	RetryAt *time.Time
}

// CanAttempt decides retry eligibility purely from the stored result and the
// supplied clock reading; there is no scheduler behind it. A pass is terminal
// for scored attempts (the non-scored practice path bypasses this check
// entirely and never touches stored state).
func CanAttempt(prev *ExamResult, now time.Time) Eligibility {
	if prev == nil {
		return Eligibility{Allowed: true}
	}
	if prev.Passed {
		return Eligibility{Reason: ReasonBlockedAlreadyPassed}
	}
	if prev.CanRetryAt != nil && now.Before(*prev.CanRetryAt) {
		retry := *prev.CanRetryAt
		return Eligibility{Reason: ReasonBlockedCooldown, RetryAt: &retry}
	}
	return Eligibility{Allowed: true}
}

// attemptsExhausted applies the definition's attempt cap; -1 means unlimited.
func attemptsExhausted(ex *Exam, prev *ExamResult) bool {
	if ex.AllowedAttempts < 0 || prev == nil {
		return false
	}
	return prev.Attempts >= ex.AllowedAttempts
}
