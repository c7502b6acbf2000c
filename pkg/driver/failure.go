package driver

import (
	"fmt"
	"regexp"
)

// FailureKind tags a classified generation failure.
type FailureKind string

const (
	// FailureUnclassified covers everything without a dedicated recovery.
	FailureUnclassified FailureKind = "unclassified"
	// FailureThinkingTimeout fires when the backend stays silent too long.
	FailureThinkingTimeout FailureKind = "thinking_timeout"
	// FailureQuotaHit means the backend reported a usage limit.
	FailureQuotaHit FailureKind = "quota_hit"
	// FailureSessionStart means the generation died before its first turn.
	FailureSessionStart FailureKind = "session_start"
)

// Failure is a classified generation error. Detail carries the raw backend
// text where available so the supervisor can pattern-match secondary causes.
type Failure struct {
	Kind   FailureKind
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("generation failed: %s", f.Kind)
	}
	return fmt.Sprintf("generation failed: %s: %s", f.Kind, f.Detail)
}

// The backend has emitted these phrases both space-separated and joined by
// punctuation, so match words through any whitespace or punctuation run.
var (
	quotaRe        = regexp.MustCompile(`(?i)usage[\s\p{P}]+limit[\s\p{P}]+reached|hit[\s\p{P}]+the[\s\p{P}]+limit`)
	staleResumeRe  = regexp.MustCompile(`(?i)no[\s\p{P}]+conversation[\s\p{P}]+found`)
	exhaustedRe    = regexp.MustCompile(`(?i)unauthorized|\b401\b|rate[\s\p{P}]*limit|quota|over[\s\p{P}]*capacity`)
	accessDeniedRe = regexp.MustCompile(`(?i)access[\s\p{P}]+denied|permission[\s\p{P}]+denied|\b403\b`)
)

// IsQuotaText reports whether a result text indicates a usage-limit hit.
func IsQuotaText(text string) bool {
	return quotaRe.MatchString(text)
}

// IsStaleResumeText reports whether a failure text indicates the resumed
// conversation no longer exists on the backend.
func IsStaleResumeText(text string) bool {
	return staleResumeRe.MatchString(text)
}

// IsExhaustedText reports whether a failure text indicates the active
// credentials are unusable (auth, rate limit, capacity).
func IsExhaustedText(text string) bool {
	return exhaustedRe.MatchString(text)
}

// isAccessDeniedText matches permission errors that are neither quota nor
// credential exhaustion.
func isAccessDeniedText(text string) bool {
	return accessDeniedRe.MatchString(text)
}
