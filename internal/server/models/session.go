package models

import "time"

// Session states. Terminated is absorbing: no repository operation moves a
// session out of it.
const (
	SessionStatusCreated    = "created"
	SessionStatusActive     = "active"
	SessionStatusFlagged    = "flagged"
	SessionStatusLoggedOut  = "logged_out"
	SessionStatusTerminated = "terminated"
)

// Session is the fingerprint recorded at login (or last rotation) for one
// active session. Consulted on every refresh, destroyed on logout,
// revocation, or hijack termination.
type Session struct {
	ID        string
	SubjectID string
	IP        string
	UserAgent string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Risk levels produced by session integrity checks and threat detectors,
// ordered by increasing severity.
const (
	RiskLevelNone     = "none"
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// riskRank orders risk levels for aggregation (highest wins).
var riskRank = map[string]int{
	RiskLevelNone:     0,
	RiskLevelLow:      1,
	RiskLevelMedium:   2,
	RiskLevelHigh:     3,
	RiskLevelCritical: 4,
}

// MaxRiskLevel returns the more severe of two risk levels.
func MaxRiskLevel(a, b string) string {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// Recommendations attached to security verdicts.
const (
	RecommendationNone             = "none"
	RecommendationMonitor          = "monitor"
	RecommendationBlock            = "block"
	RecommendationTerminateSession = "terminate_session"
	RecommendationTerminateOldest  = "terminate_oldest_sessions"
)
