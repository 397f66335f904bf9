package models

import "time"

// Security event types written to the append-only event log.
const (
	EventLoginSuccess       = "login_success"
	EventLoginFailure       = "login_failure"
	EventMFARequired        = "mfa_required"
	EventRateLimited        = "rate_limited"
	EventAccountLocked      = "account_locked"
	EventTokenIssued        = "token_issued"
	EventTokenRotated       = "token_rotated"
	EventTokenRevoked       = "token_revoked"
	EventTokenReused        = "token_reuse_detected"
	EventFamilyRevoked      = "token_family_revoked"
	EventSessionHijack      = "session_hijack_suspected"
	EventSessionTerminated  = "session_terminated"
	EventSessionLimitHit    = "session_limit_exceeded"
	EventBruteForce         = "brute_force_detected"
	EventCredentialStuffing = "credential_stuffing_detected"
	EventGeoAnomaly         = "geo_anomaly_detected"
	EventSuspiciousAgent    = "suspicious_agent_detected"
	EventDegraded           = "degraded"
)

// Event severities. SeverityDegraded marks dependency-failure events emitted
// on the fail-open path so compliance can see every degradation.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
	SeverityDegraded = "degraded"
)

// SecurityEvent is one append-only audit record. Events are never mutated or
// deleted within the engine's lifetime.
type SecurityEvent struct {
	ID        string
	Type      string
	SubjectID string
	IP        string
	Severity  string
	Details   map[string]string
	Timestamp time.Time
}

// AuthReportRow is one bucket of the aggregated security report consumed by
// compliance tooling.
type AuthReportRow struct {
	Bucket   time.Time
	Type     string
	Severity string
	Count    int64
}
