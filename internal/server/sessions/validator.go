// Package sessions implements the session security validator: fingerprint
// consistency checks, the concurrent-session ceiling, and the session state
// machine transitions.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvasilenko/authguard/internal/common"
	"github.com/dvasilenko/authguard/internal/logging"
	"github.com/dvasilenko/authguard/internal/server/models"
	sessionrepo "github.com/dvasilenko/authguard/internal/server/repositories/sessions"
	"github.com/google/uuid"
)

// eventRecorder is the slice of the audit recorder the validator needs.
type eventRecorder interface {
	Record(ev *models.SecurityEvent)
}

// IntegrityResult is the verdict of a fingerprint consistency check.
type IntegrityResult struct {
	Valid          bool
	RiskLevel      string
	Reasons        []string
	Recommendation string
}

// ConcurrencyResult is the verdict of a concurrent-session check.
type ConcurrencyResult struct {
	Allowed      bool
	CurrentCount int
	Limit        int
	// OldestSessionID is set when the ceiling is exceeded: the caller should
	// terminate that session instead of blocking the new login.
	OldestSessionID string
}

// Config carries validator policy.
type Config struct {
	// MaxConcurrentSessions is the per-subject ceiling (3–5 typical).
	MaxConcurrentSessions int
}

// Validator checks session integrity and enforces the session ceiling.
type Validator struct {
	repo     sessionrepo.Repository
	recorder eventRecorder
	cfg      Config
	logger   logging.Logger
	now      func() time.Time
}

// NewValidator constructs a Validator. recorder may be nil in tests.
func NewValidator(repo sessionrepo.Repository, recorder eventRecorder, cfg Config, logger logging.Logger) *Validator {
	return &Validator{repo: repo, recorder: recorder, cfg: cfg, logger: logger, now: time.Now}
}

// RegisterSession stores the fingerprint of a freshly logged-in session.
func (v *Validator) RegisterSession(ctx context.Context, sessionID, subjectID string, fp models.Fingerprint) error {
	now := v.now()
	s := &models.Session{
		ID:        sessionID,
		SubjectID: subjectID,
		IP:        fp.IP,
		UserAgent: fp.UserAgent,
		Status:    models.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := v.repo.Create(ctx, s); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

// ValidateSessionIntegrity compares the observed fingerprint against the one
// recorded for the session. Both dimensions changing at once is treated as a
// hijack signal; a single dimension is scored but tolerated, since mobile
// networks rotate IPs legitimately.
func (v *Validator) ValidateSessionIntegrity(ctx context.Context, sessionID string, observed models.Fingerprint) (*IntegrityResult, error) {
	s, err := v.repo.Find(ctx, sessionID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return &IntegrityResult{
				Valid:          false,
				RiskLevel:      models.RiskLevelHigh,
				Reasons:        []string{"unknown session"},
				Recommendation: models.RecommendationTerminateSession,
			}, nil
		}
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	if s.Status == models.SessionStatusTerminated || s.Status == models.SessionStatusLoggedOut {
		return &IntegrityResult{
			Valid:          false,
			RiskLevel:      models.RiskLevelHigh,
			Reasons:        []string{"session no longer active"},
			Recommendation: models.RecommendationTerminateSession,
		}, nil
	}

	recorded := models.Fingerprint{IP: s.IP, UserAgent: s.UserAgent}
	return assessFingerprints(recorded, observed), nil
}

// AssessRotation implements the token service's rotation guard: it scores
// the request fingerprint against the one bound to the token at last use.
func (v *Validator) AssessRotation(_ context.Context, _ string, recorded, observed models.Fingerprint) (string, error) {
	return assessFingerprints(recorded, observed).RiskLevel, nil
}

func assessFingerprints(recorded, observed models.Fingerprint) *IntegrityResult {
	ipChanged := recorded.IP != "" && observed.IP != "" && recorded.IP != observed.IP
	uaChanged := recorded.UserAgent != "" && observed.UserAgent != "" && recorded.UserAgent != observed.UserAgent

	switch {
	case ipChanged && uaChanged:
		return &IntegrityResult{
			Valid:          false,
			RiskLevel:      models.RiskLevelCritical,
			Reasons:        []string{"ip changed", "user agent changed"},
			Recommendation: models.RecommendationTerminateSession,
		}
	case ipChanged:
		return &IntegrityResult{
			Valid:          true,
			RiskLevel:      models.RiskLevelMedium,
			Reasons:        []string{"ip changed"},
			Recommendation: models.RecommendationMonitor,
		}
	case uaChanged:
		return &IntegrityResult{
			Valid:          true,
			RiskLevel:      models.RiskLevelLow,
			Reasons:        []string{"user agent changed"},
			Recommendation: models.RecommendationMonitor,
		}
	default:
		return &IntegrityResult{Valid: true, RiskLevel: models.RiskLevelNone, Recommendation: models.RecommendationNone}
	}
}

// CheckConcurrentSessions enforces the per-subject session ceiling. Store
// outages fail open: the login proceeds and a degraded event is recorded.
func (v *Validator) CheckConcurrentSessions(ctx context.Context, subjectID string) (*ConcurrencyResult, error) {
	n, err := v.repo.CountActive(ctx, subjectID)
	if err != nil {
		v.logger.Warn(ctx, "session store unavailable, failing open", "error", err)
		v.recordDegraded(subjectID, "concurrent session check skipped")
		return &ConcurrencyResult{Allowed: true, CurrentCount: -1, Limit: v.cfg.MaxConcurrentSessions}, nil
	}

	res := &ConcurrencyResult{CurrentCount: n, Limit: v.cfg.MaxConcurrentSessions}
	if n < v.cfg.MaxConcurrentSessions {
		res.Allowed = true
		return res, nil
	}

	res.Allowed = false
	oldest, err := v.repo.Oldest(ctx, subjectID)
	if err == nil {
		res.OldestSessionID = oldest
	}
	return res, nil
}

// NoteRotation records the fingerprint observed at a successful refresh
// rotation as the session's new baseline.
func (v *Validator) NoteRotation(ctx context.Context, sessionID string, fp models.Fingerprint) error {
	if err := v.repo.UpdateFingerprint(ctx, sessionID, fp); err != nil {
		return fmt.Errorf("update session fingerprint: %w", err)
	}
	return nil
}

// FlagSession marks a session suspected of hijack and terminates it.
func (v *Validator) FlagSession(ctx context.Context, sessionID, reason string) error {
	if err := v.repo.SetStatus(ctx, sessionID, models.SessionStatusFlagged); err != nil {
		return fmt.Errorf("flag session: %w", err)
	}
	if err := v.repo.SetStatus(ctx, sessionID, models.SessionStatusTerminated); err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	v.logger.Warn(ctx, "session flagged and terminated", "session", sessionID, "reason", reason)
	return nil
}

// EndSession performs an orderly logout transition.
func (v *Validator) EndSession(ctx context.Context, sessionID string) error {
	if err := v.repo.SetStatus(ctx, sessionID, models.SessionStatusLoggedOut); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return v.repo.SetStatus(ctx, sessionID, models.SessionStatusTerminated)
}

// TerminateSession forcibly terminates one session.
func (v *Validator) TerminateSession(ctx context.Context, sessionID string) error {
	return v.repo.SetStatus(ctx, sessionID, models.SessionStatusTerminated)
}

// TerminateAllForSubject terminates all of a subject's sessions.
func (v *Validator) TerminateAllForSubject(ctx context.Context, subjectID string) (int64, error) {
	return v.repo.TerminateAllForSubject(ctx, subjectID)
}

func (v *Validator) recordDegraded(subjectID, detail string) {
	if v.recorder == nil {
		return
	}
	v.recorder.Record(&models.SecurityEvent{
		ID:        uuid.NewString(),
		Type:      models.EventDegraded,
		SubjectID: subjectID,
		Severity:  models.SeverityDegraded,
		Details:   map[string]string{"detail": detail},
		Timestamp: v.now(),
	})
}
