// Package engine composes the token service, session validator, rate
// limiter, threat detectors, and event log into the single surface the
// transport layer calls. Requests arrive already parsed; the engine returns
// decisions and tokens.
package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dvasilenko/authguard/internal/common"
	"github.com/dvasilenko/authguard/internal/logging"
	"github.com/dvasilenko/authguard/internal/server/models"
	"github.com/dvasilenko/authguard/internal/server/ratelimit"
	"github.com/dvasilenko/authguard/internal/server/repositories/events"
	"github.com/dvasilenko/authguard/internal/server/sessions"
	"github.com/dvasilenko/authguard/internal/server/threat"
	"github.com/dvasilenko/authguard/internal/server/tokens"
)

// Principal is the identity returned by the external credential verifier.
type Principal struct {
	SubjectID  string
	Scope      []string
	MFAEnabled bool
}

// CredentialVerifier is the external credential check (user store, LDAP,
// identity provider). The engine never sees plaintext credential storage;
// it only consumes the verdict. A failed check returns
// common.ErrInvalidCredentials.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, identifier, secret string) (*Principal, error)
}

// VerifierFunc adapts a plain function to the CredentialVerifier interface.
type VerifierFunc func(ctx context.Context, identifier, secret string) (*Principal, error)

func (f VerifierFunc) VerifyCredentials(ctx context.Context, identifier, secret string) (*Principal, error) {
	return f(ctx, identifier, secret)
}

// eventRecorder is the slice of the audit recorder the engine needs.
type eventRecorder interface {
	Record(ev *models.SecurityEvent)
}

// LoginResult is either a full token pair or an MFA challenge with a
// pre-auth token to be exchanged via CompleteMFA.
type LoginResult struct {
	RequiresMFA  bool
	PreAuthToken string
	Pair         *models.TokenPair
}

// Config carries engine-level policy.
type Config struct {
	// LoginRateLimit is the per-IP login attempt budget per window.
	LoginRateLimit  int64
	LoginRateWindow time.Duration
}

func DefaultConfig() Config {
	return Config{LoginRateLimit: 30, LoginRateWindow: time.Minute}
}

type Engine struct {
	verifier  CredentialVerifier
	tokens    *tokens.Service
	sessions  *sessions.Validator
	limiter   *ratelimit.Limiter
	detectors *threat.Registry
	recorder  eventRecorder
	events    events.Repository
	cfg       Config
	logger    logging.Logger
	now       func() time.Time
}

func New(verifier CredentialVerifier, tok *tokens.Service, sess *sessions.Validator,
	lim *ratelimit.Limiter, det *threat.Registry, rec eventRecorder,
	evrepo events.Repository, cfg Config, logger logging.Logger) *Engine {

	def := DefaultConfig()
	if cfg.LoginRateLimit <= 0 {
		cfg.LoginRateLimit = def.LoginRateLimit
	}
	if cfg.LoginRateWindow <= 0 {
		cfg.LoginRateWindow = def.LoginRateWindow
	}
	return &Engine{
		verifier:  verifier,
		tokens:    tok,
		sessions:  sess,
		limiter:   lim,
		detectors: det,
		recorder:  rec,
		events:    evrepo,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the clock source. Test seam.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// detectorEvents maps detector names to their audit event types.
var detectorEvents = map[string]string{
	"brute_force":         models.EventBruteForce,
	"credential_stuffing": models.EventCredentialStuffing,
	"geo_anomaly":         models.EventGeoAnomaly,
	"suspicious_agent":    models.EventSuspiciousAgent,
}

// Login runs the full inbound login pipeline: rate limit, lockout check,
// external credential verification, threat detector sweep, concurrency
// ceiling, then issuance (or an MFA challenge). Credential and verdict
// detail never reaches the caller; failures surface uniformly as
// ErrorUnauthorized while the specifics go to the event log.
func (e *Engine) Login(ctx context.Context, identifier, secret string, fp models.Fingerprint) (*LoginResult, error) {
	dec, err := e.limiter.CheckRateLimit(ctx, "login:"+fp.IP, e.cfg.LoginRateLimit, e.cfg.LoginRateWindow)
	if err != nil {
		return nil, common.ErrorInternal
	}
	if !dec.Allowed {
		e.record(models.EventRateLimited, "", fp, models.SeverityLow, map[string]string{"endpoint": "login"})
		return nil, &common.RateLimitedError{RetryAfter: dec.ResetAt}
	}

	ld, err := e.limiter.CheckFailedLoginAttempts(ctx, identifier)
	if err != nil {
		return nil, common.ErrorInternal
	}
	if !ld.Allowed {
		e.record(models.EventAccountLocked, "", fp, models.SeverityHigh, map[string]string{"identifier": identifier})
		return nil, &common.AccountLockedError{Until: ld.LockoutUntil}
	}

	principal, verr := e.verifier.VerifyCredentials(ctx, identifier, secret)

	sweep := e.detectors.Evaluate(ctx, threat.Signal{
		Identifier: identifier,
		IP:         fp.IP,
		UserAgent:  fp.UserAgent,
		Endpoint:   "login",
		Success:    verr == nil,
		Timestamp:  e.now(),
	})
	e.recordDetections(identifier, fp, sweep)

	if verr != nil {
		if !errors.Is(verr, common.ErrInvalidCredentials) {
			e.logger.Error(ctx, "credential verifier failed", "error", verr)
			return nil, common.ErrorInternal
		}
		lockedUntil, _ := e.limiter.RecordFailure(ctx, identifier)
		e.record(models.EventLoginFailure, "", fp, models.SeverityMedium, map[string]string{"identifier": identifier})
		if !lockedUntil.IsZero() {
			e.record(models.EventAccountLocked, "", fp, models.SeverityHigh, map[string]string{
				"identifier": identifier,
				"until":      lockedUntil.Format(time.RFC3339),
			})
		}
		return nil, common.ErrorUnauthorized
	}

	if sweep.Detected && sweep.Recommendation == models.RecommendationBlock {
		e.record(models.EventLoginFailure, principal.SubjectID, fp, models.SeverityHigh,
			map[string]string{"blocked_by": "threat_detection"})
		return nil, common.ErrorUnauthorized
	}

	e.limiter.RecordSuccess(ctx, identifier)

	if err := e.enforceSessionCeiling(ctx, principal.SubjectID, fp); err != nil {
		return nil, err
	}

	if principal.MFAEnabled {
		pre, err := e.tokens.IssuePreAuthToken(ctx, principal.SubjectID)
		if err != nil {
			return nil, common.ErrorInternal
		}
		e.record(models.EventMFARequired, principal.SubjectID, fp, models.SeverityInfo, nil)
		return &LoginResult{RequiresMFA: true, PreAuthToken: pre}, nil
	}

	return e.establishSession(ctx, principal, fp)
}

// CompleteMFA exchanges a pre-auth token for a full token pair after the
// second factor succeeded (second-factor verification itself is external).
func (e *Engine) CompleteMFA(ctx context.Context, preAuthToken string, fp models.Fingerprint) (*LoginResult, error) {
	claims, err := e.tokens.VerifyPreAuthToken(preAuthToken)
	if err != nil {
		e.record(models.EventLoginFailure, "", fp, models.SeverityMedium, map[string]string{"stage": "mfa"})
		return nil, common.ErrorUnauthorized
	}

	subjectID := claims.Subject
	if err := e.enforceSessionCeiling(ctx, subjectID, fp); err != nil {
		return nil, err
	}
	return e.establishSession(ctx, &Principal{SubjectID: subjectID}, fp)
}

// Refresh rotates a refresh token. A critical fingerprint mismatch flags
// and terminates the session before the caller sees the uniform
// unauthorized error. Store outages keep their ServiceUnavailable shape so
// the transport can answer 503 instead of 401.
func (e *Engine) Refresh(ctx context.Context, refreshToken string, fp models.Fingerprint) (*models.TokenPair, error) {
	pair, err := e.tokens.VerifyAndRotateRefreshToken(ctx, refreshToken, fp)
	if err != nil {
		var hijack *common.SessionHijackError
		switch {
		case errors.As(err, &hijack):
			if ferr := e.sessions.FlagSession(ctx, hijack.SessionID, "fingerprint mismatch on refresh"); ferr != nil {
				e.logger.Error(ctx, "failed to flag hijacked session", "session", hijack.SessionID, "error", ferr)
			}
			e.record(models.EventSessionHijack, hijack.SubjectID, fp, models.SeverityCritical,
				map[string]string{"session_id": hijack.SessionID})
			return nil, common.ErrorUnauthorized
		case errors.Is(err, common.ErrTokenReused):
			e.record(models.EventTokenReused, "", fp, models.SeverityHigh, nil)
			return nil, common.ErrorUnauthorized
		case errors.Is(err, common.ErrServiceUnavailable):
			return nil, err
		default:
			return nil, common.ErrorUnauthorized
		}
	}

	if err := e.sessions.NoteRotation(ctx, pair.SessionID, fp); err != nil {
		e.logger.Warn(ctx, "failed to update session fingerprint", "session", pair.SessionID, "error", err)
	}
	e.record(models.EventTokenRotated, "", fp, models.SeverityInfo, map[string]string{"session_id": pair.SessionID})
	return pair, nil
}

// Authorize verifies an access token. Pure computation, no store I/O.
func (e *Engine) Authorize(_ context.Context, accessToken string) (*tokens.AccessClaims, error) {
	claims, err := e.tokens.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, common.ErrorUnauthorized
	}
	return claims, nil
}

// Logout revokes the refresh token and ends its session. Idempotent:
// unknown or already revoked tokens are not an error.
func (e *Engine) Logout(ctx context.Context, refreshToken string, fp models.Fingerprint) error {
	rec, did, err := e.tokens.RevokeToken(ctx, refreshToken)
	if err != nil {
		return err
	}
	if rec == nil || !did {
		return nil
	}
	if serr := e.sessions.EndSession(ctx, rec.SessionID); serr != nil {
		e.logger.Warn(ctx, "failed to end session on logout", "session", rec.SessionID, "error", serr)
	}
	e.record(models.EventTokenRevoked, rec.SubjectID, fp, models.SeverityInfo,
		map[string]string{"session_id": rec.SessionID})
	return nil
}

// TerminateSubject revokes every token and session of a subject (admin or
// incident-response path).
func (e *Engine) TerminateSubject(ctx context.Context, subjectID string) error {
	if _, err := e.tokens.RevokeAllForSubject(ctx, subjectID); err != nil {
		return err
	}
	if _, err := e.sessions.TerminateAllForSubject(ctx, subjectID); err != nil {
		return err
	}
	e.record(models.EventSessionTerminated, subjectID, models.Fingerprint{}, models.SeverityHigh,
		map[string]string{"reason": "subject_terminated"})
	return nil
}

// Report aggregates event counts between from and to with the given bucket
// width, for compliance tooling.
func (e *Engine) Report(ctx context.Context, from, to time.Time, bucket time.Duration) ([]models.AuthReportRow, error) {
	return e.events.Report(ctx, from, to, bucket)
}

func (e *Engine) enforceSessionCeiling(ctx context.Context, subjectID string, fp models.Fingerprint) error {
	conc, err := e.sessions.CheckConcurrentSessions(ctx, subjectID)
	if err != nil {
		return common.ErrorInternal
	}
	if conc.Allowed {
		return nil
	}
	// Ceiling hit: terminate the oldest session instead of refusing the new
	// login outright.
	e.record(models.EventSessionLimitHit, subjectID, fp, models.SeverityMedium, map[string]string{
		"current": strconv.Itoa(conc.CurrentCount),
		"limit":   strconv.Itoa(conc.Limit),
	})
	if conc.OldestSessionID != "" {
		if terr := e.sessions.TerminateSession(ctx, conc.OldestSessionID); terr != nil {
			e.logger.Warn(ctx, "failed to terminate oldest session", "session", conc.OldestSessionID, "error", terr)
		}
	}
	return nil
}

func (e *Engine) establishSession(ctx context.Context, principal *Principal, fp models.Fingerprint) (*LoginResult, error) {
	pair, err := e.tokens.IssueTokenPair(ctx, principal.SubjectID, principal.Scope, fp)
	if err != nil {
		return nil, err
	}
	if err := e.sessions.RegisterSession(ctx, pair.SessionID, principal.SubjectID, fp); err != nil {
		return nil, common.ErrorInternal
	}
	e.record(models.EventLoginSuccess, principal.SubjectID, fp, models.SeverityInfo, nil)
	e.record(models.EventTokenIssued, principal.SubjectID, fp, models.SeverityInfo,
		map[string]string{"session_id": pair.SessionID})
	return &LoginResult{Pair: pair}, nil
}

func (e *Engine) recordDetections(identifier string, fp models.Fingerprint, sweep threat.Assessment) {
	for _, v := range sweep.Verdicts {
		if !v.Detected {
			continue
		}
		typ, ok := detectorEvents[v.Detector]
		if !ok {
			continue
		}
		details := map[string]string{"identifier": identifier}
		for i, ind := range v.Indicators {
			details["indicator_"+strconv.Itoa(i)] = ind
		}
		e.record(typ, "", fp, v.Severity, details)
	}
}

func (e *Engine) record(typ, subjectID string, fp models.Fingerprint, severity string, details map[string]string) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(&models.SecurityEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		SubjectID: subjectID,
		IP:        fp.IP,
		Severity:  severity,
		Details:   details,
		Timestamp: e.now(),
	})
}
