package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvasilenko/authguard/internal/common"
	"github.com/dvasilenko/authguard/internal/logging"
	"github.com/dvasilenko/authguard/internal/server/models"
	tokenrepo "github.com/dvasilenko/authguard/internal/server/repositories/tokens"
	"github.com/google/uuid"
)

// RotationGuard assesses fingerprint consistency before a refresh token is
// rotated. Implemented by the session security validator.
type RotationGuard interface {
	// AssessRotation compares the fingerprint recorded on the token with the
	// one observed on the rotation request and returns a risk level from the
	// models.RiskLevel* set.
	AssessRotation(ctx context.Context, sessionID string, recorded, observed models.Fingerprint) (string, error)
}

// Config carries the token service policy knobs.
type Config struct {
	// Secret is the HMAC key for signing access and pre-auth tokens.
	Secret []byte
	// AccessTTL is the access token lifetime (15 minutes recommended).
	AccessTTL time.Duration
	// RefreshTTL is the refresh token lifetime (7 days recommended).
	RefreshTTL time.Duration
	// PreAuthTTL bounds the MFA interim token.
	PreAuthTTL time.Duration
	// RotationGrace is the window after a rotation during which presenting
	// the rotated-away token is treated as a benign race instead of theft:
	// the caller still gets ErrTokenReused but the family survives. Keep it
	// at a few seconds at most.
	RotationGrace time.Duration
}

// Service issues, verifies, rotates, and revokes tokens.
type Service struct {
	store  tokenrepo.Store
	guard  RotationGuard
	cfg    Config
	logger logging.Logger
	now    func() time.Time
}

// NewService constructs a token service. guard may be nil, in which case
// rotation skips the fingerprint assessment.
func NewService(store tokenrepo.Store, guard RotationGuard, cfg Config, logger logging.Logger) *Service {
	return &Service{store: store, guard: guard, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the clock source. Test seam.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueTokenPair mints a fresh access/refresh pair rooted in a brand new
// token family and session, and durably records the refresh token.
func (s *Service) IssueTokenPair(ctx context.Context, subjectID string, scope []string, fp models.Fingerprint) (*models.TokenPair, error) {
	sessionID := uuid.NewString()
	family := uuid.NewString()
	return s.mintPair(ctx, subjectID, scope, fp, sessionID, family, 0)
}

// IssuePreAuthToken mints a short-lived token proving that primary
// credentials were verified while MFA is still pending. Not persisted.
func (s *Service) IssuePreAuthToken(ctx context.Context, subjectID string) (string, error) {
	tok, err := signToken(subjectID, "", nil, models.TokenTypePreAuth, s.cfg.Secret, s.now(), s.cfg.PreAuthTTL, uuid.NewString())
	if err != nil {
		return "", common.ErrorInternal
	}
	return tok, nil
}

// VerifyAccessToken verifies signature, expiry, and token type. Pure
// computation: no store I/O, usable on every request's hot path.
func (s *Service) VerifyAccessToken(token string) (*AccessClaims, error) {
	return parseToken(token, s.cfg.Secret, models.TokenTypeAccess, s.now)
}

// VerifyPreAuthToken verifies an MFA interim token.
func (s *Service) VerifyPreAuthToken(token string) (*AccessClaims, error) {
	return parseToken(token, s.cfg.Secret, models.TokenTypePreAuth, s.now)
}

// VerifyAndRotateRefreshToken exchanges a live refresh token for a new pair.
//
// Presenting an already-revoked token revokes the whole family (reuse after
// rotation is a theft signal) unless it happened inside the rotation grace
// window. A critical fingerprint mismatch aborts the rotation with
// ErrSessionHijackSuspected. Store outages surface as ErrServiceUnavailable;
// this path never fails open.
func (s *Service) VerifyAndRotateRefreshToken(ctx context.Context, token string, fp models.Fingerprint) (*models.TokenPair, error) {
	now := s.now()
	hash := common.HashToken(token)

	rec, err := s.store.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("%w: token lookup: %v", common.ErrServiceUnavailable, err)
	}

	if rec.Revoked {
		if s.cfg.RotationGrace > 0 && now.Sub(rec.LastUsedAt) <= s.cfg.RotationGrace {
			// A legitimate client raced its own rotation; the winner already
			// holds the new pair. No family punishment.
			return nil, common.ErrTokenReused
		}
		if _, ferr := s.store.RevokeFamily(ctx, rec.TokenFamily); ferr != nil {
			return nil, fmt.Errorf("%w: family revocation: %v", common.ErrServiceUnavailable, ferr)
		}
		s.logger.Warn(ctx, "refresh token replay, family revoked",
			"subject", rec.SubjectID, "family", rec.TokenFamily)
		return nil, common.ErrTokenReused
	}

	if !now.Before(rec.ExpiresAt) {
		return nil, common.ErrTokenExpired
	}

	if s.guard != nil {
		risk, gerr := s.guard.AssessRotation(ctx, rec.SessionID, rec.LastUsedFP, fp)
		if gerr != nil {
			return nil, fmt.Errorf("%w: fingerprint assessment: %v", common.ErrServiceUnavailable, gerr)
		}
		if risk == models.RiskLevelCritical {
			return nil, &common.SessionHijackError{SessionID: rec.SessionID, SubjectID: rec.SubjectID}
		}
	}

	var pair *models.TokenPair
	err = s.store.InTx(ctx, func(ctx context.Context, repo tokenrepo.Repository) error {
		rotated, rerr := repo.Revoke(ctx, rec.ID)
		if rerr != nil {
			return fmt.Errorf("%w: revoke: %v", common.ErrServiceUnavailable, rerr)
		}
		if !rotated {
			// Lost a concurrent rotation race on the same token. The winner
			// committed first; this caller gets the reuse verdict.
			return common.ErrTokenReused
		}
		if terr := repo.TouchUsage(ctx, rec.ID, fp, now); terr != nil {
			return fmt.Errorf("%w: touch usage: %v", common.ErrServiceUnavailable, terr)
		}
		var merr error
		pair, merr = s.mintPairIn(ctx, repo, rec.SubjectID, nil, fp, rec.SessionID, rec.TokenFamily, rec.RotationCount+1)
		return merr
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug(ctx, "refresh token rotated",
		"subject", rec.SubjectID, "family", rec.TokenFamily, "rotation", rec.RotationCount+1)
	return pair, nil
}

// RevokeToken revokes the refresh token. Idempotent: revoking an already
// revoked or unknown token is not an error. The bool reports whether this call
// performed the revocation; the record (nil for unknown tokens) lets callers
// clean up the associated session.
func (s *Service) RevokeToken(ctx context.Context, token string) (*models.RefreshTokenRecord, bool, error) {
	rec, err := s.store.FindByHash(ctx, common.HashToken(token))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: token lookup: %v", common.ErrServiceUnavailable, err)
	}
	revoked, err := s.store.Revoke(ctx, rec.ID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: revoke: %v", common.ErrServiceUnavailable, err)
	}
	return rec, revoked, nil
}

// RevokeAllForSubject revokes every live refresh token of the subject.
func (s *Service) RevokeAllForSubject(ctx context.Context, subjectID string) (int64, error) {
	n, err := s.store.RevokeAllForSubject(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("%w: revoke all: %v", common.ErrServiceUnavailable, err)
	}
	return n, nil
}

// mintPair creates and stores a refresh record and signs the access token.
func (s *Service) mintPair(ctx context.Context, subjectID string, scope []string, fp models.Fingerprint, sessionID, family string, rotation int) (*models.TokenPair, error) {
	return s.mintPairIn(ctx, s.store, subjectID, scope, fp, sessionID, family, rotation)
}

func (s *Service) mintPairIn(ctx context.Context, repo tokenrepo.Repository, subjectID string, scope []string, fp models.Fingerprint, sessionID, family string, rotation int) (*models.TokenPair, error) {
	now := s.now()

	access, err := signToken(subjectID, sessionID, scope, models.TokenTypeAccess, s.cfg.Secret, now, s.cfg.AccessTTL, uuid.NewString())
	if err != nil {
		return nil, common.ErrorInternal
	}
	refresh, err := common.MakeRandHexString(32)
	if err != nil {
		return nil, common.ErrorInternal
	}

	rec := &models.RefreshTokenRecord{
		ID:            uuid.NewString(),
		SubjectID:     subjectID,
		SessionID:     sessionID,
		TokenHash:     common.HashToken(refresh),
		TokenFamily:   family,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.cfg.RefreshTTL),
		RotationCount: rotation,
		LastUsedFP:    fp,
		LastUsedAt:    now,
	}
	if err := repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: store refresh token: %v", common.ErrServiceUnavailable, err)
	}

	return &models.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sessionID,
		ExpiresIn:    s.cfg.AccessTTL,
	}, nil
}
