package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvasilenko/authguard/internal/common"
	"github.com/dvasilenko/authguard/internal/logging"
	"github.com/dvasilenko/authguard/internal/server/counters"
	"github.com/dvasilenko/authguard/internal/server/models"
	"github.com/dvasilenko/authguard/internal/server/ratelimit"
	eventrepo "github.com/dvasilenko/authguard/internal/server/repositories/events"
	sessionrepo "github.com/dvasilenko/authguard/internal/server/repositories/sessions"
	tokenrepo "github.com/dvasilenko/authguard/internal/server/repositories/tokens"
	"github.com/dvasilenko/authguard/internal/server/sessions"
	"github.com/dvasilenko/authguard/internal/server/threat"
	"github.com/dvasilenko/authguard/internal/server/tokens"
)

var (
	fpA = models.Fingerprint{IP: "192.0.2.1", UserAgent: "Mozilla/5.0 (X11; Linux) Firefox/125"}
	fpB = models.Fingerprint{IP: "198.51.100.9", UserAgent: "Mozilla/5.0 (Windows NT 10.0) Edge/122"}
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type captureRecorder struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (r *captureRecorder) Record(ev *models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *captureRecorder) byType(t string) []*models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SecurityEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type stubVerifier struct {
	principals map[string]*Principal
	secret     string
}

func (v *stubVerifier) VerifyCredentials(_ context.Context, identifier, secret string) (*Principal, error) {
	p, ok := v.principals[identifier]
	if !ok || secret != v.secret {
		return nil, common.ErrInvalidCredentials
	}
	return p, nil
}

type fixture struct {
	engine   *Engine
	recorder *captureRecorder
	sessRepo *sessionrepo.MemoryRepository
	evRepo   *eventrepo.MemoryRepository
	clock    *time.Time
}

func newFixture(t *testing.T, detectors ...threat.Detector) *fixture {
	t.Helper()
	logger := testLogger()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	recorder := &captureRecorder{}
	sessRepo := sessionrepo.NewMemoryRepository()
	evRepo := eventrepo.NewMemoryRepository()

	validator := sessions.NewValidator(sessRepo, recorder, sessions.Config{MaxConcurrentSessions: 3}, logger)

	tokSvc := tokens.NewService(tokenrepo.NewMemoryRepository(), validator, tokens.Config{
		Secret:        []byte("test-secret"),
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		PreAuthTTL:    5 * time.Minute,
		RotationGrace: 0,
	}, logger).WithClock(clock)

	limiter := ratelimit.NewLimiter(counters.NewMemoryStoreWithClock(clock), nil, recorder, ratelimit.Config{
		LoginFailLimit:  5,
		LoginFailWindow: 15 * time.Minute,
		LockoutBase:     15 * time.Minute,
	}, logger).WithClock(clock)

	registry := threat.NewRegistry(logger, detectors...)
	verifier := &stubVerifier{
		secret: "correct horse",
		principals: map[string]*Principal{
			"alice": {SubjectID: "subj-alice"},
			"bob":   {SubjectID: "subj-bob", MFAEnabled: true},
		},
	}

	eng := New(verifier, tokSvc, validator, limiter, registry, recorder, evRepo,
		Config{LoginRateLimit: 100, LoginRateWindow: time.Minute}, logger).WithClock(clock)

	return &fixture{engine: eng, recorder: recorder, sessRepo: sessRepo, evRepo: evRepo, clock: &now}
}

func TestLoginIssuesPairAndRegistersSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Login(ctx, "alice", "correct horse", fpA)
	require.NoError(t, err)
	require.False(t, res.RequiresMFA)
	require.NotNil(t, res.Pair)
	assert.NotEmpty(t, res.Pair.AccessToken)
	assert.NotEmpty(t, res.Pair.RefreshToken)

	sess, err := f.sessRepo.Find(ctx, res.Pair.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, sess.Status)
	assert.Equal(t, fpA.IP, sess.IP)

	assert.Len(t, f.recorder.byType(models.EventLoginSuccess), 1)
	assert.Len(t, f.recorder.byType(models.EventTokenIssued), 1)
}

func TestLoginInvalidCredentialsUniformError(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Login(context.Background(), "alice", "wrong", fpA)
	require.ErrorIs(t, err, common.ErrorUnauthorized)

	// Unknown identifier yields the same error shape: no account oracle.
	_, err2 := f.engine.Login(context.Background(), "nobody", "wrong", fpA)
	require.ErrorIs(t, err2, common.ErrorUnauthorized)
	assert.Equal(t, err.Error(), err2.Error())

	assert.Len(t, f.recorder.byType(models.EventLoginFailure), 2)
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.engine.Login(ctx, "alice", "wrong", fpA)
		require.ErrorIs(t, err, common.ErrorUnauthorized)
	}

	// Attempt 6 is refused before credentials are even checked.
	_, err := f.engine.Login(ctx, "alice", "correct horse", fpA)
	require.ErrorIs(t, err, common.ErrAccountLocked)

	var locked *common.AccountLockedError
	require.ErrorAs(t, err, &locked)
	assert.True(t, locked.Until.After(*f.clock))
	assert.NotEmpty(t, f.recorder.byType(models.EventAccountLocked))
}

func TestLoginRateLimitedPerIP(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.LoginRateLimit = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.engine.Login(ctx, "alice", "correct horse", fpA)
		require.NoError(t, err)
	}

	_, err := f.engine.Login(ctx, "alice", "correct horse", fpA)
	require.ErrorIs(t, err, common.ErrRateLimited)
	assert.Len(t, f.recorder.byType(models.EventRateLimited), 1)

	// A different IP still has budget.
	_, err = f.engine.Login(ctx, "alice", "correct horse", fpB)
	require.NoError(t, err)
}

func TestLoginMFAFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Login(ctx, "bob", "correct horse", fpA)
	require.NoError(t, err)
	require.True(t, res.RequiresMFA)
	require.NotEmpty(t, res.PreAuthToken)
	require.Nil(t, res.Pair)
	assert.Len(t, f.recorder.byType(models.EventMFARequired), 1)

	// The pre-auth token is not an access token.
	_, err = f.engine.Authorize(ctx, res.PreAuthToken)
	require.ErrorIs(t, err, common.ErrorUnauthorized)

	full, err := f.engine.CompleteMFA(ctx, res.PreAuthToken, fpA)
	require.NoError(t, err)
	require.NotNil(t, full.Pair)

	claims, err := f.engine.Authorize(ctx, full.Pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "subj-bob", claims.Subject)
}

func TestCompleteMFARejectsGarbage(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CompleteMFA(context.Background(), "not-a-token", fpA)
	require.ErrorIs(t, err, common.ErrorUnauthorized)
}

func TestRefreshRotatesAndUpdatesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Login(ctx, "alice", "correct horse", fpA)
	require.NoError(t, err)

	pair, err := f.engine.Refresh(ctx, res.Pair.RefreshToken, fpA)
	require.NoError(t, err)
	assert.Equal(t, res.Pair.SessionID, pair.SessionID)
	assert.NotEqual(t, res.Pair.RefreshToken, pair.RefreshToken)
	assert.Len(t, f.recorder.byType(models.EventTokenRotated), 1)

	// Replaying the consumed token is reuse.
	_, err = f.engine.Refresh(ctx, res.Pair.RefreshToken, fpA)
	require.ErrorIs(t, err, common.ErrorUnauthorized)
	assert.Len(t, f.recorder.byType(models.EventTokenReused), 1)
}

func TestRefreshFromDifferentIPAndAgentIsHijack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Login from IP A binds session S1 to A.
	res, err := f.engine.Login(ctx, "alice", "correct horse", fpA)
	require.NoError(t, err)

	// Refresh for S1 from IP B with a different user-agent.
	_, err = f.engine.Refresh(ctx, res.Pair.RefreshToken, fpB)
	require.ErrorIs(t, err, common.ErrorUnauthorized)

	hijacks := f.recorder.byType(models.EventSessionHijack)
	require.Len(t, hijacks, 1)
	assert.Equal(t, models.SeverityCritical, hijacks[0].Severity)
	assert.Equal(t, res.Pair.SessionID, hijacks[0].Details["session_id"])

	sess, err := f.sessRepo.Find(ctx, res.Pair.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTerminated, sess.Status)
}

func TestRefreshSingleDimensionChangeTolerated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Login(ctx, "alice", "correct horse", fpA)
	require.NoError(t, err)

	// Same user-agent, new IP: a mobile network rotating addresses.
	moved := models.Fingerprint{IP: fpB.IP, UserAgent: fpA.UserAgent}
	pair, err := f.engine.Refresh(ctx, res.Pair.RefreshToken, moved)
	require.NoError(t, err)
	require.NotNil(t, pair)
}

func TestLogoutEndsSessionIdempotently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Login(ctx, "alice", "correct horse", fpA)
	require.NoError(t, err)

	require.NoError(t, f.engine.Logout(ctx, res.Pair.RefreshToken, fpA))

	sess, err := f.sessRepo.Find(ctx, res.Pair.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTerminated, sess.Status)
	assert.Len(t, f.recorder.byType(models.EventTokenRevoked), 1)

	// Second logout and unknown tokens are no-ops.
	require.NoError(t, f.engine.Logout(ctx, res.Pair.RefreshToken, fpA))
	require.NoError(t, f.engine.Logout(ctx, "never-issued", fpA))
	assert.Len(t, f.recorder.byType(models.EventTokenRevoked), 1)

	// The revoked refresh token cannot rotate anymore.
	_, err = f.engine.Refresh(ctx, res.Pair.RefreshToken, fpA)
	require.ErrorIs(t, err, common.ErrorUnauthorized)
}

func TestLoginCeilingTerminatesOldest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var first *LoginResult
	for i := 0; i < 3; i++ {
		res, err := f.engine.Login(ctx, "alice", "correct horse", fpA)
		require.NoError(t, err)
		if first == nil {
			first = res
		}
		*f.clock = f.clock.Add(time.Minute)
	}

	// Fourth login exceeds the ceiling of 3; it still succeeds, at the cost
	// of the oldest session.
	res, err := f.engine.Login(ctx, "alice", "correct horse", fpA)
	require.NoError(t, err)
	require.NotNil(t, res.Pair)
	assert.Len(t, f.recorder.byType(models.EventSessionLimitHit), 1)

	sess, err := f.sessRepo.Find(ctx, first.Pair.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTerminated, sess.Status)
}

func TestLoginBlockedByThreatDetection(t *testing.T) {
	bf := threat.NewBruteForce(counters.NewMemoryStore(), threat.BruteForceConfig{Threshold: 3, Window: time.Minute})
	f := newFixture(t, bf)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.engine.Login(ctx, "alice", "wrong", fpA)
		require.ErrorIs(t, err, common.ErrorUnauthorized)
	}

	// Third attempt trips the volumetric detector; even correct credentials
	// are refused while the burst is in flight.
	_, err := f.engine.Login(ctx, "alice", "correct horse", fpA)
	require.ErrorIs(t, err, common.ErrorUnauthorized)
	assert.NotEmpty(t, f.recorder.byType(models.EventBruteForce))
}

func TestTerminateSubjectKillsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1, err := f.engine.Login(ctx, "alice", "correct horse", fpA)
	require.NoError(t, err)
	r2, err := f.engine.Login(ctx, "alice", "correct horse", fpB)
	require.NoError(t, err)

	require.NoError(t, f.engine.TerminateSubject(ctx, "subj-alice"))

	for _, res := range []*LoginResult{r1, r2} {
		_, err := f.engine.Refresh(ctx, res.Pair.RefreshToken, fpA)
		require.ErrorIs(t, err, common.ErrorUnauthorized)

		sess, err := f.sessRepo.Find(ctx, res.Pair.SessionID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusTerminated, sess.Status)
	}
}

func TestReportAggregatesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.evRepo.Append(ctx, &models.SecurityEvent{
			ID:        "e" + string(rune('0'+i)),
			Type:      models.EventLoginFailure,
			Severity:  models.SeverityMedium,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rows, err := f.engine.Report(ctx, base, base.Add(time.Hour), time.Hour)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].Count)
	assert.Equal(t, models.EventLoginFailure, rows[0].Type)
}
