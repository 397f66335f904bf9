package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/dvasilenko/authguard/internal/logging"
	"github.com/dvasilenko/authguard/internal/server/models"
	sessionrepo "github.com/dvasilenko/authguard/internal/server/repositories/sessions"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type captureRecorder struct {
	events []*models.SecurityEvent
}

func (c *captureRecorder) Record(ev *models.SecurityEvent) { c.events = append(c.events, ev) }

func newTestValidator(limit int) (*Validator, *sessionrepo.MemoryRepository, *captureRecorder) {
	repo := sessionrepo.NewMemoryRepository()
	rec := &captureRecorder{}
	return NewValidator(repo, rec, Config{MaxConcurrentSessions: limit}, testLogger()), repo, rec
}

var fpA = models.Fingerprint{IP: "203.0.113.7", UserAgent: "cli/1.0"}

func TestValidateSessionIntegrity_Clean(t *testing.T) {
	v, _, _ := newTestValidator(3)
	ctx := context.Background()
	require.NoError(t, v.RegisterSession(ctx, "s1", "subj-1", fpA))

	res, err := v.ValidateSessionIntegrity(ctx, "s1", fpA)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, models.RiskLevelNone, res.RiskLevel)
}

func TestValidateSessionIntegrity_BothChangedIsCritical(t *testing.T) {
	v, _, _ := newTestValidator(3)
	ctx := context.Background()
	require.NoError(t, v.RegisterSession(ctx, "s1", "subj-1", fpA))

	observed := models.Fingerprint{IP: "198.51.100.4", UserAgent: "other/9.9"}
	res, err := v.ValidateSessionIntegrity(ctx, "s1", observed)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, models.RiskLevelCritical, res.RiskLevel)
	require.Equal(t, models.RecommendationTerminateSession, res.Recommendation)
	require.Len(t, res.Reasons, 2)
}

func TestValidateSessionIntegrity_SingleDimensionTolerated(t *testing.T) {
	v, _, _ := newTestValidator(3)
	ctx := context.Background()
	require.NoError(t, v.RegisterSession(ctx, "s1", "subj-1", fpA))

	// IP change alone: mobile networks rotate addresses.
	res, err := v.ValidateSessionIntegrity(ctx, "s1", models.Fingerprint{IP: "198.51.100.4", UserAgent: fpA.UserAgent})
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, models.RiskLevelMedium, res.RiskLevel)

	// UA change alone scores lower.
	res, err = v.ValidateSessionIntegrity(ctx, "s1", models.Fingerprint{IP: fpA.IP, UserAgent: "other/9.9"})
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, models.RiskLevelLow, res.RiskLevel)
}

func TestValidateSessionIntegrity_UnknownSession(t *testing.T) {
	v, _, _ := newTestValidator(3)

	res, err := v.ValidateSessionIntegrity(context.Background(), "ghost", fpA)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, models.RiskLevelHigh, res.RiskLevel)
}

func TestCheckConcurrentSessions_CeilingRecommendsOldest(t *testing.T) {
	v, _, _ := newTestValidator(2)
	ctx := context.Background()
	require.NoError(t, v.RegisterSession(ctx, "s1", "subj-1", fpA))
	require.NoError(t, v.RegisterSession(ctx, "s2", "subj-1", fpA))

	res, err := v.CheckConcurrentSessions(ctx, "subj-1")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 2, res.CurrentCount)
	require.Equal(t, "s1", res.OldestSessionID)
}

func TestCheckConcurrentSessions_UnderLimit(t *testing.T) {
	v, _, _ := newTestValidator(3)
	ctx := context.Background()
	require.NoError(t, v.RegisterSession(ctx, "s1", "subj-1", fpA))

	res, err := v.CheckConcurrentSessions(ctx, "subj-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.CurrentCount)
}

type downSessionRepo struct {
	sessionrepo.Repository
}

func (downSessionRepo) CountActive(context.Context, string) (int, error) {
	return 0, errors.New("connection refused")
}

func TestCheckConcurrentSessions_FailsOpenWithDegradedEvent(t *testing.T) {
	rec := &captureRecorder{}
	v := NewValidator(downSessionRepo{}, rec, Config{MaxConcurrentSessions: 3}, testLogger())

	res, err := v.CheckConcurrentSessions(context.Background(), "subj-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Len(t, rec.events, 1)
	require.Equal(t, models.EventDegraded, rec.events[0].Type)
	require.Equal(t, models.SeverityDegraded, rec.events[0].Severity)
}

func TestFlagSession_TerminatesAndStaysTerminated(t *testing.T) {
	v, repo, _ := newTestValidator(3)
	ctx := context.Background()
	require.NoError(t, v.RegisterSession(ctx, "s1", "subj-1", fpA))

	require.NoError(t, v.FlagSession(ctx, "s1", "hijack suspected"))

	got, err := repo.Find(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusTerminated, got.Status)

	// Terminated is absorbing: a later logout cannot resurrect the session.
	require.NoError(t, v.EndSession(ctx, "s1"))
	got, err = repo.Find(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusTerminated, got.Status)
}
