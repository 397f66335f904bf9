package tokens

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dvasilenko/authguard/internal/common"
	"github.com/dvasilenko/authguard/internal/server/models"
	"github.com/stretchr/testify/require"
)

func memRecord(id, family string) *models.RefreshTokenRecord {
	return &models.RefreshTokenRecord{
		ID:          id,
		SubjectID:   "subj-1",
		SessionID:   "sess-1",
		TokenHash:   "hash-" + id,
		TokenFamily: family,
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestMemoryRepository_CreateFind(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, memRecord("a", "f1")))

	got, err := repo.FindByHash(ctx, "hash-a")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)

	_, err = repo.FindByHash(ctx, "nope")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestMemoryRepository_RevokeIsOneShot(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, memRecord("a", "f1")))

	ok, err := repo.Revoke(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.Revoke(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryRepository_RevokeConcurrent_ExactlyOneWinner(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, memRecord("a", "f1")))

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Revoke(ctx, "a")
			require.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for ok := range wins {
		if ok {
			winners++
		}
	}
	require.Equal(t, 1, winners)
}

func TestMemoryRepository_RevokeFamily(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, memRecord("a", "f1")))
	require.NoError(t, repo.Create(ctx, memRecord("b", "f1")))
	require.NoError(t, repo.Create(ctx, memRecord("c", "f2")))

	n, err := repo.RevokeFamily(ctx, "f1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	got, err := repo.FindByHash(ctx, "hash-c")
	require.NoError(t, err)
	require.False(t, got.Revoked)
}

func TestMemoryRepository_RevokeAllForSubject(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, memRecord("a", "f1")))
	require.NoError(t, repo.Create(ctx, memRecord("b", "f2")))

	n, err := repo.RevokeAllForSubject(ctx, "subj-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = repo.RevokeAllForSubject(ctx, "subj-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}
