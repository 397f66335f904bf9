package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvasilenko/authguard/internal/server/models"
	"github.com/dvasilenko/authguard/internal/server/repositories/events"
)

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	// failures is the number of PutObject calls to reject before accepting.
	failures int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (s *fakeObjectStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("upload failed")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.objects[*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func seedEvents(t *testing.T, repo *events.MemoryRepository, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, repo.Append(context.Background(), &models.SecurityEvent{
			ID:        string(rune('a' + i)),
			Type:      models.EventLoginFailure,
			SubjectID: "alice",
			IP:        "203.0.113.1",
			Severity:  models.SeverityMedium,
			Details:   map[string]string{"endpoint": "login"},
			Timestamp: time.Date(2025, 3, 1, 12, 0, i, 0, time.UTC),
		}))
	}
}

func TestArchiverShipsAndMarks(t *testing.T) {
	repo := events.NewMemoryRepository()
	store := newFakeObjectStore()
	seedEvents(t, repo, 3)

	a := NewArchiver(repo, store, "audit-bucket", 100, testLogger())
	n, err := a.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, store.objects, 1)
	for _, body := range store.objects {
		sc := bufio.NewScanner(bytes.NewReader(body))
		var lines int
		for sc.Scan() {
			var rec archivedEvent
			require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
			assert.Equal(t, models.EventLoginFailure, rec.Type)
			assert.Equal(t, "alice", rec.SubjectID)
			lines++
		}
		assert.Equal(t, 3, lines)
	}

	// Everything is marked; the next pass has nothing to do.
	n, err = a.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestArchiverRetriesTransientUploadFailure(t *testing.T) {
	repo := events.NewMemoryRepository()
	store := newFakeObjectStore()
	store.failures = 2
	seedEvents(t, repo, 1)

	a := NewArchiver(repo, store, "audit-bucket", 100, testLogger())
	n, err := a.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, store.objects, 1)
}

func TestArchiverNoopWhenEmpty(t *testing.T) {
	repo := events.NewMemoryRepository()
	store := newFakeObjectStore()

	a := NewArchiver(repo, store, "audit-bucket", 100, testLogger())
	n, err := a.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, store.objects)
}
