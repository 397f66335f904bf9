package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/dvasilenko/authguard/internal/common"
	"github.com/dvasilenko/authguard/internal/server/models"
)

// MemoryRepository is an in-memory Repository for tests and single-node use.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[string]*models.Session
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*models.Session)}
}

func live(s *models.Session) bool {
	return s.Status != models.SessionStatusLoggedOut && s.Status != models.SessionStatusTerminated
}

func (r *MemoryRepository) Create(_ context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.byID[s.ID] = &cp
	return nil
}

func (r *MemoryRepository) Find(_ context.Context, id string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) CountActive(_ context.Context, subjectID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, s := range r.byID {
		if s.SubjectID == subjectID && live(s) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Oldest(_ context.Context, subjectID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *models.Session
	for _, s := range r.byID {
		if s.SubjectID != subjectID || !live(s) {
			continue
		}
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return "", common.ErrorNotFound
	}
	return oldest.ID, nil
}

func (r *MemoryRepository) SetStatus(_ context.Context, id string, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	if s.Status == models.SessionStatusTerminated {
		return nil
	}
	s.Status = status
	s.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) UpdateFingerprint(_ context.Context, id string, fp models.Fingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	s.IP = fp.IP
	s.UserAgent = fp.UserAgent
	s.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) TerminateAllForSubject(_ context.Context, subjectID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.byID {
		if s.SubjectID == subjectID && s.Status != models.SessionStatusTerminated {
			s.Status = models.SessionStatusTerminated
			s.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}
