package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/dvasilenko/authguard/internal/common"
	"github.com/dvasilenko/authguard/internal/server/models"
)

// MemoryRepository is an in-memory Repository used in tests and single-node
// deployments. All operations hold one mutex, so the revoke-if-not-revoked
// check-and-set is atomic.
type MemoryRepository struct {
	mu       sync.Mutex
	byID     map[string]*models.RefreshTokenRecord
	byHash   map[string]string   // token hash -> id
	families map[string][]string // family -> ids
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:     make(map[string]*models.RefreshTokenRecord),
		byHash:   make(map[string]string),
		families: make(map[string][]string),
	}
}

func (r *MemoryRepository) Create(_ context.Context, rec *models.RefreshTokenRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.byID[rec.ID] = &cp
	r.byHash[rec.TokenHash] = rec.ID
	r.families[rec.TokenFamily] = append(r.families[rec.TokenFamily], rec.ID)
	return nil
}

func (r *MemoryRepository) FindByHash(_ context.Context, hash string) (*models.RefreshTokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHash[hash]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *MemoryRepository) Revoke(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok || rec.Revoked {
		return false, nil
	}
	rec.Revoked = true
	return true, nil
}

func (r *MemoryRepository) RevokeFamily(_ context.Context, family string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range r.families[family] {
		if rec := r.byID[id]; rec != nil && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) RevokeAllForSubject(_ context.Context, subjectID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rec := range r.byID {
		if rec.SubjectID == subjectID && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) TouchUsage(_ context.Context, id string, fp models.Fingerprint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	rec.LastUsedFP = fp
	rec.LastUsedAt = at
	return nil
}
