package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskrelay/backend/internal/models"
)

// storeData is the full contents of a non-Postgres store.
type storeData struct {
	Tasks      []*models.Task      `yaml:"tasks"`
	Candidates []*models.Candidate `yaml:"candidates"`
}

// MemoryStore keeps tasks and candidates in process memory. It implements the
// same contract as TaskRepo and CandidateRepo, including the version check on
// Update. Returned records are copies.
type MemoryStore struct {
	mu      sync.Mutex
	data    storeData
	persist func(*storeData) error
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(t.ID) >= 0 {
		return ErrVersionConflict
	}
	t.Version = 1
	t.UpdatedAt = s.now()
	s.data.Tasks = append(s.data.Tasks, t.Clone())
	return s.flush()
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	return s.data.Tasks[i].Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(t.ID)
	if i < 0 {
		return ErrNotFound
	}
	if s.data.Tasks[i].Version != t.Version {
		return ErrVersionConflict
	}
	prev := s.data.Tasks[i]
	t.Version++
	t.UpdatedAt = s.now()
	s.data.Tasks[i] = t.Clone()
	if err := s.flush(); err != nil {
		s.data.Tasks[i] = prev
		t.Version--
		return err
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Task, 0, len(s.data.Tasks))
	for _, t := range s.data.Tasks {
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b *models.Task) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Task
	for _, t := range s.data.Tasks {
		if !t.Status.Terminal() {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, c *models.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = s.now()
	cp := *c
	cp.SkillTags = slices.Clone(c.SkillTags)
	for i, existing := range s.data.Candidates {
		if existing.UserID == c.UserID {
			cp.CompletedTasks = max(cp.CompletedTasks, existing.CompletedTasks)
			c.CompletedTasks = cp.CompletedTasks
			s.data.Candidates[i] = &cp
			return s.flush()
		}
	}
	s.data.Candidates = append(s.data.Candidates, &cp)
	return s.flush()
}

func (s *MemoryStore) GetCandidate(_ context.Context, userID string) (*models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.data.Candidates {
		if c.UserID == userID {
			cp := *c
			cp.SkillTags = slices.Clone(c.SkillTags)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]*models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Candidate, 0, len(s.data.Candidates))
	for _, c := range s.data.Candidates {
		cp := *c
		cp.SkillTags = slices.Clone(c.SkillTags)
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *models.Candidate) int {
		if c := b.LastActiveAt.Compare(a.LastActiveAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) indexOf(id uuid.UUID) int {
	return slices.IndexFunc(s.data.Tasks, func(t *models.Task) bool { return t.ID == id })
}

func (s *MemoryStore) flush() error {
	if s.persist == nil {
		return nil
	}
	return s.persist(&s.data)
}
