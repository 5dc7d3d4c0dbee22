package services

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/taskrelay/backend/internal/models"
)

// transitions lists every allowed status edge. Status changes that are not
// listed here are rejected.
var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusDraft:              {models.TaskStatusAwaitingFields, models.TaskStatusCancelled},
	models.TaskStatusAwaitingFields:     {models.TaskStatusCandidatesProposed, models.TaskStatusCancelled},
	models.TaskStatusCandidatesProposed: {models.TaskStatusAssigned, models.TaskStatusCancelled},
	models.TaskStatusAssigned:           {models.TaskStatusInProgress, models.TaskStatusCancelled},
	models.TaskStatusInProgress:         {models.TaskStatusReturned, models.TaskStatusDone, models.TaskStatusCancelled},
	models.TaskStatusReturned:           {models.TaskStatusInProgress, models.TaskStatusCancelled},
	models.TaskStatusDone:               {models.TaskStatusArchived},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to models.TaskStatus) bool {
	return slices.Contains(transitions[from], to)
}

func transition(t *models.Task, to models.TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	return nil
}

// ---------------------------------------------------------------------------
// per-task locking
// ---------------------------------------------------------------------------

// keyedMutex serializes read-modify-write cycles per task id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*refLock)}
}

func (k *keyedMutex) lock(id uuid.UUID) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// inflightSet marks tasks whose trigger is waiting on an external call.
type inflightSet struct {
	mu  sync.Mutex
	ids map[uuid.UUID]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[uuid.UUID]struct{})}
}

func (s *inflightSet) acquire(id uuid.UUID) (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.ids[id]; busy {
		return nil, false
	}
	s.ids[id] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.ids, id)
		s.mu.Unlock()
	}, true
}
