package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrTaskNotFound is returned when an operation addresses an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTask is returned when a task cannot be stored (e.g. empty id).
	ErrInvalidTask = errors.New("invalid task")
)

// TaskStore is the authoritative keyed collection of tasks.
// Absence is reported through the bool result of Get, never as an error.
type TaskStore interface {
	Put(ctx context.Context, task *Task) error
	PutAll(ctx context.Context, tasks []*Task) error // Stores every task or none
	Get(ctx context.Context, id string) (*Task, bool, error)
	AllByStatus(ctx context.Context, status TaskStatus) ([]*Task, error)
	AllByMilestone(ctx context.Context, milestoneID string) ([]*Task, error)
	All(ctx context.Context) ([]*Task, error)
}

// MemoryStore is an in-memory TaskStore that preserves insertion order.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task // All tasks indexed by ID
	order []string         // IDs in first-insertion order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
	}
}

// Put inserts or replaces a task by id.
func (s *MemoryStore) Put(_ context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTask)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; !exists {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// PutAll inserts or replaces every task, or none when any has an empty id.
func (s *MemoryStore) PutAll(_ context.Context, tasks []*Task) error {
	for _, task := range tasks {
		if task == nil || task.ID == "" {
			return fmt.Errorf("%w: empty id", ErrInvalidTask)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range tasks {
		if _, exists := s.tasks[task.ID]; !exists {
			s.order = append(s.order, task.ID)
		}
		s.tasks[task.ID] = cloneTask(task)
	}
	return nil
}

// Get returns a copy of the task with the given id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, false, nil
	}
	return cloneTask(task), true, nil
}

// AllByStatus returns tasks with the given status in insertion order.
func (s *MemoryStore) AllByStatus(_ context.Context, status TaskStatus) ([]*Task, error) {
	return s.filter(func(t *Task) bool { return t.Status == status }), nil
}

// AllByMilestone returns tasks belonging to the milestone in insertion order.
func (s *MemoryStore) AllByMilestone(_ context.Context, milestoneID string) ([]*Task, error) {
	return s.filter(func(t *Task) bool { return t.MilestoneID == milestoneID }), nil
}

// All returns every task in insertion order.
func (s *MemoryStore) All(_ context.Context) ([]*Task, error) {
	return s.filter(func(*Task) bool { return true }), nil
}

func (s *MemoryStore) filter(keep func(*Task) bool) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := []*Task{}
	for _, id := range s.order {
		task := s.tasks[id]
		if keep(task) {
			tasks = append(tasks, cloneTask(task))
		}
	}
	return tasks
}
