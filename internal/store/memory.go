package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tailorcv/pipeline/internal/job"
)

// MemoryStore implements Store in process memory with the same
// transition semantics as PostgresStore. It backs the test suites and
// broker-less local runs.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
	ttl  time.Duration

	// now is swappable so tests can drive the expiry horizon.
	now func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*job.Job),
		ttl:  ttl,
		now:  time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(_ context.Context, jobID string, jobType job.Type) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; ok {
		return nil, job.ErrConflict
	}

	now := s.now().UTC()
	j := &job.Job{
		JobID:     jobID,
		Type:      jobType,
		Status:    job.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.jobs[jobID] = j

	cp := *j
	return &cp, nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.live(jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, j.Status, job.ErrInvalidTransition)
	}

	j.Status = job.StatusProcessing
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) MarkSucceeded(_ context.Context, jobID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.live(jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, j.Status, job.ErrInvalidTransition)
	}

	j.Status = job.StatusSucceeded
	j.Result = append(json.RawMessage(nil), result...)
	j.Error = nil
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, jobID string, errInfo job.ErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.live(jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, j.Status, job.ErrInvalidTransition)
	}

	j.Status = job.StatusFailed
	j.Error = &job.ErrorInfo{Kind: errInfo.Kind, Message: errInfo.Message}
	j.Result = nil
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) RecordRetry(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.live(jobID)
	if err != nil {
		return 0, err
	}
	if j.Status.Terminal() {
		return 0, fmt.Errorf("job %s is %s: %w", jobID, j.Status, job.ErrInvalidTransition)
	}

	j.RetryCount++
	j.UpdatedAt = s.now().UTC()
	return j.RetryCount, nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.live(jobID)
	if err != nil {
		return nil, err
	}

	cp := *j
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	cp.Result = append(json.RawMessage(nil), j.Result...)
	return &cp, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var purged []string
	for id, j := range s.jobs {
		if j.Expired(now) {
			delete(s.jobs, id)
			purged = append(purged, id)
		}
	}
	return purged, nil
}

// live returns the record if present and unexpired. Callers hold the
// lock.
func (s *MemoryStore) live(jobID string) (*job.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok || j.Expired(s.now()) {
		return nil, job.ErrNotFound
	}
	return j, nil
}

var _ Store = (*MemoryStore)(nil)
