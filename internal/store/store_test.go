package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailorcv/pipeline/internal/job"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(time.Hour)
}

func TestMemoryStore_Create(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	j, err := s.Create(ctx, "job-1", job.TypeExtract)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, job.TypeExtract, j.Type)
	assert.False(t, j.ExpiresAt.IsZero())

	t.Run("duplicate id conflicts", func(t *testing.T) {
		_, err := s.Create(ctx, "job-1", job.TypeExtract)
		assert.ErrorIs(t, err, job.ErrConflict)
	})
}

func TestMemoryStore_Transitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(t *testing.T, s *MemoryStore)
		apply   func(s *MemoryStore) error
		wantErr error
	}{
		{
			name: "pending to processing",
			apply: func(s *MemoryStore) error {
				return s.MarkProcessing(ctx, "job-1")
			},
		},
		{
			name: "mark processing is idempotent",
			setup: func(t *testing.T, s *MemoryStore) {
				require.NoError(t, s.MarkProcessing(ctx, "job-1"))
			},
			apply: func(s *MemoryStore) error {
				return s.MarkProcessing(ctx, "job-1")
			},
		},
		{
			name: "pending straight to succeeded",
			apply: func(s *MemoryStore) error {
				return s.MarkSucceeded(ctx, "job-1", json.RawMessage(`{"ok":true}`))
			},
		},
		{
			name: "processing to failed",
			setup: func(t *testing.T, s *MemoryStore) {
				require.NoError(t, s.MarkProcessing(ctx, "job-1"))
			},
			apply: func(s *MemoryStore) error {
				return s.MarkFailed(ctx, "job-1", job.ErrorInfo{Kind: job.KindProviderError, Message: "boom"})
			},
		},
		{
			name: "succeeded rejects further transitions",
			setup: func(t *testing.T, s *MemoryStore) {
				require.NoError(t, s.MarkSucceeded(ctx, "job-1", json.RawMessage(`1`)))
			},
			apply: func(s *MemoryStore) error {
				return s.MarkFailed(ctx, "job-1", job.ErrorInfo{Kind: job.KindTimeout, Message: "late"})
			},
			wantErr: job.ErrInvalidTransition,
		},
		{
			name: "failed rejects processing claim",
			setup: func(t *testing.T, s *MemoryStore) {
				require.NoError(t, s.MarkFailed(ctx, "job-1", job.ErrorInfo{Kind: job.KindProviderError, Message: "boom"}))
			},
			apply: func(s *MemoryStore) error {
				return s.MarkProcessing(ctx, "job-1")
			},
			wantErr: job.ErrInvalidTransition,
		},
		{
			name: "unknown job",
			apply: func(s *MemoryStore) error {
				return s.MarkProcessing(ctx, "nope")
			},
			wantErr: job.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			_, err := s.Create(ctx, "job-1", job.TypeTailor)
			require.NoError(t, err)

			if tt.setup != nil {
				tt.setup(t, s)
			}

			err = tt.apply(s)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryStore_TerminalWriteRace(t *testing.T) {
	// Two workers racing on the same redelivered message produce exactly
	// one terminal write; the loser gets ErrInvalidTransition.
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, "job-1", job.TypeEvaluate)
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, "job-1"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = s.MarkSucceeded(ctx, "job-1", json.RawMessage(`{"winner":1}`))
	}()
	go func() {
		defer wg.Done()
		errs[1] = s.MarkSucceeded(ctx, "job-1", json.RawMessage(`{"winner":2}`))
	}()
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, job.ErrInvalidTransition)
			losses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)

	j, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, j.Status)
}

func TestMemoryStore_RecordRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, "job-1", job.TypeExtract)
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, "job-1"))

	// Each charge bumps the persisted count by exactly one.
	for want := 1; want <= 3; want++ {
		n, err := s.RecordRetry(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	j, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, j.RetryCount)

	t.Run("terminal record rejects retry accounting", func(t *testing.T) {
		require.NoError(t, s.MarkFailed(ctx, "job-1", job.ErrorInfo{
			Kind:    job.KindMaxRetriesExceeded,
			Message: "spent",
		}))
		_, err := s.RecordRetry(ctx, "job-1")
		assert.ErrorIs(t, err, job.ErrInvalidTransition)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := s.RecordRetry(ctx, "nope")
		assert.ErrorIs(t, err, job.ErrNotFound)
	})
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	base := time.Now()
	s.SetClock(func() time.Time { return base })

	_, err := s.Create(ctx, "job-1", job.TypeRephrase)
	require.NoError(t, err)

	_, err = s.Get(ctx, "job-1")
	require.NoError(t, err)

	// Past the retention horizon the record is gone from every
	// operation.
	s.SetClock(func() time.Time { return base.Add(2 * time.Hour) })

	_, err = s.Get(ctx, "job-1")
	assert.ErrorIs(t, err, job.ErrNotFound)

	err = s.MarkProcessing(ctx, "job-1")
	assert.ErrorIs(t, err, job.ErrNotFound)

	_, err = s.RecordRetry(ctx, "job-1")
	assert.ErrorIs(t, err, job.ErrNotFound)

	purged, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, purged)

	purged, err = s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, purged)
}

func TestMemoryStore_NoPayloadAtRest(t *testing.T) {
	// The record must never contain the submitted payload, in any field,
	// at any point of the lifecycle.
	ctx := context.Background()
	s := newTestStore(t)

	payload := "EXTREMELY-SENSITIVE-RESUME-TEXT"

	_, err := s.Create(ctx, "job-1", job.TypeExtract)
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, "job-1"))
	require.NoError(t, s.MarkSucceeded(ctx, "job-1", json.RawMessage(`{"skills":["go"]}`)))

	j, err := s.Get(ctx, "job-1")
	require.NoError(t, err)

	serialized, err := json.Marshal(j)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(serialized), payload))
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, "job-1", job.TypeRecommend)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, "job-1", job.ErrorInfo{Kind: job.KindTimeout, Message: "deadline"}))

	j1, err := s.Get(ctx, "job-1")
	require.NoError(t, err)

	j1.Status = job.StatusPending
	j1.Error.Message = "mutated"

	j2, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j2.Status)
	assert.Equal(t, "deadline", j2.Error.Message)
}
