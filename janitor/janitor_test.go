package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/opspilot/clock"
)

type fakePurgeStore struct {
	mu       sync.Mutex
	cutoffs  []time.Time
	removed  int64
	purgeErr error
}

func (s *fakePurgeStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.purgeErr != nil {
		return 0, s.purgeErr
	}
	s.cutoffs = append(s.cutoffs, cutoff)
	return s.removed, nil
}

func TestSweepUsesRetentionCutoff(t *testing.T) {
	now := time.Date(2025, 6, 8, 3, 0, 0, 0, time.UTC)
	store := &fakePurgeStore{removed: 3}
	j := New(store, 7*24*time.Hour, "0 3 * * *", clock.NewFake(now), nil)

	n, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.Len(t, store.cutoffs, 1)
	assert.Equal(t, now.AddDate(0, 0, -7), store.cutoffs[0])
}

func TestSweepPropagatesStoreError(t *testing.T) {
	store := &fakePurgeStore{purgeErr: errors.New("connection refused")}
	j := New(store, 24*time.Hour, "0 3 * * *", nil, nil)

	_, err := j.Sweep(context.Background())
	require.Error(t, err)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	j := New(&fakePurgeStore{}, 24*time.Hour, "not a schedule", nil, nil)
	require.Error(t, j.Start())
}

func TestStartAndStop(t *testing.T) {
	j := New(&fakePurgeStore{}, 24*time.Hour, "0 3 * * *", nil, nil)
	require.NoError(t, j.Start())
	j.Stop()
}
