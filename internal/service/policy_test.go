package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyIsReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	policy := Policy{Store: h.store, AgeThreshold: 24 * time.Hour, MinInterval: 24 * time.Hour}
	now := h.clock.Now()

	r, err := policy.IsReady(ctx, now, time.Time{}, false)
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.Equal(t, ReasonNoAgedRecords, r.Reason)

	r, err = policy.IsReady(ctx, now, time.Time{}, true)
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.Equal(t, ReasonNoUnsettled, r.Reason)

	h.insert(t, "a.com", "fresh", time.Hour)
	old := h.insert(t, "b.com", "old", 25*time.Hour)

	r, err = policy.IsReady(ctx, now, time.Time{}, false)
	require.NoError(t, err)
	assert.True(t, r.Ready)
	require.Equal(t, 1, r.CandidateCount())
	assert.Equal(t, old, r.Candidates[0].ID)

	r, err = policy.IsReady(ctx, now, now.Add(-time.Hour), false)
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.Equal(t, ReasonIntervalNotMet, r.Reason)

	r, err = policy.IsReady(ctx, now, now.Add(-24*time.Hour), false)
	require.NoError(t, err)
	assert.True(t, r.Ready)

	r, err = policy.IsReady(ctx, now, now.Add(-time.Minute), true)
	require.NoError(t, err)
	assert.True(t, r.Ready)
	assert.Equal(t, 2, r.CandidateCount())
}

func TestPolicyAgeBoundaryIsInclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	policy := Policy{Store: h.store, AgeThreshold: 24 * time.Hour, MinInterval: 24 * time.Hour}

	h.insert(t, "a.com", "edge", 24*time.Hour-time.Nanosecond)
	r, err := policy.IsReady(ctx, h.clock.Now(), time.Time{}, false)
	require.NoError(t, err)
	assert.False(t, r.Ready)

	h.clock.Advance(time.Nanosecond)
	r, err = policy.IsReady(ctx, h.clock.Now(), time.Time{}, false)
	require.NoError(t, err)
	assert.True(t, r.Ready)
}
