package notifier_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/isabella232/livepeer-alerts-backend/notifier"
)

func TestThresholdsIsDue(t *testing.T) {
	t.Parallel()

	thresholds := notifier.DefaultThresholds()

	t.Run("it notifies a subscriber who was never notified before", func(t *testing.T) {
		t.Parallel()
		assert.True(t, thresholds.IsDue(notifier.Weekly, nil, 1550))
		assert.True(t, thresholds.IsDue(notifier.Monthly, nil, 0))
	})

	t.Run("it holds a subscriber within the round it was notified on", func(t *testing.T) {
		t.Parallel()
		assert.False(t, thresholds.IsDue(notifier.Daily, lastSent(1550), 1550))
	})

	t.Run("it releases a daily subscriber on the next round", func(t *testing.T) {
		t.Parallel()
		assert.True(t, thresholds.IsDue(notifier.Daily, lastSent(1549), 1550))
	})

	t.Run("it holds a weekly subscriber one round after a send", func(t *testing.T) {
		t.Parallel()
		assert.False(t, thresholds.IsDue(notifier.Weekly, lastSent(1549), 1550))
	})

	t.Run("it releases a weekly subscriber after seven rounds", func(t *testing.T) {
		t.Parallel()
		assert.False(t, thresholds.IsDue(notifier.Weekly, lastSent(1543), 1549))
		assert.True(t, thresholds.IsDue(notifier.Weekly, lastSent(1543), 1550))
	})

	t.Run("it releases a monthly subscriber after thirty rounds", func(t *testing.T) {
		t.Parallel()
		assert.False(t, thresholds.IsDue(notifier.Monthly, lastSent(1520), 1549))
		assert.True(t, thresholds.IsDue(notifier.Monthly, lastSent(1520), 1550))
	})

	t.Run("it holds when the last send is ahead of the current round", func(t *testing.T) {
		t.Parallel()
		assert.False(t, thresholds.IsDue(notifier.Hourly, lastSent(1551), 1550))
	})

	t.Run("it falls back to daily for an unknown frequency", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, thresholds.Daily, thresholds.Rounds(notifier.Frequency("fortnightly")))
		assert.True(t, thresholds.IsDue(notifier.Frequency("fortnightly"), lastSent(1549), 1550))
	})

	t.Run("it does not mutate its inputs", func(t *testing.T) {
		t.Parallel()
		last := lastSent(1540)
		thresholds.IsDue(notifier.Weekly, last, 1550)
		assert.Equal(t, uint64(1540), *last)
	})
}

func lastSent(round uint64) *uint64 {
	return &round
}
