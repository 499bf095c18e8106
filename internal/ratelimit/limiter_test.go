// SPDX-License-Identifier: MIT

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowBudget(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow(time.Minute, 3)

	for i := 0; i < 3; i++ {
		assert.False(t, w.AtLimit(t0), "send %d should fit", i)
		w.Record(t0.Add(time.Duration(i) * time.Second))
	}

	now := t0.Add(3 * time.Second)
	require.True(t, w.AtLimit(now))
	// Window edge is oldest stamp + window length.
	assert.Equal(t, t0.Add(time.Minute), w.NextAllowed(now))

	// One second past the edge the oldest stamp ages out.
	later := t0.Add(time.Minute + time.Second)
	assert.False(t, w.AtLimit(later))
	assert.Equal(t, 2, w.Count(later))
}

func TestWindowPruning(t *testing.T) {
	t0 := time.Now()
	w := NewWindow(time.Minute, 0)
	w.Record(t0.Add(-2 * time.Minute))
	w.Record(t0.Add(-30 * time.Second))
	w.Record(t0)

	assert.Equal(t, 2, w.Count(t0), "stamps older than the window drop out")
}

func TestWindowUnlimited(t *testing.T) {
	w := NewWindow(time.Hour, 0)
	now := time.Now()
	for i := 0; i < 100; i++ {
		w.Record(now)
	}
	assert.False(t, w.AtLimit(now))
	assert.True(t, w.NextAllowed(now).IsZero())
	assert.Equal(t, 100, w.Count(now))
}

func TestWindowReset(t *testing.T) {
	w := NewWindow(time.Minute, 1)
	now := time.Now()
	w.Record(now)
	require.True(t, w.AtLimit(now))
	w.Reset()
	assert.False(t, w.AtLimit(now))
}

func TestSendBudgetMinuteWindow(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewSendBudget(6, 60)

	// Six sends paced 500ms apart all pass.
	for i := 0; i < 6; i++ {
		now := t0.Add(time.Duration(i) * 500 * time.Millisecond)
		ok, _, _ := b.Check(now)
		require.True(t, ok, "send %d", i)
		b.RecordSend(now)
	}

	// The seventh is deferred to the minute edge.
	now := t0.Add(3 * time.Second)
	ok, next, window := b.Check(now)
	require.False(t, ok)
	assert.Equal(t, "minute", window)
	assert.Equal(t, t0.Add(time.Minute), next)

	// At the edge the oldest send has aged out.
	ok, _, _ = b.Check(t0.Add(time.Minute + time.Millisecond))
	assert.True(t, ok)
}

func TestSendBudgetHourWindow(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewSendBudget(1000, 60)

	// Fill the hour budget within a few minutes; the minute window never trips.
	now := t0
	for i := 0; i < 60; i++ {
		ok, _, _ := b.Check(now)
		require.True(t, ok, "send %d", i)
		b.RecordSend(now)
		now = now.Add(time.Second)
	}

	ok, next, window := b.Check(now)
	require.False(t, ok)
	assert.Equal(t, "hour", window)
	assert.Equal(t, t0.Add(time.Hour), next)

	minute, hour := b.Counts(now)
	assert.Equal(t, 60, hour)
	assert.LessOrEqual(t, minute, 60)
}

func TestSendBudgetBothWindowsUseLaterEdge(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewSendBudget(2, 2)

	b.RecordSend(t0)
	b.RecordSend(t0.Add(time.Second))

	ok, next, window := b.Check(t0.Add(2 * time.Second))
	require.False(t, ok)
	assert.Equal(t, "hour", window, "the later-reopening window wins")
	assert.Equal(t, t0.Add(time.Hour), next)
}
