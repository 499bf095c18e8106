// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/idempotency"
	"github.com/michaelasham/wa-hub-sub000/internal/infra/driver/stub"
)

// fakeClock swaps in for Manager.now so rate-limit windows can be rolled
// without real waiting.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (e *testEnv) waitSent(key string) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		sent, err := e.store.IsSent(context.Background(), key)
		return err == nil && sent
	}, 5*time.Second, 5*time.Millisecond, "key %s never reached SENT", key)
}

func TestTypingIndicatorForDirectChats(t *testing.T) {
	env := newTestEnv(t, testConfig(t), happyOpts())
	ctx := context.Background()

	typing := true
	_, err := env.m.Create(ctx, CreateParams{ID: "typist", TypingEnabled: &typing})
	require.NoError(t, err)

	_, err = env.m.SendMessage(ctx, "typist", SendMessageParams{
		ChatID: "15551234567", Body: "hello", IdempotencyKey: "k-direct",
	})
	require.NoError(t, err)
	env.waitSent("k-direct")
	assert.Equal(t, []string{"15551234567@c.us:on", "15551234567@c.us:off"}, env.driver("typist").TypingLog())

	// Groups never get the indicator.
	_, err = env.m.SendMessage(ctx, "typist", SendMessageParams{
		ChatID: "123456789-987654321@g.us", Body: "hello group", IdempotencyKey: "k-group",
	})
	require.NoError(t, err)
	env.waitSent("k-group")
	assert.Len(t, env.driver("typist").TypingLog(), 2, "group send must not toggle typing")
	assert.Len(t, env.driver("typist").SentMessages(), 2)
}

func TestTypingSkippedForFilteredAudience(t *testing.T) {
	env := newTestEnv(t, testConfig(t), happyOpts())
	ctx := context.Background()

	typing := true
	_, err := env.m.Create(ctx, CreateParams{
		ID: "picky", TypingEnabled: &typing, TypingApplyTo: []string{"customer"},
	})
	require.NoError(t, err)

	_, err = env.m.SendMessage(ctx, "picky", SendMessageParams{
		ChatID: "15551234567", Body: "internal note", IdempotencyKey: "k-merchant", Audience: "merchant",
	})
	require.NoError(t, err)
	env.waitSent("k-merchant")
	assert.Empty(t, env.driver("picky").TypingLog())

	// The default audience is customer, which the filter admits.
	_, err = env.m.SendMessage(ctx, "picky", SendMessageParams{
		ChatID: "15551234567", Body: "your order", IdempotencyKey: "k-customer",
	})
	require.NoError(t, err)
	env.waitSent("k-customer")
	assert.Equal(t, []string{"15551234567@c.us:on", "15551234567@c.us:off"}, env.driver("picky").TypingLog())
}

func TestUnsendableRecipientDropped(t *testing.T) {
	env := newTestEnv(t, testConfig(t), happyOpts())
	ctx := context.Background()
	env.create("lid")

	env.driver("lid").OnSendMessage(func(_, body string) (string, error) {
		if body == "bad" {
			return "", errors.New("No LID for user 15559999999")
		}
		return "", nil
	})

	_, err := env.m.SendMessage(ctx, "lid", SendMessageParams{
		ChatID: "15559999999", Body: "bad", IdempotencyKey: "k-bad",
	})
	require.NoError(t, err)
	_, err = env.m.SendMessage(ctx, "lid", SendMessageParams{
		ChatID: "15551234567", Body: "good", IdempotencyKey: "k-good",
	})
	require.NoError(t, err)

	// The unsendable recipient is dropped without a retry; the queue moves on.
	env.waitSent("k-good")
	rec, ok, err := env.store.Get(ctx, "k-bad")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idempotency.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "No LID")

	require.Len(t, env.driver("lid").SentMessages(), 1)
	assert.Equal(t, "good", env.driver("lid").SentMessages()[0].Body)

	snap, err := env.m.Get("lid")
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, snap.State, "a bad recipient is not a session problem")
	assert.Equal(t, 1, snap.FailuresLastHour)
	assert.Zero(t, snap.QueueDepth)
}

func TestSendRetriesThenAbandons(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.MaxAttempts = 2
	env := newTestEnv(t, cfg, happyOpts())
	ctx := context.Background()
	env.create("flaky")

	env.driver("flaky").OnSendMessage(func(_, _ string) (string, error) {
		return "", errors.New("boom")
	})

	_, err := env.m.SendMessage(ctx, "flaky", SendMessageParams{
		ChatID: "15551234567", Body: "never lands", IdempotencyKey: "k-doomed",
	})
	require.NoError(t, err)

	// Attempt budget of two: one retry with backoff, then the item is
	// abandoned and the failure recorded.
	require.Eventually(t, func() bool {
		rec, ok, gerr := env.store.Get(ctx, "k-doomed")
		return gerr == nil && ok && rec.Status == idempotency.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	rec, _, err := env.store.Get(ctx, "k-doomed")
	require.NoError(t, err)
	assert.Equal(t, "boom", rec.Error)

	snap, err := env.m.Get("flaky")
	require.NoError(t, err)
	assert.Zero(t, snap.QueueDepth)
	assert.Equal(t, model.StateReady, snap.State)
	assert.Equal(t, 2, snap.FailuresLastHour)
	assert.Empty(t, env.driver("flaky").SentMessages())
}

func TestRetryForeverPolicyNeverAbandons(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.MaxAttempts = 1
	cfg.Queue.RetryPolicy = "forever"
	env := newTestEnv(t, cfg, happyOpts())
	ctx := context.Background()
	env.create("stubborn")

	var calls atomic.Int32
	env.driver("stubborn").OnSendMessage(func(_, _ string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("temporary hiccup")
		}
		return "", nil
	})

	_, err := env.m.SendMessage(ctx, "stubborn", SendMessageParams{
		ChatID: "15551234567", Body: "eventually", IdempotencyKey: "k-forever",
	})
	require.NoError(t, err)

	env.waitSent("k-forever")
	assert.Len(t, env.driver("stubborn").SentMessages(), 1)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRetryForeverMarksFailureButKeepsItem(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.MaxAttempts = 1
	cfg.Queue.RetryPolicy = "forever"
	cfg.Queue.RetryMaxBackoff = time.Hour
	env := newTestEnv(t, cfg, happyOpts())
	ctx := context.Background()
	env.create("stuck")

	env.driver("stuck").OnSendMessage(func(_, _ string) (string, error) {
		return "", errors.New("wall")
	})

	_, err := env.m.SendMessage(ctx, "stuck", SendMessageParams{
		ChatID: "15551234567", Body: "uphill", IdempotencyKey: "k-wall",
	})
	require.NoError(t, err)

	// The budget is spent on the first attempt: the durable record turns
	// FAILED while the item waits out its backoff in the queue.
	require.Eventually(t, func() bool {
		rec, ok, gerr := env.store.Get(ctx, "k-wall")
		return gerr == nil && ok && rec.Status == idempotency.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := env.m.Get("stuck")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.QueueDepth)
	assert.Empty(t, env.driver("stuck").SentMessages())
}

func TestDisconnectMidDrainResumesInOrder(t *testing.T) {
	env := newTestEnv(t, testConfig(t), pairedOpts())
	ctx := context.Background()
	env.create("flow")

	var failed atomic.Bool
	env.driver("flow").OnSendMessage(func(_, body string) (string, error) {
		if body == "m03" && failed.CompareAndSwap(false, true) {
			return "", stub.ErrSessionClosed
		}
		return "", nil
	})

	for i := 1; i <= 5; i++ {
		_, err := env.m.SendMessage(ctx, "flow", SendMessageParams{
			ChatID:         "15551234567",
			Body:           fmt.Sprintf("m%02d", i),
			IdempotencyKey: fmt.Sprintf("k%02d", i),
		})
		require.NoError(t, err)
	}

	// The dead-session send pauses the loop, the cooldown elapses, the
	// ladder soft-restarts the same handle and the queue finishes in order.
	for i := 1; i <= 5; i++ {
		env.waitSent(fmt.Sprintf("k%02d", i))
	}
	env.waitState("flow", model.StateReady)

	var bodies []string
	for _, msg := range env.driver("flow").SentMessages() {
		bodies = append(bodies, msg.Body)
	}
	assert.Equal(t, []string{"m01", "m02", "m03", "m04", "m05"}, bodies)

	require.Len(t, env.factory.Handles("flow"), 1, "soft restart reuses the handle")
	assert.Equal(t, 2, env.driver("flow").InitCount())
	assert.Equal(t, 1, env.driver("flow").DestroyCount())

	snap, err := env.m.Get("flow")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.DisconnectsLastHour)
	assert.Zero(t, snap.RecoveryAttempts)

	diag, err := env.m.Diagnostics("flow")
	require.NoError(t, err)
	var kinds []string
	for _, ev := range diag.Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, "restart_recovered")
}

func TestRateLimitDefersUntilWindowRollover(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.SendsPerMinute = 3
	env := newTestEnv(t, cfg, happyOpts())
	ctx := context.Background()

	clock := &fakeClock{t: time.Now()}
	base := clock.Now()
	env.m.now = clock.Now

	env.create("limited")
	for i := 1; i <= 5; i++ {
		_, err := env.m.SendMessage(ctx, "limited", SendMessageParams{
			ChatID:         "15551234567",
			Body:           fmt.Sprintf("m%02d", i),
			IdempotencyKey: fmt.Sprintf("k%02d", i),
		})
		require.NoError(t, err)
	}

	// Three sends fit the minute window; the rest are deferred to its edge.
	require.Eventually(t, func() bool {
		return len(env.driver("limited").SentMessages()) == 3
	}, 5*time.Second, 5*time.Millisecond)

	wake := base.Add(time.Minute)
	require.Eventually(t, func() bool {
		diag, derr := env.m.Diagnostics("limited")
		if derr != nil || len(diag.Queue) != 2 {
			return false
		}
		for _, q := range diag.Queue {
			if !q.NextAttemptAt.Equal(wake) {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	diag, err := env.m.Diagnostics("limited")
	require.NoError(t, err)
	for _, q := range diag.Queue {
		assert.Contains(t, q.LastError, "rate limit minute")
	}
	snap, err := env.m.Get("limited")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.SendsLastMinute)

	// Rolling the window past the deferral releases the remainder in order.
	clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool {
		return len(env.driver("limited").SentMessages()) == 5
	}, 5*time.Second, 10*time.Millisecond)

	var bodies []string
	for _, msg := range env.driver("limited").SentMessages() {
		bodies = append(bodies, msg.Body)
	}
	assert.Equal(t, []string{"m01", "m02", "m03", "m04", "m05"}, bodies)

	snap, err = env.m.Get("limited")
	require.NoError(t, err)
	assert.Zero(t, snap.QueueDepth)
	assert.Equal(t, 2, snap.SendsLastMinute)
}
