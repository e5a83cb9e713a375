package uplink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker(3, 30*time.Second)
	fail := func() error { return errors.New("broker down") }

	for i := 0; i < 3; i++ {
		assert.Error(t, b.do(fail))
	}

	calls := 0
	err := b.do(func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrSuppressed)
	assert.Zero(t, calls, "open breaker must not invoke the publish")
}

func TestBreaker_ProbeAfterCooldownClosesOnSuccess(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newBreaker(2, 30*time.Second)
	b.now = func() time.Time { return now }

	fail := func() error { return errors.New("broker down") }
	require.Error(t, b.do(fail))
	require.Error(t, b.do(fail))
	require.ErrorIs(t, b.do(fail), ErrSuppressed)

	now = now.Add(31 * time.Second)
	require.NoError(t, b.do(func() error { return nil }), "probe after cooldown must pass")
	require.NoError(t, b.do(func() error { return nil }), "breaker must be closed again")
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newBreaker(2, 30*time.Second)
	b.now = func() time.Time { return now }

	fail := func() error { return errors.New("broker down") }
	require.Error(t, b.do(fail))
	require.Error(t, b.do(fail))

	now = now.Add(31 * time.Second)
	require.Error(t, b.do(fail), "probe runs and fails")
	require.ErrorIs(t, b.do(func() error { return nil }), ErrSuppressed, "failed probe reopens immediately")
}

func TestPublisher_SuppressesAfterRepeatedPublishFailures(t *testing.T) {
	mq := &fakeMQTT{publishErr: errors.New("disconnected")}
	p := newTestPublisher(mq)
	require.NoError(t, p.Connect(context.Background()))

	for i := 0; i < 5; i++ {
		err := p.PublishSnapshot(context.Background(), Snapshot{})
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrSuppressed)
	}
	assert.ErrorIs(t, p.PublishSnapshot(context.Background(), Snapshot{}), ErrSuppressed)
}
