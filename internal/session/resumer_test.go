package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/eventbus"
	"fanout/pkg/clock"
	logx "fanout/pkg/logx"
)

func TestResumerResumesAfterFloodWait(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	reg := NewRegistry(bus)
	_, err := reg.Register("acct")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewResumer(reg, bus, logx.Nop())
	r.slack = 5 * time.Millisecond
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Let Run subscribe before the transition is published.
	time.Sleep(20 * time.Millisecond)
	_, err = reg.AutoPause("acct", 50*time.Millisecond, "flood")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return reg.CanSend("acct") }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("resumer did not stop")
	}
}

func TestResumerPicksUpExistingAutoPause(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	reg := NewRegistry(bus)
	_, err := reg.Register("acct")
	require.NoError(t, err)
	_, err = reg.AutoPause("acct", 20*time.Millisecond, "flood")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewResumer(reg, bus, logx.Nop())
	r.slack = 5 * time.Millisecond
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool { return reg.CanSend("acct") }, 2*time.Second, 5*time.Millisecond)
}

func TestResumerLeavesOperatorPauseAlone(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	reg := NewRegistry(bus)
	_, err := reg.Register("acct")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewResumer(reg, bus, logx.Nop())
	r.slack = time.Millisecond
	go func() { _ = r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, reg.Pause("acct", "operator"))
	time.Sleep(50 * time.Millisecond)
	s, err := reg.Get("acct")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, s.Status)
}

func TestResumerWaitsOnRegistryClock(t *testing.T) {
	t.Parallel()
	// An hour ahead of the wall clock: a wall-clock timer would not fire
	// within the test.
	fake := clock.NewFake(time.Now().Add(time.Hour))
	bus := eventbus.New()
	reg := NewRegistry(bus, WithClock(fake))
	_, err := reg.Register("acct")
	require.NoError(t, err)
	_, err = reg.AutoPause("acct", 30*time.Second, "flood")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewResumer(reg, bus, logx.Nop())
	r.slack = time.Millisecond
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool { return reg.CanSend("acct") }, 2*time.Second, 5*time.Millisecond)
	require.NotEmpty(t, fake.Sleeps())
	assert.Equal(t, 30*time.Second+time.Millisecond, fake.Sleeps()[0])
}
