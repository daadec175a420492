package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalStore_DecideAndRead(t *testing.T) {
	s := NewSignalStore(t.TempDir(), nil)

	sig, err := s.Decision("rec-1")
	require.NoError(t, err)
	assert.Nil(t, sig)

	_, err = s.Decide("rec-1", DecisionApprove, "looks fine", "alice")
	require.NoError(t, err)

	sig, err = s.Decision("rec-1")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, DecisionApprove, sig.Decision)
	assert.Equal(t, "alice", sig.By)

	require.NoError(t, s.ClearDecision("rec-1"))
	sig, err = s.Decision("rec-1")
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestSignalStore_RejectsBadInput(t *testing.T) {
	s := NewSignalStore(t.TempDir(), nil)
	_, err := s.Decide("rec-1", "maybe", "", "")
	assert.Error(t, err)
	_, err = s.Decide("../escape", DecisionApprove, "", "")
	assert.Error(t, err)
	assert.Error(t, s.RequestCancel("a/b", "bob"))
}

func TestSignalStore_WaitDecision(t *testing.T) {
	s := NewSignalStore(t.TempDir(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = s.Decide("rec-2", DecisionReject, "too risky", "bob")
	}()

	sig, err := s.WaitDecision(ctx, "rec-2", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, sig.Decision)
}

func TestSignalStore_WaitDecisionTimesOut(t *testing.T) {
	s := NewSignalStore(t.TempDir(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err := s.WaitDecision(ctx, "rec-3", 10*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSignalStore_CancelInterruptsWait(t *testing.T) {
	s := NewSignalStore(t.TempDir(), nil)
	require.NoError(t, s.RequestCancel("rec-4", "carol"))
	assert.True(t, s.CancelRequested("rec-4"))

	_, err := s.WaitDecision(context.Background(), "rec-4", 10*time.Millisecond)
	assert.True(t, errors.Is(err, context.Canceled))

	require.NoError(t, s.ClearCancel("rec-4"))
	assert.False(t, s.CancelRequested("rec-4"))
}

func TestSignalStore_Watch(t *testing.T) {
	s := NewSignalStore(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan string, 8)
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, func(id string) { seen <- id }) }()

	// Give the watcher time to register.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		_, err := s.Decide("rec-5", DecisionApprove, "", "")
		require.NoError(t, err)
		select {
		case id := <-seen:
			assert.Equal(t, "rec-5", id)
			cancel()
			assert.NoError(t, <-done)
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("watch never reported the decision")
		}
	}
}
