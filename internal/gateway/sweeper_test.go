package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmark/gamecore/internal/domain"
)

func TestSweepEvictsIdleSessions(t *testing.T) {
	r := newTestRegistry()
	idle := &fakeConn{}
	fresh := &fakeConn{}
	r.Connect(idle, "ws_1_aaaaaaaa", 1, "PLAYER")
	r.Connect(fresh, "ws_2_bbbbbbbb", 2, "PLAYER")

	s := NewSweeper(r, time.Second, 5*time.Millisecond, zerolog.Nop())

	time.Sleep(10 * time.Millisecond)
	r.UpdateActivity("ws_2_bbbbbbbb")

	evicted := s.sweep(time.Now())
	require.Equal(t, 1, evicted)

	closed, code, reason := idle.closedWith()
	require.True(t, closed)
	assert.Equal(t, domain.ClosePolicyViolated, code)
	assert.Equal(t, "Idle timeout", reason)

	closed, _, _ = fresh.closedWith()
	assert.False(t, closed, "active session must survive the sweep")
	assert.Equal(t, 1, r.Len())
}

func TestSweepWithNothingStale(t *testing.T) {
	r := newTestRegistry()
	r.Connect(&fakeConn{}, "ws_1_aaaaaaaa", 1, "PLAYER")

	s := NewSweeper(r, time.Second, time.Hour, zerolog.Nop())
	assert.Equal(t, 0, s.sweep(time.Now()))
	assert.Equal(t, 1, r.Len())
}

func TestRunDisabledWhenTimeoutNotPositive(t *testing.T) {
	r := newTestRegistry()
	s := NewSweeper(r, time.Millisecond, 0, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must return immediately when the idle timeout is disabled")
	}
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{}
	r.Connect(conn, "ws_1_aaaaaaaa", 1, "PLAYER")

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSweeper(r, 2*time.Millisecond, time.Millisecond, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		closed, _, _ := conn.closedWith()
		return closed && r.Len() == 0
	}, time.Second, time.Millisecond, "idle session should be evicted by the ticking sweeper")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must stop on ctx cancel")
	}
}
