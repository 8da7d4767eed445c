package shutdown

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"subtitler/internal/eventbus"
)

type fakeChecker struct {
	mu     sync.Mutex
	active bool
}

func (f *fakeChecker) set(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = active
}

func (f *fakeChecker) HasActiveWork() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type fakeCanceller struct {
	calls int
}

func (f *fakeCanceller) CancelRunning() { f.calls++ }

func TestForceRunsDrainExactlyOnce(t *testing.T) {
	bus := eventbus.New(nil)
	canceller := &fakeCanceller{}
	drainCalls := 0
	s := New(time.Minute, &fakeChecker{}, canceller, bus, func() { drainCalls++ })

	s.Force()
	s.Force()

	require.Equal(t, 1, canceller.calls)
	require.Equal(t, 1, drainCalls)
	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done() to be closed after Force")
	}
}

func TestRegisterHeartbeatUnregisterTrackLiveness(t *testing.T) {
	bus := eventbus.New(nil)
	s := New(time.Minute, &fakeChecker{}, &fakeCanceller{}, bus, nil)

	s.Register("client-a")
	require.Equal(t, 1, s.ClientCount())

	require.NoError(t, s.Heartbeat("client-a"))
	require.Error(t, s.Heartbeat(""))

	s.Unregister("client-a")
	require.Equal(t, 0, s.ClientCount())
}

func TestIdlePollTriggersDrainAfterGraceWithNoActiveWork(t *testing.T) {
	bus := eventbus.New(nil)
	checker := &fakeChecker{}
	canceller := &fakeCanceller{}
	s := New(10*time.Millisecond, checker, canceller, bus, nil)
	// pollInterval is a package constant (5s); drive the check directly
	// rather than waiting on the real ticker.
	s.Register("client-a")
	s.Unregister("client-a")

	require.Eventually(t, func() bool {
		return s.shouldDrain()
	}, time.Second, time.Millisecond)
}

func TestActiveWorkBlocksDrainEvenPastGrace(t *testing.T) {
	bus := eventbus.New(nil)
	checker := &fakeChecker{}
	checker.set(true)
	s := New(time.Millisecond, checker, &fakeCanceller{}, bus, nil)
	s.Register("client-a")
	s.Unregister("client-a")

	time.Sleep(5 * time.Millisecond)
	require.False(t, s.shouldDrain())
}
