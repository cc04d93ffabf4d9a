package module

import (
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	starts []time.Time
	lasts  int
	hook   func()
}

func (r *recorder) Sync(last bool) {
	r.mu.Lock()
	r.starts = append(r.starts, time.Now())
	if last {
		r.lasts++
	}
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

func (r *recorder) lastStart() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts[len(r.starts)-1]
}

func idleConfig() Config {
	return Config{Automatic: true, UpdateFrequency: time.Hour}
}

func TestEnableRunsFirstCycle(t *testing.T) {
	rec := &recorder{}
	m := New("test", rec, idleConfig())

	m.Enable()
	defer m.Disable()

	assert.Equal(t, 1, rec.count())
	started, finished := m.SyncCounts()
	assert.Equal(t, uint64(1), started)
	assert.Equal(t, uint64(1), finished)
}

func TestSyncWaitObservesFreshCycle(t *testing.T) {
	rec := &recorder{}
	m := New("test", rec, idleConfig())
	m.Enable()
	defer m.Disable()

	for range 3 {
		before := time.Now()
		m.SyncWait()
		assert.False(t, rec.lastStart().Before(before))
	}
	assert.Equal(t, 4, rec.count())
}

func TestSyncWaitDuringInFlightCycle(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	rec := &recorder{}
	m := New("test", rec, idleConfig())
	m.Enable()
	defer m.Disable()

	rec.mu.Lock()
	rec.hook = func() {
		entered <- struct{}{}
		<-release
	}
	rec.mu.Unlock()

	m.SyncNow()
	<-entered

	rec.mu.Lock()
	rec.hook = nil
	rec.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.SyncWait()
		close(done)
	}()

	// The in-flight cycle must not satisfy the waiter.
	time.Sleep(50 * time.Millisecond)
	close(release)
	<-done

	assert.Equal(t, 3, rec.count())
}

func TestSyncNowRequestsCollapse(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls atomic.Int32
	m := New("test", SyncFunc(func(last bool) {
		if calls.Add(1) == 2 {
			entered <- struct{}{}
			<-release
		}
	}), idleConfig())
	m.Enable()
	defer m.Disable()

	m.SyncNow()
	<-entered
	for range 10 {
		m.SyncNow()
	}
	close(release)

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDisableRunsFinalCycle(t *testing.T) {
	rec := &recorder{}
	m := New("test", rec, idleConfig())
	m.Enable()
	m.Disable()

	assert.Equal(t, 1, rec.lasts)
	assert.Equal(t, 2, rec.count())

	// A second disable is a no-op and SyncWait on a stopped module returns.
	m.Disable()
	m.SyncWait()
	assert.Equal(t, 2, rec.count())
}

func TestManualModuleOnlyWakesOnRequest(t *testing.T) {
	rec := &recorder{}
	m := New("manual", rec, Config{Automatic: false, UpdateFrequency: time.Millisecond})
	m.Enable()
	defer m.Disable()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.count())

	m.SyncWait()
	assert.Equal(t, 2, rec.count())
}

func TestSetSyncTimeShortensWake(t *testing.T) {
	var m *Module
	var calls atomic.Int32
	m = New("test", SyncFunc(func(last bool) {
		if calls.Add(1) == 1 {
			m.SetSyncTime(time.Now().Add(time.Second))
		}
	}), idleConfig())
	m.Enable()
	defer m.Disable()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 4*time.Second, 20*time.Millisecond)
}

func TestSetSyncTimeNeverLengthens(t *testing.T) {
	m := New("test", &recorder{}, idleConfig())
	early := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	m.mu.Lock()
	m.defaultUpdate = true
	m.mu.Unlock()

	m.SetSyncTime(early)
	m.SetSyncTime(early.Add(time.Hour))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.True(t, m.nextSync.Equal(early))
}

func TestDefaultWakeRoundsUp(t *testing.T) {
	m := New("test", &recorder{}, Config{UpdateFrequency: 5 * time.Second})
	now := time.Date(2026, 5, 1, 10, 0, 3, 200_000_000, time.UTC)

	got := m.defaultWakeLocked(now)
	assert.Equal(t, time.Date(2026, 5, 1, 10, 0, 5, 0, time.UTC), got.UTC())

	exact := time.Date(2026, 5, 1, 10, 0, 10, 0, time.UTC)
	assert.Equal(t, exact, m.defaultWakeLocked(exact).UTC())
}

func TestDefaultWakeUsesKeyTimes(t *testing.T) {
	m := New("test", &recorder{}, idleConfig())
	m.AddKeyTime(21 * 60)
	m.AddKeyTime(7*60 + 30)

	morning := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 1, 21, 0, 0, 0, time.UTC), m.defaultWakeLocked(morning))

	night := time.Date(2026, 5, 1, 22, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 2, 7, 30, 0, 0, time.UTC), m.defaultWakeLocked(night))
}

func TestKeyIDAndKeyTime(t *testing.T) {
	m := New("test", &recorder{}, idleConfig())
	m.AddKeyTime(21 * 60)
	m.AddKeyTime(7*60 + 30)
	require.Equal(t, []int{450, 1260}, m.KeyTimes())

	day := func(d, h, min int) time.Time { return time.Date(2026, 5, d, h, min, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		now    time.Time
		id     int
		wantID int
		want   time.Time
	}{
		{name: "before first key current", now: day(10, 6, 0), id: -1, wantID: 1, want: day(9, 21, 0)},
		{name: "before first key explicit", now: day(10, 6, 0), id: 0, wantID: 1, want: day(9, 7, 30)},
		{name: "between keys current", now: day(10, 8, 0), id: -1, wantID: 0, want: day(10, 7, 30)},
		{name: "between keys later id", now: day(10, 8, 0), id: 1, wantID: 0, want: day(9, 21, 0)},
		{name: "after last key", now: day(10, 22, 0), id: -1, wantID: 1, want: day(10, 21, 0)},
		{name: "after last key explicit", now: day(10, 22, 0), id: 0, wantID: 1, want: day(10, 7, 30)},
		{name: "exactly at key", now: day(10, 7, 30), id: -1, wantID: 0, want: day(10, 7, 30)},
		{name: "month rollover", now: day(1, 1, 0), id: -1, wantID: 1, want: time.Date(2026, 4, 30, 21, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantID, m.KeyID(tt.now))
			assert.Equal(t, tt.want, m.KeyTime(tt.now, tt.id))
		})
	}
}

func TestKeyTimesNotConfigured(t *testing.T) {
	m := New("test", &recorder{}, idleConfig())
	now := time.Now()
	assert.Equal(t, -1, m.KeyID(now))
	assert.True(t, m.KeyTime(now, -1).IsZero())
}

func TestHeartBeatMissed(t *testing.T) {
	var mu sync.Mutex
	clock := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}

	// Not enabled: nobody answers the heartbeat.
	m := New("test", &recorder{}, Config{Now: now})

	assert.Equal(t, time.Duration(0), m.HeartBeatMissed())
	advance(time.Second)
	assert.Equal(t, time.Duration(0), m.HeartBeatMissed())
	advance(9 * time.Second)
	assert.Equal(t, 9*time.Second, m.HeartBeatMissed())
}

func TestHeartBeatAnsweredByLoop(t *testing.T) {
	m := New("test", &recorder{}, idleConfig())
	m.Enable()
	defer m.Disable()

	m.HeartBeatNow()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return !m.hbRequested
	}, time.Second, 5*time.Millisecond)

	m.HeartBeatWait()
	assert.Equal(t, time.Duration(0), m.HeartBeatMissed())
}

func TestListenersAreNotified(t *testing.T) {
	listenerRec := &recorder{}
	listener := New("listener", listenerRec, Config{Automatic: false})
	listener.Enable()
	defer listener.Disable()

	var source *Module
	source = New("source", SyncFunc(func(last bool) {
		if !last {
			source.NotifyListeners()
		}
	}), Config{Automatic: false})
	source.Listen(listener)
	source.Listen(listener)
	assert.Equal(t, 1, source.ListenerCount())

	source.Enable()
	defer source.Disable()

	require.Eventually(t, func() bool { return listenerRec.count() >= 2 }, time.Second, 5*time.Millisecond)

	source.Unlisten(listener)
	before := listenerRec.count()
	source.SyncWait()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, listenerRec.count())
}

func TestSignalHubRoutesToModule(t *testing.T) {
	hub := NewSignalHub(nil)

	sig := NewSignal(syscall.SIGUSR1, Config{})
	assert.Equal(t, "SIGNAL_HANDLER (10)", sig.Name())
	require.True(t, hub.Register(sig))
	require.False(t, hub.Register(NewSignal(syscall.SIGUSR1, Config{})))

	listenerRec := &recorder{}
	listener := New("listener", listenerRec, Config{Automatic: false})
	listener.Enable()
	defer listener.Disable()

	sig.Listen(listener)
	sig.Enable()
	defer sig.Disable()

	base := listenerRec.count()
	hub.Deliver(syscall.SIGUSR1)
	require.Eventually(t, func() bool { return listenerRec.count() > base }, time.Second, 5*time.Millisecond)

	hub.Unregister(sig)
	hub.Deliver(syscall.SIGUSR1)
}
