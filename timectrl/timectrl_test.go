package timectrl

import (
	"sync"
	"testing"
	"time"
)

// fakeWall advances only when told to; timers fire immediately and move
// the clock forward by their duration.
type fakeWall struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (f *fakeWall) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeWall) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeWall) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	f.slept = append(f.slept, d)
	f.now = f.now.Add(d)
	now := f.now
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return fakeTimer{ch}
}

type fakeTimer struct{ ch chan time.Time }

func (f fakeTimer) C() <-chan time.Time { return f.ch }
func (fakeTimer) Stop() bool            { return true }

type blockingWall struct{ fakeWall }

func (b *blockingWall) NewTimer(time.Duration) Timer { return fakeTimer{make(chan time.Time)} }

func TestTimeControllerAdvanceNotifiesListeners(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 100*time.Millisecond, Accelerated)

	var seen []time.Time
	tc.AddListener(func(now time.Time) { seen = append(seen, now) })
	for range 3 {
		tc.Advance()
	}

	if got, want := tc.Elapsed(), 300*time.Millisecond; got != want {
		t.Fatalf("Elapsed() = %v, want %v", got, want)
	}
	if tc.Steps() != 3 || len(seen) != 3 {
		t.Fatalf("steps = %d, listener calls = %d, want 3", tc.Steps(), len(seen))
	}
	if !seen[2].Equal(start.Add(300 * time.Millisecond)) {
		t.Fatalf("last listener time = %v", seen[2])
	}
}

func TestPaceSleepsRemainder(t *testing.T) {
	wall := &fakeWall{now: time.Unix(0, 0)}
	tc := NewTimeController(time.Time{}, time.Second, RealTime, WithWallClock(wall))

	stepStart := wall.Now()
	wall.advance(300 * time.Millisecond)
	overrun, stopped := tc.Pace(stepStart, nil)

	if overrun || stopped {
		t.Fatalf("Pace = (%v, %v), want (false, false)", overrun, stopped)
	}
	if len(wall.slept) != 1 || wall.slept[0] != 700*time.Millisecond {
		t.Fatalf("slept %v, want [700ms]", wall.slept)
	}
}

func TestPaceOverrunRunsBackToBack(t *testing.T) {
	wall := &fakeWall{now: time.Unix(0, 0)}
	tc := NewTimeController(time.Time{}, time.Second, RealTime, WithWallClock(wall))

	stepStart := wall.Now()
	wall.advance(1500 * time.Millisecond)
	overrun, _ := tc.Pace(stepStart, nil)

	if !overrun {
		t.Fatalf("expected overrun")
	}
	if len(wall.slept) != 0 {
		t.Fatalf("slept %v after overrun, want none", wall.slept)
	}
}

func TestPaceAcceleratedNeverSleeps(t *testing.T) {
	wall := &fakeWall{now: time.Unix(0, 0)}
	tc := NewTimeController(time.Time{}, time.Hour, Accelerated, WithWallClock(wall))

	if overrun, stopped := tc.Pace(wall.Now(), nil); overrun || stopped {
		t.Fatalf("Pace = (%v, %v)", overrun, stopped)
	}
	if len(wall.slept) != 0 {
		t.Fatalf("accelerated mode slept %v", wall.slept)
	}
}

func TestPaceWakesOnStop(t *testing.T) {
	wall := &blockingWall{fakeWall{now: time.Unix(0, 0)}}
	tc := NewTimeController(time.Time{}, time.Hour, RealTime, WithWallClock(wall))

	stop := make(chan struct{})
	close(stop)
	if _, stopped := tc.Pace(wall.Now(), stop); !stopped {
		t.Fatalf("Pace did not observe stop")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": RealTime, "realtime": RealTime, "accelerated": Accelerated} {
		got, ok := ParseMode(in)
		if !ok || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := ParseMode("warp"); ok {
		t.Fatalf("ParseMode accepted an unknown mode")
	}
}
