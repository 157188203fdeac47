package monitoring

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/banshee-data/marker.tracker/internal/timeutil"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op; this must not panic
	SetLogger(nil)
	Logf("test message")
}

func TestDebugf_Gated(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetDebug(false)
	}()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	SetDebug(false)
	Debugf("hidden %d", 1)
	if len(lines) != 0 {
		t.Fatalf("Debugf logged while disabled: %v", lines)
	}

	SetDebug(true)
	if !DebugEnabled() {
		t.Fatal("DebugEnabled() = false after SetDebug(true)")
	}
	Debugf("shown %d", 2)
	if len(lines) != 1 || lines[0] != "shown 2" {
		t.Errorf("lines = %v, want [shown 2]", lines)
	}
}

func TestRateMeter_Hz(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	meter := NewRateMeter(clock, 5)

	if meter.Hz() != 0 {
		t.Errorf("Hz() with no ticks = %v, want 0", meter.Hz())
	}

	for i := 0; i < 10; i++ {
		meter.Tick()
		clock.Advance(20 * time.Millisecond)
	}
	// last tick is 20ms in the past; window holds 5 ticks spanning 80ms
	// plus the 20ms since the last one
	got := meter.Hz()
	want := 4.0 / 0.1
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Hz() = %v, want %v", got, want)
	}
}
