package framesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/marker.tracker/internal/camera"
)

const maxSkew = 10 * camera.TicksPerMillisecond

func frameAt(ts int64) camera.Frame {
	return camera.Frame{Timestamp: ts}
}

func TestTryPair_Tolerance(t *testing.T) {
	tests := []struct {
		name      string
		left      int64
		right     int64
		wantPair  bool
		wantLeft  bool // left still pending afterwards
		wantRight bool
	}{
		{"equal timestamps", 100, 100, true, false, false},
		{"just inside tolerance", 100, 100 + maxSkew - 1, true, false, false},
		{"exactly at tolerance", 100, 100 + maxSkew, true, false, false},
		{"just outside tolerance, right newer", 100, 100 + maxSkew + 1, false, false, true},
		{"outside tolerance, left newer", 100 + maxSkew + 1, 100, false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(maxSkew)
			s.Submit(Left, frameAt(tt.left))
			s.Submit(Right, frameAt(tt.right))

			pair, ok := s.TryPair()
			assert.Equal(t, tt.wantPair, ok)
			if ok {
				assert.Equal(t, tt.left, pair.Left.Timestamp)
				assert.Equal(t, tt.right, pair.Right.Timestamp)
				skew := tt.right - tt.left
				if skew < 0 {
					skew = -skew
				}
				assert.Equal(t, skew, pair.Skew)
				assert.Equal(t, 0, s.Discarded())
			} else {
				assert.Equal(t, 1, s.Discarded())
			}
			_, l := s.Pending(Left)
			_, r := s.Pending(Right)
			assert.Equal(t, tt.wantLeft, l, "left pending")
			assert.Equal(t, tt.wantRight, r, "right pending")
		})
	}
}

func TestTryPair_DiscardKeepsNewer(t *testing.T) {
	// alternate which side is newer; the survivor must always be the newer
	cases := [][2]int64{
		{0, 5 * maxSkew},
		{7 * maxSkew, 2 * maxSkew},
		{1000, 1000 + 3*maxSkew},
		{1000 + maxSkew + 1, 1000},
	}
	for _, c := range cases {
		s := New(maxSkew)
		s.Submit(Left, frameAt(c[0]))
		s.Submit(Right, frameAt(c[1]))
		_, ok := s.TryPair()
		require.False(t, ok)

		newer := c[0]
		if c[1] > newer {
			newer = c[1]
		}
		var survivor camera.Frame
		var count int
		for _, slot := range []Slot{Left, Right} {
			if f, ok := s.Pending(slot); ok {
				survivor = f
				count++
			}
		}
		require.Equal(t, 1, count, "exactly one slot should survive for %v", c)
		assert.Equal(t, newer, survivor.Timestamp, "case %v", c)
	}
}

func TestTryPair_ScenarioLeftStale(t *testing.T) {
	s := New(maxSkew)
	s.Submit(Left, frameAt(1000))
	s.Submit(Right, frameAt(1000+2*maxSkew))

	_, ok := s.TryPair()
	assert.False(t, ok)

	_, leftPending := s.Pending(Left)
	right, rightPending := s.Pending(Right)
	assert.False(t, leftPending)
	assert.True(t, rightPending)
	assert.Equal(t, int64(1000+2*maxSkew), right.Timestamp)
	assert.Equal(t, uint64(0), s.Stats().Paired)
	assert.Equal(t, uint64(1), s.Stats().Discarded)
}

func TestTryPair_SingleSlotIsNoop(t *testing.T) {
	s := New(maxSkew)
	s.Submit(Right, frameAt(42))
	_, ok := s.TryPair()
	assert.False(t, ok)
	assert.Equal(t, 0, s.Discarded())
	_, pending := s.Pending(Right)
	assert.True(t, pending)
}

func TestDiscarded_ResetsOnPair(t *testing.T) {
	s := New(maxSkew)
	s.Submit(Left, frameAt(0))
	s.Submit(Right, frameAt(5*maxSkew))
	s.TryPair()
	s.Submit(Right, frameAt(10*maxSkew))
	s.Submit(Left, frameAt(5*maxSkew+1))
	s.TryPair()
	require.Equal(t, 2, s.Discarded())

	s.Submit(Left, frameAt(10*maxSkew+1))
	_, ok := s.TryPair()
	require.True(t, ok)
	assert.Equal(t, 0, s.Discarded())

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Discarded)
	assert.Equal(t, uint64(1), st.Paired)
	assert.Equal(t, uint64(1), st.Replaced[Right], "right was replaced before pairing")
}

func TestSubmit_ReplacesPending(t *testing.T) {
	s := New(maxSkew)
	s.Submit(Left, frameAt(1))
	s.Submit(Left, frameAt(2))
	f, ok := s.Pending(Left)
	require.True(t, ok)
	assert.Equal(t, int64(2), f.Timestamp)

	s.Reset()
	_, ok = s.Pending(Left)
	assert.False(t, ok)
}

func TestNew_DefaultSkew(t *testing.T) {
	assert.Equal(t, DefaultMaxSkewTicks, New(0).MaxSkew())
}

func TestFeed_ConcurrentProducers(t *testing.T) {
	s := New(maxSkew)
	left := make(chan camera.Frame)
	right := make(chan camera.Frame)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.Feed(ctx, Left, left) }()
	go func() { defer wg.Done(); s.Feed(ctx, Right, right) }()

	const n = 50
	pairs := 0
	for i := 0; i < n; i++ {
		ts := int64(i) * 30 * camera.TicksPerMillisecond
		left <- frameAt(ts)
		right <- frameAt(ts + camera.TicksPerMillisecond)
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if p, ok := s.TryPair(); ok {
				assert.LessOrEqual(t, p.Skew, maxSkew)
				pairs++
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	close(left)
	close(right)
	wg.Wait()
	assert.Equal(t, n, pairs)
}
