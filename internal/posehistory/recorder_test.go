package posehistory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/timeutil"
)

type cacheSource struct{ cache *pose.Cache }

func (c cacheSource) Cache() *pose.Cache { return c.cache }

func TestNewRecorder_Validation(t *testing.T) {
	s := openTestStore(t)
	src := cacheSource{pose.NewCache(nil, 0, 7)}

	_, err := NewRecorder(nil, src, nil, RecorderConfig{SampleRate: 10})
	assert.Error(t, err)
	_, err = NewRecorder(s, src, nil, RecorderConfig{})
	assert.Error(t, err)

	r, err := NewRecorder(s, src, nil, RecorderConfig{SampleRate: 20})
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, r.Interval())
}

func TestRecorder_SamplesDetectionState(t *testing.T) {
	s := openTestStore(t)
	clock := timeutil.NewMockClock(time.Unix(5000, 0))
	cache := pose.NewCache(clock, 300*time.Millisecond, 7, 2)
	r, err := NewRecorder(s, cacheSource{cache}, clock, RecorderConfig{SampleRate: 10, BatchSize: 100, Mode: "local", DeviceID: "hl2"})
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, r.Sample(ctx), "sampling before Begin")

	id, err := r.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, r.SessionID())

	p := pose.Identity()
	p.Position = r3.Vec{X: 1, Y: 2, Z: 3}
	require.True(t, cache.Update(7, p))

	require.NoError(t, r.Sample(ctx))
	clock.Advance(100 * time.Millisecond)
	require.NoError(t, r.Sample(ctx))
	clock.Advance(400 * time.Millisecond)
	require.NoError(t, r.Sample(ctx))

	// Nothing is written until the batch fills or the session ends.
	got, err := s.Samples(ctx, id, 7)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, r.End(ctx))
	assert.Empty(t, r.SessionID())

	got, err = s.Samples(ctx, id, 7)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []bool{true, true, false}, []bool{got[0].Detected, got[1].Detected, got[2].Detected})
	// Stale samples keep the last stored pose.
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, got[2].Pose.Position)

	never, err := s.Samples(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, never, 3)
	for _, smp := range never {
		assert.False(t, smp.Detected)
		assert.True(t, smp.LastUpdate.IsZero())
	}

	st := r.Stats()
	assert.Equal(t, uint64(6), st.Samples)
	assert.Equal(t, uint64(1), st.Flushes)
	assert.Zero(t, st.WriteFailures)
}

func TestRecorder_FlushesFullBatches(t *testing.T) {
	s := openTestStore(t)
	cache := pose.NewCache(nil, 0, 7, 2)
	r, err := NewRecorder(s, cacheSource{cache}, nil, RecorderConfig{SampleRate: 10, BatchSize: 4})
	require.NoError(t, err)
	ctx := context.Background()
	id, err := r.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Sample(ctx))
	assert.Zero(t, r.Stats().Flushes)
	require.NoError(t, r.Sample(ctx))
	assert.Equal(t, uint64(1), r.Stats().Flushes)

	got, err := s.Samples(ctx, id, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRecorder_WriteFailureDropsBatch(t *testing.T) {
	s := openTestStore(t)
	cache := pose.NewCache(nil, 0, 7)
	r, err := NewRecorder(s, cacheSource{cache}, nil, RecorderConfig{SampleRate: 10})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = r.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Sample(ctx))

	require.NoError(t, s.Close())
	assert.Error(t, r.Flush(ctx))
	assert.Equal(t, uint64(1), r.Stats().WriteFailures)
	assert.NoError(t, r.Flush(ctx), "failed batch is not retried")
}

func TestRecorder_Run(t *testing.T) {
	s := openTestStore(t)
	cache := pose.NewCache(nil, 0, 7)
	r, err := NewRecorder(s, cacheSource{cache}, nil, RecorderConfig{SampleRate: 200, BatchSize: 8, Mode: "local"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Stats().Samples >= 5 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	sessions, err := s.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].EndedAt)
	assert.Equal(t, int64(r.Stats().Samples), sessions[0].Samples)
}
