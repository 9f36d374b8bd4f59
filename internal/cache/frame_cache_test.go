package cache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/maskscrub/internal/frameindex"
	"github.com/andresmejia3/maskscrub/internal/types"
)

type fakeDecoder struct {
	calls   atomic.Int32
	mu      sync.Mutex
	perURI  map[string]int
	gate    chan struct{} // when non-nil, each decode waits for one receive
	failURI string
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{perURI: make(map[string]int)}
}

func (d *fakeDecoder) DecodeFrame(ctx context.Context, f types.Frame) (types.DecodedFrame, error) {
	d.calls.Add(1)
	d.mu.Lock()
	d.perURI[f.URI]++
	d.mu.Unlock()

	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return types.DecodedFrame{}, ctx.Err()
		}
	}
	if f.URI == d.failURI {
		return types.DecodedFrame{}, errors.New("corrupt")
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	return types.DecodedFrame{Index: f.Index, Bitmap: img, Width: 4, Height: 3}, nil
}

func (d *fakeDecoder) count(uri string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.perURI[uri]
}

func frameName(i int) string { return fmt.Sprintf("frame_%05d.jpg", i) }

func testIndex(n int) *frameindex.Index {
	uris := make([]string, n)
	for i := range uris {
		uris[i] = frameName(i)
	}
	return frameindex.New("trackA", uris)
}

func TestFrameCacheMissThenHit(t *testing.T) {
	dec := newFakeDecoder()
	c := NewFrameCache(dec, FrameCacheOptions{})
	defer c.Close()
	c.Reset(testIndex(5))

	_, state := c.Get(2)
	assert.Equal(t, types.SlotPending, state)
	c.Wait()

	f, state := c.Get(2)
	require.Equal(t, types.SlotReady, state)
	assert.Equal(t, 2, f.Index)
	assert.Equal(t, 4, f.Width)
	assert.Equal(t, int32(1), dec.calls.Load())
}

func TestFrameCacheOutOfRange(t *testing.T) {
	c := NewFrameCache(newFakeDecoder(), FrameCacheOptions{})
	defer c.Close()

	_, state := c.Get(0)
	assert.Equal(t, types.SlotEmpty, state, "no dataset attached")

	c.Reset(testIndex(3))
	_, state = c.Get(3)
	assert.Equal(t, types.SlotEmpty, state)
	_, state = c.Get(-1)
	assert.Equal(t, types.SlotEmpty, state)

	_, err := c.Load(context.Background(), 7)
	assert.Error(t, err)
}

func TestFrameCacheDedupsInflightDecodes(t *testing.T) {
	dec := newFakeDecoder()
	dec.gate = make(chan struct{})
	c := NewFrameCache(dec, FrameCacheOptions{})
	defer c.Close()
	c.Reset(testIndex(5))

	for i := 0; i < 10; i++ {
		_, state := c.Get(1)
		assert.Equal(t, types.SlotPending, state)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Load(context.Background(), 1)
			assert.NoError(t, err)
		}()
	}

	close(dec.gate)
	wg.Wait()
	c.Wait()

	assert.Equal(t, 1, dec.count(frameName(1)))
	assert.Equal(t, types.SlotReady, c.State(1))
}

func TestFrameCacheErroredSlotIsNotRetried(t *testing.T) {
	dec := newFakeDecoder()
	dec.failURI = frameName(0)
	var settled atomic.Int32
	c := NewFrameCache(dec, FrameCacheOptions{OnSettled: func(index int, state types.SlotState) {
		if index == 0 && state == types.SlotErrored {
			settled.Add(1)
		}
	}})
	defer c.Close()
	c.Reset(testIndex(2))

	_, err := c.Load(context.Background(), 0)
	require.Error(t, err)

	_, state := c.Get(0)
	assert.Equal(t, types.SlotErrored, state)
	c.Wait()
	assert.Equal(t, 1, dec.count(frameName(0)))
	assert.Equal(t, int32(1), settled.Load())
}

func TestFrameCacheResetDiscardsInflight(t *testing.T) {
	dec := newFakeDecoder()
	dec.gate = make(chan struct{})
	c := NewFrameCache(dec, FrameCacheOptions{})
	defer c.Close()
	c.Reset(testIndex(4))

	_, state := c.Get(0)
	require.Equal(t, types.SlotPending, state)

	// The pending decode sees its context cancelled.
	c.Reset(testIndex(4))
	c.Wait()

	assert.Equal(t, types.SlotEmpty, c.State(0))
	assert.Equal(t, 0, c.Resident())
}

func TestFrameCacheEvictsOutsideWindow(t *testing.T) {
	dec := newFakeDecoder()
	c := NewFrameCache(dec, FrameCacheOptions{Cap: 2})
	defer c.Close()
	c.Reset(testIndex(10))
	c.SetWindow(types.PrefetchWindow{Start: 5, End: 6})

	ctx := context.Background()
	for _, i := range []int{0, 1, 5, 6} {
		_, err := c.Load(ctx, i)
		require.NoError(t, err)
	}
	c.Wait()

	assert.Equal(t, types.SlotReady, c.State(5))
	assert.Equal(t, types.SlotReady, c.State(6))
	assert.Equal(t, types.SlotEmpty, c.State(0))
	assert.Equal(t, types.SlotEmpty, c.State(1))
	assert.Equal(t, 2, c.Resident())
}

func TestFrameCacheLoadHonoursContext(t *testing.T) {
	dec := newFakeDecoder()
	dec.gate = make(chan struct{})
	c := NewFrameCache(dec, FrameCacheOptions{})
	defer c.Close()
	c.Reset(testIndex(2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Load(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
