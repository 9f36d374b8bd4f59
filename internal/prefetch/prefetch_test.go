package prefetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/maskscrub/internal/cache"
	"github.com/andresmejia3/maskscrub/internal/decode"
	"github.com/andresmejia3/maskscrub/internal/segclient"
	"github.com/andresmejia3/maskscrub/internal/types"
)

func maskPNG(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewAlpha(image.Rect(0, 0, 4, 4))))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    []int
	inflight int
	peak     int
	payload  string
	failOn   map[int]bool
	gates    map[int]chan struct{}
}

func (f *fakeFetcher) FrameMasks(ctx context.Context, folder string, frame int) (segclient.FrameMasksResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, frame)
	f.inflight++
	f.peak = max(f.peak, f.inflight)
	gate := f.gates[frame]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return segclient.FrameMasksResponse{}, ctx.Err()
		}
	}
	if f.failOn[frame] {
		return segclient.FrameMasksResponse{}, errors.New("boom")
	}
	return segclient.FrameMasksResponse{
		FrameIndex: frame,
		Masks:      []segclient.MaskPayload{{ObjectID: 0, MaskPNG: f.payload}},
	}, nil
}

func (f *fakeFetcher) called() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

func TestUpdateFetchesWholeWindow(t *testing.T) {
	masks := cache.NewMaskCache()
	f := &fakeFetcher{payload: maskPNG(t)}
	p := New(f, decode.NewDecoder(nil), masks, Options{})
	defer p.Stop()

	w := p.Update("trackA", 0, 5)
	assert.Equal(t, types.PrefetchWindow{Start: 0, End: 4}, w)
	p.Wait()

	assert.Equal(t, 5, masks.Len())
	for i := 0; i < 5; i++ {
		assert.Contains(t, masks.Get(i), 0)
	}
	assert.LessOrEqual(t, f.peak, types.PrefetchConcurrency)
}

func TestBatchesAreAscendingAndBounded(t *testing.T) {
	masks := cache.NewMaskCache()
	f := &fakeFetcher{payload: maskPNG(t)}
	p := New(f, decode.NewDecoder(nil), masks, Options{Lookahead: 9, Concurrency: 4})
	defer p.Stop()

	p.Update("trackA", 0, 100)
	p.Wait()

	calls := f.called()
	require.Len(t, calls, 10)
	// Completion order inside a batch is free, batch order is not.
	for b, want := range [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}} {
		start := b * 4
		got := append([]int(nil), calls[start:start+len(want)]...)
		sort.Ints(got)
		assert.Equal(t, want, got)
	}
	assert.LessOrEqual(t, f.peak, 4)
}

func TestOutOfOrderArrival(t *testing.T) {
	masks := cache.NewMaskCache()
	gates := map[int]chan struct{}{}
	for i := 0; i < 4; i++ {
		gates[i] = make(chan struct{})
	}
	f := &fakeFetcher{payload: maskPNG(t), gates: gates}
	p := New(f, decode.NewDecoder(nil), masks, Options{})
	defer p.Stop()

	p.Update("trackA", 0, 4)
	for _, i := range []int{3, 1, 0, 2} {
		close(gates[i])
	}
	p.Wait()

	for i := 0; i < 4; i++ {
		assert.True(t, masks.Has(i), "frame %d", i)
	}
}

func TestCachedFramesAreNotRefetched(t *testing.T) {
	masks := cache.NewMaskCache()
	masks.Set(1, 0, image.NewAlpha(image.Rect(0, 0, 1, 1)))
	masks.Set(3, 0, image.NewAlpha(image.Rect(0, 0, 1, 1)))

	f := &fakeFetcher{payload: maskPNG(t)}
	p := New(f, decode.NewDecoder(nil), masks, Options{})
	defer p.Stop()

	p.Update("trackA", 0, 5)
	p.Wait()
	got := f.called()
	sort.Ints(got)
	assert.Equal(t, []int{0, 2, 4}, got)

	// Moving the playhead inside the cached range fetches nothing new.
	p.Update("trackA", 2, 5)
	p.Wait()
	assert.Len(t, f.called(), 3)
}

func TestSupersededScopeIsDropped(t *testing.T) {
	masks := cache.NewMaskCache()
	gate := make(chan struct{})
	f := &fakeFetcher{payload: maskPNG(t), gates: map[int]chan struct{}{0: gate}}
	p := New(f, decode.NewDecoder(nil), masks, Options{})
	defer p.Stop()

	p.Update("trackA", 0, 10)
	p.Update("trackA", 5, 10)
	close(gate)
	p.Wait()

	assert.False(t, masks.Has(0))
	for i := 5; i < 10; i++ {
		assert.True(t, masks.Has(i), "frame %d", i)
	}
}

func TestStaleResponseAfterClearIsDropped(t *testing.T) {
	masks := cache.NewMaskCache()
	gate := make(chan struct{})
	f := &fakeFetcher{payload: maskPNG(t), gates: map[int]chan struct{}{2: gate}}
	p := New(f, decode.NewDecoder(nil), masks, Options{Concurrency: 8})
	defer p.Stop()

	p.Update("trackA", 0, 3)
	masks.Clear()
	close(gate)
	p.Wait()
	assert.False(t, masks.Has(2))

	// Same window, but the cleared cache forces a new scope.
	p.Update("trackA", 0, 3)
	p.Wait()
	assert.True(t, masks.Has(2))
}

func TestFailuresAreLocal(t *testing.T) {
	masks := cache.NewMaskCache()
	f := &fakeFetcher{payload: maskPNG(t), failOn: map[int]bool{1: true}}
	p := New(f, decode.NewDecoder(nil), masks, Options{})
	defer p.Stop()

	p.Update("trackA", 0, 3)
	p.Wait()
	assert.True(t, masks.Has(0))
	assert.False(t, masks.Has(1))
	assert.True(t, masks.Has(2))
}

func TestMalformedMaskMarksErrored(t *testing.T) {
	masks := cache.NewMaskCache()
	f := &fakeFetcher{payload: "!!not-base64"}
	p := New(f, decode.NewDecoder(nil), masks, Options{})
	defer p.Stop()

	p.Update("trackA", 0, 1)
	p.Wait()
	assert.True(t, masks.Has(0))
	assert.Empty(t, masks.Get(0))
	assert.Error(t, masks.Errored(0, 0))
}

func TestNoDatasetIsNoop(t *testing.T) {
	masks := cache.NewMaskCache()
	f := &fakeFetcher{}
	p := New(f, decode.NewDecoder(nil), masks, Options{})

	w := p.Update("", 0, 10)
	assert.True(t, w.Empty())
	w = p.Update("trackA", 0, 0)
	assert.True(t, w.Empty())
	p.Wait()
	assert.Empty(t, f.called())
}
