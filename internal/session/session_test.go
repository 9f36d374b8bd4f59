package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/maskscrub/internal/cache"
	"github.com/andresmejia3/maskscrub/internal/decode"
	"github.com/andresmejia3/maskscrub/internal/registry"
	"github.com/andresmejia3/maskscrub/internal/segclient"
	"github.com/andresmejia3/maskscrub/internal/types"
)

func maskPNG(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewAlpha(image.Rect(0, 0, 2, 2))))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []segclient.ClickRequest
	gate     chan struct{}
	respond  func(segclient.ClickRequest) (segclient.ClickResponse, error)
}

func (b *fakeBackend) Click(ctx context.Context, req segclient.ClickRequest) (segclient.ClickResponse, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if b.gate != nil {
		<-b.gate
	}
	return b.respond(req)
}

func (b *fakeBackend) sent() []segclient.ClickRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]segclient.ClickRequest(nil), b.requests...)
}

var loaded = types.ModelState{Phase: types.ModelLoaded, Folder: "trackA", Frames: 5}

func request(frame int) Request {
	return Request{Dataset: "trackA", Frame: frame, NormalizedX: 0.5, NormalizedY: 0.5, Type: types.ClickPositive, Width: 640, Height: 480}
}

func setup(t *testing.T, b *fakeBackend) (*Clicker, *cache.MaskCache, *registry.Registry) {
	t.Helper()
	masks := cache.NewMaskCache()
	objects := registry.New()
	return NewClicker(b, decode.NewDecoder(nil), masks, objects, nil), masks, objects
}

func TestPixelCoords(t *testing.T) {
	tests := []struct {
		nx, ny float64
		w, h   int
		x, y   int
	}{
		{0.5, 0.5, 640, 480, 320, 240},
		{0, 0, 640, 480, 0, 0},
		{0.3333, 0.6667, 1920, 1080, 640, 720},
		{1, 1, 10, 10, 10, 10},
	}
	for _, tt := range tests {
		x, y := PixelCoords(tt.nx, tt.ny, tt.w, tt.h)
		assert.Equal(t, tt.x, x)
		assert.Equal(t, tt.y, y)
	}
}

func TestClickAppliesAtResponseFrame(t *testing.T) {
	payload := maskPNG(t)
	b := &fakeBackend{respond: func(req segclient.ClickRequest) (segclient.ClickResponse, error) {
		return segclient.ClickResponse{
			FrameIndex:   req.FrameIndex + 1,
			UpdatedMasks: []segclient.MaskPayload{{ObjectID: req.ObjectID, MaskPNG: payload}},
		}, nil
	}}
	c, masks, objects := setup(t, b)
	obj := objects.Create("x", "person")

	var completed *Task
	c.OnComplete = func(t *Task) { completed = t }

	task, err := c.Click(loaded, request(2))
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))

	assert.Equal(t, Applied, task.State())
	assert.Same(t, task, completed)
	assert.Equal(t, 3, task.ResponseFrame())
	assert.Contains(t, masks.Get(3), obj.ID)
	assert.False(t, masks.Has(2))

	sent := b.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, segclient.ClickRequest{Folder: "trackA", FrameIndex: 2, X: 320, Y: 240, IsPositive: true, ObjectID: obj.ID}, sent[0])

	got, _ := objects.Get(obj.ID)
	assert.Equal(t, 1, got.LabelCount)
	// The marker stays on the frame the user clicked.
	clicks := objects.Clicks()
	require.Len(t, clicks, 1)
	assert.Equal(t, 2, clicks[0].Frame)
}

func TestNegativeClick(t *testing.T) {
	b := &fakeBackend{respond: func(req segclient.ClickRequest) (segclient.ClickResponse, error) {
		return segclient.ClickResponse{FrameIndex: req.FrameIndex}, nil
	}}
	c, _, objects := setup(t, b)
	objects.Create("x", "person")

	req := request(0)
	req.Type = types.ClickNegative
	task, err := c.Click(loaded, req)
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))
	assert.False(t, b.sent()[0].IsPositive)
}

func TestPreconditionsMakeClickNoop(t *testing.T) {
	b := &fakeBackend{}
	c, _, objects := setup(t, b)

	_, err := c.Click(loaded, request(0))
	assert.ErrorIs(t, err, ErrPrecondition, "no selection")

	objects.Create("x", "person")
	_, err = c.Click(types.ModelState{}, request(0))
	assert.ErrorIs(t, err, ErrPrecondition, "model unloaded")

	other := types.ModelState{Phase: types.ModelLoaded, Folder: "trackB"}
	_, err = c.Click(other, request(0))
	assert.ErrorIs(t, err, ErrPrecondition, "model loaded for another dataset")

	req := request(0)
	req.Dataset = ""
	_, err = c.Click(loaded, req)
	assert.ErrorIs(t, err, ErrPrecondition, "no dataset")

	c.Wait()
	assert.Empty(t, b.sent())
}

func TestFailedClickLeavesStateAlone(t *testing.T) {
	boom := &segclient.TransportError{Op: "Click", StatusCode: 500}
	b := &fakeBackend{respond: func(segclient.ClickRequest) (segclient.ClickResponse, error) {
		return segclient.ClickResponse{}, boom
	}}
	c, masks, objects := setup(t, b)
	obj := objects.Create("x", "person")

	task, err := c.Click(loaded, request(1))
	require.NoError(t, err)
	err = task.Wait(context.Background())

	var te *segclient.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, Failed, task.State())
	assert.Zero(t, masks.Len())
	assert.Empty(t, objects.Clicks())
	got, _ := objects.Get(obj.ID)
	assert.Zero(t, got.LabelCount)
}

func TestDeletedObjectGuard(t *testing.T) {
	payload := maskPNG(t)
	b := &fakeBackend{gate: make(chan struct{}), respond: func(req segclient.ClickRequest) (segclient.ClickResponse, error) {
		return segclient.ClickResponse{
			FrameIndex:   req.FrameIndex,
			UpdatedMasks: []segclient.MaskPayload{{ObjectID: req.ObjectID, MaskPNG: payload}},
		}, nil
	}}
	c, masks, objects := setup(t, b)
	x := objects.Create("x", "person")

	task, err := c.Click(loaded, request(4))
	require.NoError(t, err)

	require.NoError(t, objects.Delete(x.ID))
	masks.DeleteObject(x.ID)
	close(b.gate)
	require.NoError(t, task.Wait(context.Background()))

	assert.Equal(t, Applied, task.State())
	assert.True(t, task.Dropped())
	assert.False(t, objects.Exists(x.ID))
	assert.Empty(t, objects.Objects())
	assert.Empty(t, objects.Clicks())
	_, ok := objects.Get(x.ID)
	assert.False(t, ok, "label count must not come back")

	// The response still reaches the cache.
	assert.True(t, masks.Has(4))
	assert.Contains(t, masks.Get(4), x.ID)
}

func TestInvalidateDiscardsInFlightClick(t *testing.T) {
	payload := maskPNG(t)
	b := &fakeBackend{gate: make(chan struct{}), respond: func(req segclient.ClickRequest) (segclient.ClickResponse, error) {
		return segclient.ClickResponse{
			FrameIndex:   req.FrameIndex,
			UpdatedMasks: []segclient.MaskPayload{{ObjectID: req.ObjectID, MaskPNG: payload}},
		}, nil
	}}
	c, masks, objects := setup(t, b)
	obj := objects.Create("x", "person")

	task, err := c.Click(loaded, request(1))
	require.NoError(t, err)

	c.Invalidate()
	close(b.gate)
	require.NoError(t, task.Wait(context.Background()))

	assert.Equal(t, Applied, task.State())
	assert.True(t, task.Dropped())
	assert.Zero(t, masks.Len())
	assert.Empty(t, objects.Clicks())
	got, _ := objects.Get(obj.ID)
	assert.Zero(t, got.LabelCount)

	// Tasks started after the switch apply normally.
	b.gate = nil
	task, err = c.Click(loaded, request(2))
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))
	assert.False(t, task.Dropped())
	assert.Contains(t, masks.Get(2), obj.ID)
}

func TestMalformedMaskMarksErrored(t *testing.T) {
	b := &fakeBackend{respond: func(req segclient.ClickRequest) (segclient.ClickResponse, error) {
		return segclient.ClickResponse{
			FrameIndex:   req.FrameIndex,
			UpdatedMasks: []segclient.MaskPayload{{ObjectID: req.ObjectID, MaskPNG: "garbage!"}},
		}, nil
	}}
	c, masks, objects := setup(t, b)
	obj := objects.Create("x", "person")

	task, err := c.Click(loaded, request(0))
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))

	assert.Error(t, masks.Errored(0, obj.ID))
	assert.Empty(t, masks.Get(0))
	got, _ := objects.Get(obj.ID)
	assert.Equal(t, 1, got.LabelCount)
}

func TestConcurrentClicksAllSettle(t *testing.T) {
	payload := maskPNG(t)
	b := &fakeBackend{respond: func(req segclient.ClickRequest) (segclient.ClickResponse, error) {
		time.Sleep(time.Millisecond)
		return segclient.ClickResponse{
			FrameIndex:   req.FrameIndex,
			UpdatedMasks: []segclient.MaskPayload{{ObjectID: req.ObjectID, MaskPNG: payload}},
		}, nil
	}}
	c, masks, objects := setup(t, b)
	obj := objects.Create("x", "person")

	for i := 0; i < 10; i++ {
		_, err := c.Click(loaded, request(i))
		require.NoError(t, err)
	}
	c.Wait()

	got, _ := objects.Get(obj.ID)
	assert.Equal(t, 10, got.LabelCount)
	assert.Equal(t, 10, masks.Len())
}
