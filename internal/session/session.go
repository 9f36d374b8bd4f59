// Package session runs click round trips against the remote model.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andresmejia3/maskscrub/internal/cache"
	"github.com/andresmejia3/maskscrub/internal/decode"
	"github.com/andresmejia3/maskscrub/internal/logging"
	"github.com/andresmejia3/maskscrub/internal/metrics"
	"github.com/andresmejia3/maskscrub/internal/registry"
	"github.com/andresmejia3/maskscrub/internal/segclient"
	"github.com/andresmejia3/maskscrub/internal/types"
)

// ErrPrecondition reports a click that was ignored: no object selected, no
// dataset, or the model not loaded for it. It is informational; nothing was sent.
var ErrPrecondition = errors.New("click ignored")

// ClickBackend is the slice of the backend a click needs.
type ClickBackend interface {
	Click(ctx context.Context, req segclient.ClickRequest) (segclient.ClickResponse, error)
}

type State int

const (
	Idle State = iota
	Sending
	Applied
	Failed
)

func (s State) String() string {
	switch s {
	case Sending:
		return "sending"
	case Applied:
		return "applied"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// Request is a click as captured on screen.
type Request struct {
	Dataset     string
	Frame       int
	NormalizedX float64
	NormalizedY float64
	Type        types.ClickType
	// Native frame resolution used for the pixel conversion.
	Width  int
	Height int
}

// PixelCoords maps a normalized point onto the native frame resolution.
func PixelCoords(nx, ny float64, width, height int) (int, int) {
	return int(math.Round(nx * float64(width))), int(math.Round(ny * float64(height)))
}

// Task is one click round trip. It settles exactly once, as Applied or Failed.
type Task struct {
	ID       uuid.UUID
	ObjectID int
	Request  Request

	cancel context.CancelFunc
	done   chan struct{}

	generation uint64

	mu            sync.Mutex
	state         State
	err           error
	responseFrame int
	dropped       bool
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err is the transport error of a failed task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// ResponseFrame is the frame the backend reported the masks for.
func (t *Task) ResponseFrame() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responseFrame
}

// Dropped reports whether the click was not recorded, either because the
// object was deleted or the dataset changed while the request was in flight.
func (t *Task) Dropped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Done is closed once the task settles.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task settles or ctx ends, and returns the task error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the request. Navigation never calls this; only shutdown does.
func (t *Task) Cancel() { t.cancel() }

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Clicker starts click tasks. There is no bound on concurrent tasks.
type Clicker struct {
	backend ClickBackend
	decoder decode.MaskDecoder
	masks   *cache.MaskCache
	objects *registry.Registry
	logger  *zap.Logger

	// OnComplete, if set, runs after a task settles and before Done is closed.
	OnComplete func(*Task)

	generation atomic.Uint64
	wg         sync.WaitGroup
}

func NewClicker(backend ClickBackend, decoder decode.MaskDecoder, masks *cache.MaskCache, objects *registry.Registry, logger *zap.Logger) *Clicker {
	return &Clicker{
		backend: backend,
		decoder: decoder,
		masks:   masks,
		objects: objects,
		logger:  logging.OrNop(logger).Named("clicker"),
	}
}

// Click starts a round trip for the selected object. When the preconditions do
// not hold nothing is sent and the returned error wraps ErrPrecondition.
func (c *Clicker) Click(model types.ModelState, req Request) (*Task, error) {
	if req.Dataset == "" {
		return nil, fmt.Errorf("%w: no dataset", ErrPrecondition)
	}
	objectID, ok := c.objects.Selected()
	if !ok {
		return nil, fmt.Errorf("%w: no object selected", ErrPrecondition)
	}
	if !model.Loaded(req.Dataset) {
		return nil, fmt.Errorf("%w: model not loaded for %s", ErrPrecondition, req.Dataset)
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, fmt.Errorf("%w: frame resolution unknown", ErrPrecondition)
	}
	if req.Type == "" {
		req.Type = types.ClickPositive
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		ID:         uuid.New(),
		ObjectID:   objectID,
		Request:    req,
		cancel:     cancel,
		done:       make(chan struct{}),
		generation: c.generation.Load(),
	}

	c.wg.Add(1)
	t.setState(Sending)
	go c.run(ctx, t)
	return t, nil
}

// Invalidate marks every in-flight task stale. Their responses are discarded
// when they arrive. Called when the active dataset changes.
func (c *Clicker) Invalidate() {
	c.generation.Add(1)
}

// Wait blocks until every started task has settled.
func (c *Clicker) Wait() {
	c.wg.Wait()
}

func (c *Clicker) run(ctx context.Context, t *Task) {
	defer c.wg.Done()
	defer t.cancel()

	x, y := PixelCoords(t.Request.NormalizedX, t.Request.NormalizedY, t.Request.Width, t.Request.Height)
	log := c.logger.With(zap.Stringer("task", t.ID), zap.Int("object", t.ObjectID), zap.Int("frame", t.Request.Frame))

	resp, err := c.backend.Click(ctx, segclient.ClickRequest{
		Folder:     t.Request.Dataset,
		FrameIndex: t.Request.Frame,
		X:          x,
		Y:          y,
		IsPositive: t.Request.Type == types.ClickPositive,
		ObjectID:   t.ObjectID,
	})
	if err != nil {
		log.Warn("click failed", zap.Error(err))
		t.mu.Lock()
		t.state, t.err = Failed, err
		t.mu.Unlock()
		metrics.ClickSessions.WithLabelValues(Failed.String()).Inc()
		c.finish(t)
		return
	}

	if t.generation != c.generation.Load() {
		log.Debug("dataset changed while click was in flight")
		t.mu.Lock()
		t.state, t.responseFrame, t.dropped = Applied, resp.FrameIndex, true
		t.mu.Unlock()
		metrics.ClickSessions.WithLabelValues(Applied.String()).Inc()
		c.finish(t)
		return
	}

	// Masks land even when the object was deleted meanwhile. Only the click
	// record is guarded, so the label count is never resurrected.
	for _, m := range resp.UpdatedMasks {
		bmp, err := c.decoder.DecodeMask(m.MaskPNG)
		if err != nil {
			log.Warn("mask decode failed", zap.Int("mask_object", m.ObjectID), zap.Error(err))
			c.masks.MarkErrored(resp.FrameIndex, m.ObjectID, err)
			continue
		}
		c.masks.Set(resp.FrameIndex, m.ObjectID, bmp)
	}

	recorded := c.objects.AppendClick(types.Click{
		NormalizedX: t.Request.NormalizedX,
		NormalizedY: t.Request.NormalizedY,
		Type:        t.Request.Type,
		ObjectID:    t.ObjectID,
		Frame:       t.Request.Frame,
	})
	if !recorded {
		log.Debug("object deleted while click was in flight")
	}

	t.mu.Lock()
	t.state, t.responseFrame, t.dropped = Applied, resp.FrameIndex, !recorded
	t.mu.Unlock()
	metrics.ClickSessions.WithLabelValues(Applied.String()).Inc()
	c.finish(t)
}

func (c *Clicker) finish(t *Task) {
	if c.OnComplete != nil {
		c.OnComplete(t)
	}
	close(t.done)
}
