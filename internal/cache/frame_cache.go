package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/andresmejia3/maskscrub/internal/decode"
	"github.com/andresmejia3/maskscrub/internal/frameindex"
	"github.com/andresmejia3/maskscrub/internal/logging"
	"github.com/andresmejia3/maskscrub/internal/metrics"
	"github.com/andresmejia3/maskscrub/internal/types"
)

// errStaleGeneration is returned by decodes that outlived a Reset.
var errStaleGeneration = errors.New("frame cache reset while decoding")

type frameSlot struct {
	state     types.SlotState
	frame     types.DecodedFrame
	err       error
	displayed uint64 // tick of the last Get that returned this frame
}

// FrameCacheOptions configures a FrameCache.
type FrameCacheOptions struct {
	// Cap bounds the number of resident decoded frames. Zero means unbounded.
	Cap int
	// OnSettled is called after a slot becomes ready or errored.
	OnSettled func(index int, state types.SlotState)
	Logger    *zap.Logger
}

// FrameCache is an index-keyed store of decoded frames for the active dataset.
// Misses start an asynchronous decode; the same index is never decoded twice concurrently.
type FrameCache struct {
	decoder decode.FrameDecoder
	opts    FrameCacheOptions
	logger  *zap.Logger
	group   singleflight.Group
	wg      sync.WaitGroup

	mu     sync.Mutex
	index  *frameindex.Index
	gen    uint64
	slots  map[int]*frameSlot
	window types.PrefetchWindow
	tick   uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// NewFrameCache returns an empty cache. Call Reset to attach a dataset.
func NewFrameCache(decoder decode.FrameDecoder, opts FrameCacheOptions) *FrameCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &FrameCache{
		decoder: decoder,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).Named("frame_cache"),
		slots:   make(map[int]*frameSlot),
		window:  types.PrefetchWindow{Start: 0, End: -1},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Reset drops every slot and attaches idx. In-flight decodes are cancelled and their results discarded.
func (c *FrameCache) Reset(idx *frameindex.Index) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.gen++
	c.index = idx
	c.slots = make(map[int]*frameSlot)
	c.window = types.PrefetchWindow{Start: 0, End: -1}
}

// SetWindow tells the cache which frames must never be evicted.
func (c *FrameCache) SetWindow(w types.PrefetchWindow) {
	c.mu.Lock()
	c.window = w
	c.mu.Unlock()
}

// Get returns the decoded frame at index, or its current state when not ready.
// A miss triggers an asynchronous decode and reports SlotPending. Get never blocks on I/O.
func (c *FrameCache) Get(index int) (types.DecodedFrame, types.SlotState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame, ok := c.index.At(index)
	if !ok {
		return types.DecodedFrame{}, types.SlotEmpty
	}

	if s, ok := c.slots[index]; ok {
		if s.state == types.SlotReady {
			c.tick++
			s.displayed = c.tick
			metrics.FrameCacheEvents.WithLabelValues("hit").Inc()
		}
		return s.frame, s.state
	}

	metrics.FrameCacheEvents.WithLabelValues("miss").Inc()
	c.slots[index] = &frameSlot{state: types.SlotPending}
	c.startLocked(frame)
	return types.DecodedFrame{}, types.SlotPending
}

// Load is the blocking form of Get: it waits for the decode of index to settle.
func (c *FrameCache) Load(ctx context.Context, index int) (types.DecodedFrame, error) {
	c.mu.Lock()
	frame, ok := c.index.At(index)
	if !ok {
		c.mu.Unlock()
		return types.DecodedFrame{}, fmt.Errorf("frame %d out of range", index)
	}
	if s, ok := c.slots[index]; ok && s.state != types.SlotPending {
		c.mu.Unlock()
		return s.frame, s.err
	}
	if _, ok := c.slots[index]; !ok {
		c.slots[index] = &frameSlot{state: types.SlotPending}
	}
	gen, dctx := c.gen, c.ctx
	c.mu.Unlock()

	ch := c.group.DoChan(c.key(gen, index), c.decodeFunc(dctx, gen, frame))
	select {
	case res := <-ch:
		if res.Err != nil {
			return types.DecodedFrame{}, res.Err
		}
		return res.Val.(types.DecodedFrame), nil
	case <-ctx.Done():
		return types.DecodedFrame{}, ctx.Err()
	}
}

// State reports the slot state without triggering a decode.
func (c *FrameCache) State(index int) types.SlotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index.At(index); !ok {
		return types.SlotEmpty
	}
	if s, ok := c.slots[index]; ok {
		return s.state
	}
	return types.SlotEmpty
}

// Resident returns the number of ready frames held.
func (c *FrameCache) Resident() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.slots {
		if s.state == types.SlotReady {
			n++
		}
	}
	return n
}

// Wait blocks until every decode started so far has settled.
func (c *FrameCache) Wait() {
	c.wg.Wait()
}

// Close cancels outstanding decodes and waits for them to exit.
func (c *FrameCache) Close() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *FrameCache) key(gen uint64, index int) string {
	return fmt.Sprintf("%d/%d", gen, index)
}

func (c *FrameCache) startLocked(frame types.Frame) {
	gen, ctx := c.gen, c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.group.Do(c.key(gen, frame.Index), c.decodeFunc(ctx, gen, frame))
	}()
}

func (c *FrameCache) decodeFunc(ctx context.Context, gen uint64, frame types.Frame) func() (interface{}, error) {
	return func() (interface{}, error) {
		// A previous flight may already have settled this slot.
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return nil, errStaleGeneration
		}
		if s, ok := c.slots[frame.Index]; ok && s.state != types.SlotPending {
			c.mu.Unlock()
			return s.frame, s.err
		}
		c.mu.Unlock()

		df, err := c.decoder.DecodeFrame(ctx, frame)

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			c.logger.Debug("discarding frame decoded for a previous dataset", zap.Int("frame", frame.Index))
			return nil, errStaleGeneration
		}
		s := &frameSlot{state: types.SlotReady, frame: df}
		if err != nil {
			s = &frameSlot{state: types.SlotErrored, err: err}
			metrics.FrameCacheEvents.WithLabelValues("error").Inc()
			c.logger.Warn("frame decode failed", zap.Int("frame", frame.Index), zap.Error(err))
		}
		c.slots[frame.Index] = s
		if s.state == types.SlotReady {
			c.evictLocked()
		}
		c.mu.Unlock()

		if c.opts.OnSettled != nil {
			c.opts.OnSettled(frame.Index, s.state)
		}
		return df, err
	}
}

// evictLocked drops least-recently-displayed ready frames outside the window until under Cap.
func (c *FrameCache) evictLocked() {
	if c.opts.Cap <= 0 {
		return
	}
	for {
		resident := 0
		victim, oldest := -1, ^uint64(0)
		for idx, s := range c.slots {
			if s.state != types.SlotReady {
				continue
			}
			resident++
			if c.window.Contains(idx) {
				continue
			}
			if s.displayed < oldest || (s.displayed == oldest && idx < victim) {
				victim, oldest = idx, s.displayed
			}
		}
		if resident <= c.opts.Cap || victim < 0 {
			return
		}
		delete(c.slots, victim)
	}
}
