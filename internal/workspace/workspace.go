// Package workspace owns the state of one annotation session: the active
// dataset, playhead, click mode, model state and playback, and wires the
// caches, prefetcher, object registry and clicker together.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/andresmejia3/maskscrub/internal/cache"
	"github.com/andresmejia3/maskscrub/internal/compositor"
	"github.com/andresmejia3/maskscrub/internal/decode"
	"github.com/andresmejia3/maskscrub/internal/frameindex"
	"github.com/andresmejia3/maskscrub/internal/logging"
	"github.com/andresmejia3/maskscrub/internal/prefetch"
	"github.com/andresmejia3/maskscrub/internal/registry"
	"github.com/andresmejia3/maskscrub/internal/segclient"
	"github.com/andresmejia3/maskscrub/internal/session"
	"github.com/andresmejia3/maskscrub/internal/types"
)

// ErrNoDataset is returned by operations that need an active dataset.
var ErrNoDataset = errors.New("no dataset selected")

// Backend is everything a workspace asks of the remote model.
type Backend interface {
	prefetch.MaskFetcher
	session.ClickBackend
	LoadModel(ctx context.Context, folder string) (segclient.LoadModelResponse, error)
	PropagateMasks(ctx context.Context, folder string, totalFrames int) (segclient.PropagateResponse, error)
	StartExport(ctx context.Context, folder string, opts segclient.ExportOptions) (string, error)
	Folder(ctx context.Context, name string) (segclient.FolderMetadata, bool, error)
}

type Options struct {
	Lookahead     int
	Concurrency   int
	FrameCacheCap int
	Clock         clock.Clock
	Logger        *zap.Logger
	// OnChange is called whenever something a render depends on may have changed.
	OnChange func()
}

type Workspace struct {
	backend    Backend
	frames     *cache.FrameCache
	masks      *cache.MaskCache
	prefetcher *prefetch.Prefetcher
	objects    *registry.Registry
	clicker    *session.Clicker
	clock      clock.Clock
	logger     *zap.Logger
	onChange   func()

	mu       sync.Mutex
	index    *frameindex.Index
	playhead int
	mode     types.ClickType
	model    types.ModelState
	stopPlay context.CancelFunc
	playDone chan struct{}
}

func New(backend Backend, frameDecoder decode.FrameDecoder, maskDecoder decode.MaskDecoder, opts Options) *Workspace {
	logger := logging.OrNop(opts.Logger)
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	w := &Workspace{
		backend:  backend,
		masks:    cache.NewMaskCache(),
		objects:  registry.New(),
		clock:    clk,
		logger:   logger.Named("workspace"),
		onChange: opts.OnChange,
		mode:     types.ClickPositive,
	}
	w.frames = cache.NewFrameCache(frameDecoder, cache.FrameCacheOptions{
		Cap:    opts.FrameCacheCap,
		Logger: logger,
		OnSettled: func(int, types.SlotState) {
			w.changed()
		},
	})
	w.prefetcher = prefetch.New(backend, maskDecoder, w.masks, prefetch.Options{
		Lookahead:   opts.Lookahead,
		Concurrency: opts.Concurrency,
		Logger:      logger,
	})
	w.clicker = session.NewClicker(backend, maskDecoder, w.masks, w.objects, logger)
	w.clicker.OnComplete = func(*session.Task) { w.changed() }
	return w
}

func (w *Workspace) changed() {
	if w.onChange != nil {
		w.onChange()
	}
}

// SelectDataset makes idx the active dataset. Both caches and the object
// registry are cleared, the playhead returns to 0 and the model is unloaded.
// Clicks still in flight for the previous dataset are discarded on arrival.
// A missing native resolution is looked up from the backend's folder metadata.
func (w *Workspace) SelectDataset(ctx context.Context, idx *frameindex.Index) {
	w.Pause()
	w.prefetcher.Stop()

	if idx != nil && (idx.Width == 0 || idx.Height == 0) {
		meta, ok, err := w.backend.Folder(ctx, idx.Dataset)
		switch {
		case err != nil:
			w.logger.Warn("folder metadata unavailable", zap.String("dataset", idx.Dataset), zap.Error(err))
		case ok && meta.Width > 0 && meta.Height > 0:
			idx = idx.WithResolution(meta.Width, meta.Height)
		}
	}

	w.mu.Lock()
	w.index = idx
	w.playhead = 0
	w.model = types.ModelState{Phase: types.ModelUnloaded}
	w.mu.Unlock()

	w.clicker.Invalidate()
	w.masks.Clear()
	w.frames.Reset(idx)
	w.objects.Reset()

	if idx != nil {
		w.logger.Info("dataset selected", zap.String("dataset", idx.Dataset), zap.Int("frames", idx.Len()))
	}
	w.refresh()
}

// Dataset returns the active dataset name, empty when none is selected.
func (w *Workspace) Dataset() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.index == nil {
		return ""
	}
	return w.index.Dataset
}

// TotalFrames returns the length of the active dataset.
func (w *Workspace) TotalFrames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.index.Len()
}

// Current returns the playhead.
func (w *Workspace) Current() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.playhead
}

// refresh re-targets the prefetcher and frame cache at the playhead.
func (w *Workspace) refresh() {
	w.mu.Lock()
	dataset, total, current := "", w.index.Len(), w.playhead
	if w.index != nil {
		dataset = w.index.Dataset
	}
	w.mu.Unlock()

	win := w.prefetcher.Update(dataset, current, total)
	w.frames.SetWindow(win)
	for i := win.Start; i <= win.End; i++ {
		w.frames.Get(i)
	}
	w.changed()
}

// SetFrame moves the playhead, clamped to the dataset.
func (w *Workspace) SetFrame(frame int) int {
	w.mu.Lock()
	total := w.index.Len()
	if total == 0 {
		w.mu.Unlock()
		return 0
	}
	frame = max(0, min(frame, total-1))
	moved := frame != w.playhead
	w.playhead = frame
	w.mu.Unlock()

	if moved {
		w.refresh()
	}
	return frame
}

// Step moves the playhead by delta frames.
func (w *Workspace) Step(delta int) int {
	return w.SetFrame(w.Current() + delta)
}

func (w *Workspace) First() int { return w.SetFrame(0) }

func (w *Workspace) Last() int { return w.SetFrame(w.TotalFrames() - 1) }

func (w *Workspace) ClickMode() types.ClickType {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

func (w *Workspace) SetClickMode(mode types.ClickType) {
	w.mu.Lock()
	w.mode = mode
	w.mu.Unlock()
}

// Model returns the remote model state for the active dataset.
func (w *Workspace) Model() types.ModelState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.model
}

// LoadModel loads the remote model for the active dataset. A result that
// arrives after the dataset changed is ignored.
func (w *Workspace) LoadModel(ctx context.Context) (types.ModelState, error) {
	w.mu.Lock()
	idx := w.index
	if idx == nil {
		w.mu.Unlock()
		return types.ModelState{}, ErrNoDataset
	}
	w.model = types.ModelState{Phase: types.ModelLoading}
	w.mu.Unlock()
	w.changed()

	resp, err := w.backend.LoadModel(ctx, idx.Dataset)

	w.mu.Lock()
	if w.index != idx {
		state := w.model
		w.mu.Unlock()
		return state, fmt.Errorf("dataset changed while loading model for %s", idx.Dataset)
	}
	if err != nil {
		w.model = types.ModelState{Phase: types.ModelUnloaded}
	} else {
		w.model = types.ModelState{Phase: types.ModelLoaded, Folder: idx.Dataset, Frames: resp.Frames}
	}
	state := w.model
	w.mu.Unlock()
	w.changed()

	if err != nil {
		return state, fmt.Errorf("load model: %w", err)
	}
	w.logger.Info("model loaded", zap.String("dataset", idx.Dataset), zap.Int("frames", resp.Frames))
	return state, nil
}

// Click starts a click at a normalized position on the current frame, with the
// current click mode, for the selected object. The returned error wraps
// session.ErrPrecondition when the click was ignored.
func (w *Workspace) Click(nx, ny float64) (*session.Task, error) {
	w.mu.Lock()
	idx, frame, mode, model := w.index, w.playhead, w.mode, w.model
	w.mu.Unlock()

	if idx == nil {
		return nil, fmt.Errorf("%w: %w", session.ErrPrecondition, ErrNoDataset)
	}
	width, height := idx.Width, idx.Height
	if width == 0 || height == 0 {
		if df, state := w.frames.Get(frame); state == types.SlotReady {
			width, height = df.Width, df.Height
		}
	}

	return w.clicker.Click(model, session.Request{
		Dataset:     idx.Dataset,
		Frame:       frame,
		NormalizedX: nx,
		NormalizedY: ny,
		Type:        mode,
		Width:       width,
		Height:      height,
	})
}

// WaitClicks blocks until every click started so far has settled.
func (w *Workspace) WaitClicks() {
	w.clicker.Wait()
}

// Objects exposes the object registry.
func (w *Workspace) Objects() *registry.Registry {
	return w.objects
}

// CreateObject adds a new object and selects it.
func (w *Workspace) CreateObject(name, className string) types.SegmentObject {
	obj := w.objects.Create(name, className)
	w.changed()
	return obj
}

// DeleteObject removes the object, its clicks and its cached masks.
func (w *Workspace) DeleteObject(id int) error {
	if err := w.objects.Delete(id); err != nil {
		return err
	}
	w.masks.DeleteObject(id)
	w.changed()
	return nil
}

func (w *Workspace) ToggleVisibility(id int) (bool, error) {
	v, err := w.objects.ToggleVisibility(id)
	if err == nil {
		w.changed()
	}
	return v, err
}

func (w *Workspace) SelectObject(id int) error {
	return w.objects.Select(id)
}

// Propagate runs server-side propagation and, on success, drops every cached
// mask so the window is fetched again.
func (w *Workspace) Propagate(ctx context.Context) (segclient.PropagateResponse, error) {
	w.mu.Lock()
	idx := w.index
	w.mu.Unlock()
	if idx == nil {
		return segclient.PropagateResponse{}, ErrNoDataset
	}

	resp, err := w.backend.PropagateMasks(ctx, idx.Dataset, idx.Len())
	if err != nil {
		return resp, fmt.Errorf("propagate masks: %w", err)
	}

	w.mu.Lock()
	same := w.index == idx
	w.mu.Unlock()
	if !same {
		return resp, nil
	}

	w.masks.Clear()
	w.logger.Info("masks propagated", zap.String("dataset", idx.Dataset), zap.Int("frames_updated", resp.FramesUpdated))
	w.refresh()
	return resp, nil
}

// Export starts a YOLO export of the active dataset and returns its job id.
func (w *Workspace) Export(ctx context.Context, opts segclient.ExportOptions) (string, error) {
	dataset := w.Dataset()
	if dataset == "" {
		return "", ErrNoDataset
	}
	return w.backend.StartExport(ctx, dataset, opts)
}

// Play advances the playhead one frame per tick at fps until the last frame
// or Pause. Playing again while already playing restarts the ticker.
func (w *Workspace) Play(fps int) error {
	if fps <= 0 {
		return fmt.Errorf("fps must be > 0, got %d", fps)
	}
	w.Pause()

	w.mu.Lock()
	if w.index.Len() == 0 {
		w.mu.Unlock()
		return ErrNoDataset
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.stopPlay, w.playDone = cancel, done
	w.mu.Unlock()

	ticker := w.clock.Ticker(time.Second / time.Duration(fps))
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !w.advance() {
					return
				}
			}
		}
	}()
	return nil
}

// advance moves one frame forward; false once the last frame is reached.
func (w *Workspace) advance() bool {
	w.mu.Lock()
	if w.playhead >= w.index.Len()-1 {
		w.mu.Unlock()
		return false
	}
	w.playhead++
	w.mu.Unlock()
	w.refresh()
	return true
}

// Pause stops playback and waits for the playback loop to exit.
func (w *Workspace) Pause() {
	w.mu.Lock()
	cancel, done := w.stopPlay, w.playDone
	w.stopPlay, w.playDone = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Playing reports whether the playback loop is running.
func (w *Workspace) Playing() bool {
	w.mu.Lock()
	done := w.playDone
	w.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Scene snapshots everything the compositor needs for the current frame.
func (w *Workspace) Scene() compositor.Scene {
	w.mu.Lock()
	frame := w.playhead
	var width, height int
	if w.index != nil {
		width, height = w.index.Width, w.index.Height
	}
	w.mu.Unlock()

	df, state := w.frames.Get(frame)
	return compositor.Scene{
		Frame:   df,
		State:   state,
		Width:   width,
		Height:  height,
		Masks:   w.masks.Get(frame),
		Objects: w.objects.VisibleObjects(),
		Clicks:  w.objects.VisibleClicks(frame),
	}
}

// Render draws the current frame letterboxed into a viewW x viewH view.
func (w *Workspace) Render(viewW, viewH int) *image.NRGBA {
	return compositor.Render(w.Scene(), viewW, viewH)
}

// RenderAt moves the playhead to frame, waits for its decode and its mask
// window, and composes it at native resolution. Decode failures render as a
// placeholder; only ctx cancellation is an error.
func (w *Workspace) RenderAt(ctx context.Context, frame int) (*image.NRGBA, error) {
	frame = w.SetFrame(frame)
	if _, err := w.frames.Load(ctx, frame); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	w.prefetcher.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return compositor.Compose(w.Scene()), nil
}

// MaskVersion changes whenever the mask cache does.
func (w *Workspace) MaskVersion() uint64 {
	return w.masks.Version()
}

// Masks exposes the mask cache for inspection.
func (w *Workspace) Masks() *cache.MaskCache {
	return w.masks
}

// Close stops playback and background work and waits for it to drain.
// In-flight clicks are allowed to finish.
func (w *Workspace) Close() {
	w.Pause()
	w.prefetcher.Stop()
	w.clicker.Wait()
	w.frames.Close()
}
