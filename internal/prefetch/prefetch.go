// Package prefetch keeps the masks of the frames ahead of the playhead warm.
package prefetch

import (
	"context"
	"image"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/maskscrub/internal/cache"
	"github.com/andresmejia3/maskscrub/internal/decode"
	"github.com/andresmejia3/maskscrub/internal/logging"
	"github.com/andresmejia3/maskscrub/internal/metrics"
	"github.com/andresmejia3/maskscrub/internal/segclient"
	"github.com/andresmejia3/maskscrub/internal/types"
)

// MaskFetcher is the slice of the backend the prefetcher needs.
type MaskFetcher interface {
	FrameMasks(ctx context.Context, folder string, frame int) (segclient.FrameMasksResponse, error)
}

// Options tunes a Prefetcher. Zero values fall back to the package defaults.
type Options struct {
	Lookahead   int
	Concurrency int
	Logger      *zap.Logger
}

// Prefetcher fetches masks for the PrefetchWindow in ascending batches.
// Each Update supersedes the previous scope; results of superseded scopes are dropped.
type Prefetcher struct {
	fetcher     MaskFetcher
	decoder     decode.MaskDecoder
	masks       *cache.MaskCache
	lookahead   int
	concurrency int
	logger      *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	dataset string
	window  types.PrefetchWindow
	scope   cache.Scope
	wg      sync.WaitGroup
}

func New(fetcher MaskFetcher, decoder decode.MaskDecoder, masks *cache.MaskCache, opts Options) *Prefetcher {
	if opts.Lookahead <= 0 {
		opts.Lookahead = types.Lookahead
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = types.PrefetchConcurrency
	}
	return &Prefetcher{
		fetcher:     fetcher,
		decoder:     decoder,
		masks:       masks,
		lookahead:   opts.Lookahead,
		concurrency: opts.Concurrency,
		logger:      logging.OrNop(opts.Logger).Named("prefetch"),
		window:      types.PrefetchWindow{Start: 0, End: -1},
	}
}

// Update recomputes the window for the playhead and fetches the frames of it
// that are not cached yet. It returns immediately with the new window.
//
// Nothing is cancelled when the dataset, the window and the cache scope are all
// unchanged. Without a dataset the call is a no-op.
func (p *Prefetcher) Update(dataset string, current, total int) types.PrefetchWindow {
	p.mu.Lock()
	defer p.mu.Unlock()

	if dataset == "" || total <= 0 {
		p.stopLocked()
		p.dataset = dataset
		p.window = types.PrefetchWindow{Start: 0, End: -1}
		return p.window
	}

	w := types.ComputeWindow(current, total, p.lookahead)
	if p.cancel != nil && dataset == p.dataset && w == p.window && p.scope == p.masks.CurrentScope() {
		return w
	}

	p.stopLocked()
	p.dataset, p.window = dataset, w
	p.scope = p.masks.BeginScope()

	missing := p.masks.Missing(w)
	if len(missing) == 0 {
		return w
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(ctx, p.scope, dataset, missing)
	return w
}

// Window returns the window of the current scope.
func (p *Prefetcher) Window() types.PrefetchWindow {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window
}

// Wait blocks until every started scope has finished or been cancelled.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}

// Stop cancels the current scope and waits for its requests to return.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	p.stopLocked()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Prefetcher) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Prefetcher) run(ctx context.Context, scope cache.Scope, dataset string, frames []int) {
	defer p.wg.Done()

	for start := 0; start < len(frames); start += p.concurrency {
		if ctx.Err() != nil {
			return
		}
		batch := frames[start:min(start+p.concurrency, len(frames))]
		errs := make([]error, len(batch))

		var g errgroup.Group
		for i, frame := range batch {
			i, frame := i, frame
			g.Go(func() error {
				errs[i] = p.fetch(ctx, scope, dataset, frame)
				return nil
			})
		}
		g.Wait()

		if err := multierr.Combine(errs...); err != nil {
			p.logger.Warn("prefetch batch had failures",
				zap.String("dataset", dataset),
				zap.Ints("frames", batch),
				zap.Int("failed", len(multierr.Errors(err))),
				zap.Error(err))
		}
	}
}

func (p *Prefetcher) fetch(ctx context.Context, scope cache.Scope, dataset string, frame int) error {
	metrics.PrefetchInflight.Inc()
	resp, err := p.fetcher.FrameMasks(ctx, dataset, frame)
	metrics.PrefetchInflight.Dec()

	if ctx.Err() != nil {
		metrics.PrefetchRequests.WithLabelValues("canceled").Inc()
		return nil
	}
	if err != nil {
		metrics.PrefetchRequests.WithLabelValues("error").Inc()
		return err
	}
	metrics.PrefetchRequests.WithLabelValues("ok").Inc()

	masks := make(map[int]*image.Alpha, len(resp.Masks))
	var failed map[int]error
	for _, m := range resp.Masks {
		bmp, err := p.decoder.DecodeMask(m.MaskPNG)
		if err != nil {
			if failed == nil {
				failed = make(map[int]error)
			}
			failed[m.ObjectID] = err
			p.logger.Warn("mask decode failed", zap.Int("frame", frame), zap.Int("object", m.ObjectID), zap.Error(err))
			continue
		}
		masks[m.ObjectID] = bmp
	}

	if !p.masks.ApplyScoped(scope, frame, masks, failed) {
		p.logger.Debug("dropping masks from a superseded scope", zap.String("dataset", dataset), zap.Int("frame", frame))
	}
	return nil
}
