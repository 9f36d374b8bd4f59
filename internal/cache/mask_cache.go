package cache

import (
	"image"
	"sync"

	"github.com/andresmejia3/maskscrub/internal/metrics"
	"github.com/andresmejia3/maskscrub/internal/types"
)

// Scope tags asynchronous writes. Only writes carrying the current scope are applied.
type Scope uint64

type maskKey struct {
	frame  int
	object int
}

// MaskCache stores decoded masks keyed by (frame index, object id).
//
// A frame that has been fetched is present even when it holds no masks, so the
// prefetcher can tell "fetched, nothing there" from "not fetched yet".
// Writes from the prefetcher are scope-tagged; Clear and BeginScope advance the
// scope so responses from superseded scopes are dropped.
type MaskCache struct {
	mu      sync.RWMutex
	frames  map[int]map[int]*image.Alpha
	errored map[maskKey]error
	scope   Scope
	version uint64
}

// NewMaskCache returns an empty cache.
func NewMaskCache() *MaskCache {
	return &MaskCache{
		frames:  make(map[int]map[int]*image.Alpha),
		errored: make(map[maskKey]error),
	}
}

// Get returns a snapshot of objectID -> mask for frame; empty when nothing was fetched.
func (m *MaskCache) Get(frame int) map[int]*image.Alpha {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.frames[frame]
	out := make(map[int]*image.Alpha, len(src))
	for id, bmp := range src {
		out[id] = bmp
	}
	return out
}

// Has reports whether frame has been populated, by a fetch or by a click.
func (m *MaskCache) Has(frame int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.frames[frame]
	return ok
}

// Set writes one mask unconditionally, replacing any mask under the same key.
// Used by click round trips, which are not subject to prefetch scopes.
func (m *MaskCache) Set(frame, objectID int, bmp *image.Alpha) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(frame, objectID, bmp)
	m.version++
	metrics.MaskCacheWrites.WithLabelValues("click", "applied").Inc()
}

// MarkErrored records that the mask for (frame, objectID) could not be decoded.
// Any previous mask under that key is dropped so the renderer shows nothing for it.
func (m *MaskCache) MarkErrored(frame, objectID int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureFrameLocked(frame)
	delete(m.frames[frame], objectID)
	m.errored[maskKey{frame, objectID}] = err
	m.version++
}

// Errored returns the decode error recorded for (frame, objectID), if any.
func (m *MaskCache) Errored(frame, objectID int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errored[maskKey{frame, objectID}]
}

// BeginScope supersedes the current scope and returns the new one.
func (m *MaskCache) BeginScope() Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scope++
	return m.scope
}

// CurrentScope returns the scope writes must carry to be applied.
func (m *MaskCache) CurrentScope() Scope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scope
}

// ApplyScoped merges the result of one frame fetch if s is still current.
// failed lists objects whose mask payload did not decode. It returns false,
// leaving the cache untouched, when the scope has been superseded.
func (m *MaskCache) ApplyScoped(s Scope, frame int, masks map[int]*image.Alpha, failed map[int]error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s != m.scope {
		metrics.MaskCacheWrites.WithLabelValues("prefetch", "stale").Inc()
		return false
	}
	m.ensureFrameLocked(frame)
	for id, bmp := range masks {
		m.setLocked(frame, id, bmp)
	}
	for id, err := range failed {
		delete(m.frames[frame], id)
		m.errored[maskKey{frame, id}] = err
	}
	m.version++
	metrics.MaskCacheWrites.WithLabelValues("prefetch", "applied").Inc()
	return true
}

// Clear drops every mask and supersedes the current scope.
func (m *MaskCache) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = make(map[int]map[int]*image.Alpha)
	m.errored = make(map[maskKey]error)
	m.scope++
	m.version++
}

// DeleteObject removes every mask of objectID.
func (m *MaskCache) DeleteObject(objectID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for frame, masks := range m.frames {
		delete(masks, objectID)
		delete(m.errored, maskKey{frame, objectID})
	}
	m.version++
}

// Version increases on every mutation; renderers redraw when it changes.
func (m *MaskCache) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Len returns the total number of masks held.
func (m *MaskCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, masks := range m.frames {
		n += len(masks)
	}
	return n
}

// Missing returns the frames of w that have not been populated, in ascending order.
func (m *MaskCache) Missing(w types.PrefetchWindow) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for f := w.Start; f <= w.End; f++ {
		if _, ok := m.frames[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

func (m *MaskCache) ensureFrameLocked(frame int) {
	if _, ok := m.frames[frame]; !ok {
		m.frames[frame] = make(map[int]*image.Alpha)
	}
}

func (m *MaskCache) setLocked(frame, objectID int, bmp *image.Alpha) {
	m.ensureFrameLocked(frame)
	m.frames[frame][objectID] = bmp
	delete(m.errored, maskKey{frame, objectID})
}
