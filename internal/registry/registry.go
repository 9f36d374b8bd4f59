// Package registry holds the annotated objects and their click logs.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/andresmejia3/maskscrub/internal/types"
)

// ErrUnknownObject is returned for operations on an id that is not registered.
var ErrUnknownObject = errors.New("unknown object")

// Registry is the set of annotated objects. Ids are assigned monotonically from 0
// and never reused, so a late result for a deleted object can't land on a new one.
type Registry struct {
	mu       sync.RWMutex
	nextID   int
	objects  map[int]*types.SegmentObject
	clicks   []types.Click
	selected *int
}

func New() *Registry {
	return &Registry{objects: make(map[int]*types.SegmentObject)}
}

// Create registers a new visible object and selects it.
func (r *Registry) Create(name, className string) types.SegmentObject {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	if name == "" {
		name = fmt.Sprintf("Object %d", id+1)
	}
	obj := &types.SegmentObject{ID: id, Name: name, ClassName: className, Visible: true}
	r.objects[id] = obj
	r.selected = &id
	return *obj
}

// Delete removes the object and its clicks. The selection is cleared if it pointed at id.
func (r *Registry) Delete(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.objects[id]; !ok {
		return fmt.Errorf("delete %d: %w", id, ErrUnknownObject)
	}
	delete(r.objects, id)
	r.clicks = lo.Reject(r.clicks, func(c types.Click, _ int) bool { return c.ObjectID == id })
	if r.selected != nil && *r.selected == id {
		r.selected = nil
	}
	return nil
}

// Select makes id the target of subsequent clicks.
func (r *Registry) Select(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[id]; !ok {
		return fmt.Errorf("select %d: %w", id, ErrUnknownObject)
	}
	r.selected = &id
	return nil
}

// ClearSelection leaves no object selected.
func (r *Registry) ClearSelection() {
	r.mu.Lock()
	r.selected = nil
	r.mu.Unlock()
}

// Selected returns the selected object id, if any.
func (r *Registry) Selected() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.selected == nil {
		return 0, false
	}
	return *r.selected, true
}

// ToggleVisibility flips the object's visibility and returns the new value.
func (r *Registry) ToggleVisibility(id int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	if !ok {
		return false, fmt.Errorf("toggle %d: %w", id, ErrUnknownObject)
	}
	obj.Visible = !obj.Visible
	return obj.Visible, nil
}

// Get returns a copy of the object.
func (r *Registry) Get(id int) (types.SegmentObject, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[id]
	if !ok {
		return types.SegmentObject{}, false
	}
	return *obj, true
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.objects[id]
	return ok
}

// AppendClick logs c and bumps its object's label count. It returns false, and
// changes nothing, when the object no longer exists.
func (r *Registry) AppendClick(c types.Click) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[c.ObjectID]
	if !ok {
		return false
	}
	r.clicks = append(r.clicks, c)
	obj.LabelCount++
	return true
}

// Objects returns every object ordered by id.
func (r *Registry) Objects() []types.SegmentObject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.SegmentObject, 0, len(r.objects))
	for _, obj := range r.objects {
		out = append(out, *obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VisibleObjects returns the visible objects ordered by id. This is the draw order.
func (r *Registry) VisibleObjects() []types.SegmentObject {
	return lo.Filter(r.Objects(), func(o types.SegmentObject, _ int) bool { return o.Visible })
}

// Clicks returns the whole click log in insertion order.
func (r *Registry) Clicks() []types.Click {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.Click(nil), r.clicks...)
}

// VisibleClicks returns the clicks on frame whose object is visible.
func (r *Registry) VisibleClicks(frame int) []types.Click {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Filter(r.clicks, func(c types.Click, _ int) bool {
		obj, ok := r.objects[c.ObjectID]
		return c.Frame == frame && ok && obj.Visible
	})
}

// Reset drops every object and click. Ids keep increasing.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = make(map[int]*types.SegmentObject)
	r.clicks = nil
	r.selected = nil
}
