package types

import (
	"fmt"
	"image"
)

// Lookahead is how many frames past the playhead the prefetcher keeps warm.
const Lookahead = 48

// PrefetchConcurrency is the size of a single prefetch batch.
const PrefetchConcurrency = 4

// Frame is a single entry of the FrameIndex.
type Frame struct {
	Index int    `json:"index"`
	URI   string `json:"uri"`
}

// DecodedFrame is a frame bitmap ready for compositing. Owned by the FrameCache.
type DecodedFrame struct {
	Index  int
	Bitmap image.Image
	Width  int
	Height int
}

// SlotState describes a FrameCache slot as seen by the renderer.
type SlotState int

const (
	SlotEmpty SlotState = iota // no dataset / index out of range
	SlotPending
	SlotReady
	SlotErrored
)

func (s SlotState) String() string {
	switch s {
	case SlotPending:
		return "pending"
	case SlotReady:
		return "ready"
	case SlotErrored:
		return "errored"
	default:
		return "empty"
	}
}

// MaskEntry is one decoded mask keyed by (FrameIndex, ObjectID).
type MaskEntry struct {
	FrameIndex int
	ObjectID   int
	Bitmap     *image.Alpha
}

// SegmentObject is an annotated object.
type SegmentObject struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	ClassName  string `json:"class_name"`
	LabelCount int    `json:"label_count"`
	Visible    bool   `json:"visible"`
}

// ClickType is the polarity of a click.
type ClickType string

const (
	ClickPositive ClickType = "positive"
	ClickNegative ClickType = "negative"
)

// ParseClickType accepts "positive"/"+"/"pos" and "negative"/"-"/"neg".
func ParseClickType(s string) (ClickType, error) {
	switch s {
	case "positive", "pos", "+", "":
		return ClickPositive, nil
	case "negative", "neg", "-":
		return ClickNegative, nil
	}
	return "", fmt.Errorf("unknown click type %q", s)
}

// Click is a single entry of an object's click log. Coordinates are normalized to [0,1].
type Click struct {
	NormalizedX float64   `json:"normalized_x"`
	NormalizedY float64   `json:"normalized_y"`
	Type        ClickType `json:"type"`
	ObjectID    int       `json:"object_id"`
	Frame       int       `json:"frame"`
}

// PrefetchWindow is the inclusive frame range [Start, End] kept warm in the MaskCache.
type PrefetchWindow struct {
	Start int
	End   int
}

// Empty reports whether the window contains no frames.
func (w PrefetchWindow) Empty() bool { return w.End < w.Start }

// Contains reports whether frame lies inside the window.
func (w PrefetchWindow) Contains(frame int) bool {
	return frame >= w.Start && frame <= w.End
}

// Len returns the number of frames in the window.
func (w PrefetchWindow) Len() int {
	if w.Empty() {
		return 0
	}
	return w.End - w.Start + 1
}

// ComputeWindow returns [current, min(total-1, current+lookahead)].
// A dataset without frames yields an empty window.
func ComputeWindow(current, total, lookahead int) PrefetchWindow {
	if total <= 0 {
		return PrefetchWindow{Start: 0, End: -1}
	}
	if current < 0 {
		current = 0
	}
	if current > total-1 {
		current = total - 1
	}
	return PrefetchWindow{Start: current, End: min(total-1, current+lookahead)}
}

// ModelPhase tags the ModelState variant.
type ModelPhase int

const (
	ModelUnloaded ModelPhase = iota
	ModelLoading
	ModelLoaded
)

// ModelState is the remote model status for the active dataset.
// Folder and Frames are only meaningful when Phase is ModelLoaded.
type ModelState struct {
	Phase  ModelPhase
	Folder string
	Frames int
}

// Loaded reports whether clicks can be sent for folder.
func (m ModelState) Loaded(folder string) bool {
	return m.Phase == ModelLoaded && m.Folder == folder
}

func (m ModelState) String() string {
	switch m.Phase {
	case ModelLoading:
		return "loading"
	case ModelLoaded:
		return fmt.Sprintf("loaded(%s, %d frames)", m.Folder, m.Frames)
	default:
		return "unloaded"
	}
}
