// Package frameindex holds the ordered frame list of the active dataset.
package frameindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/andresmejia3/maskscrub/internal/types"
)

// ImageExtensions are the frame file types the backend serves.
var ImageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Index is the immutable, ordered frame list of one dataset.
// Width and Height are the native frame resolution, zero when unknown.
type Index struct {
	Dataset string
	Frames  []types.Frame
	Width   int
	Height  int
}

// New builds an Index from URIs in display order.
func New(dataset string, uris []string) *Index {
	frames := make([]types.Frame, len(uris))
	for i, u := range uris {
		frames[i] = types.Frame{Index: i, URI: u}
	}
	return &Index{Dataset: dataset, Frames: frames}
}

// FromDir lists the image files of dir ordered the way the backend numbers them.
// The dataset name is the folder's base name.
func FromDir(dir string) (*Index, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames directory '%s': %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ImageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	SortFrameNames(names)

	uris := make([]string, len(names))
	for i, n := range names {
		uris[i] = filepath.Join(dir, n)
	}
	return New(filepath.Base(filepath.Clean(dir)), uris), nil
}

// SortFrameNames orders names by the integer formed from their digits.
// Names without digits sort first; ties fall back to lexical order.
func SortFrameNames(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		ki, kj := frameNumber(names[i]), frameNumber(names[j])
		if ki != kj {
			return ki < kj
		}
		return names[i] < names[j]
	})
}

func frameNumber(name string) int64 {
	var b strings.Builder
	for _, r := range name {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return -1
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Len returns the number of frames; a nil Index has none.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.Frames)
}

// At returns the frame at i.
func (x *Index) At(i int) (types.Frame, bool) {
	if x == nil || i < 0 || i >= len(x.Frames) {
		return types.Frame{}, false
	}
	return x.Frames[i], true
}

// WithResolution returns a copy of x carrying the native resolution.
func (x *Index) WithResolution(width, height int) *Index {
	cp := *x
	cp.Width, cp.Height = width, height
	return &cp
}
