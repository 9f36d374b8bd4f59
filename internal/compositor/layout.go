package compositor

// Layout is where a frame lands inside a view when fitted without distortion.
// Width and Height are the displayed image size, the offsets its letterbox bars.
type Layout struct {
	OffsetX float64
	OffsetY float64
	Width   float64
	Height  float64
}

// Fit letterboxes an imageW x imageH frame into a viewW x viewH view.
func Fit(imageW, imageH, viewW, viewH int) Layout {
	if imageW <= 0 || imageH <= 0 || viewW <= 0 || viewH <= 0 {
		return Layout{}
	}
	viewAspect := float64(viewW) / float64(viewH)
	imageAspect := float64(imageW) / float64(imageH)

	if viewAspect > imageAspect {
		h := float64(viewH)
		w := h * imageAspect
		return Layout{OffsetX: (float64(viewW) - w) / 2, Width: w, Height: h}
	}
	w := float64(viewW)
	h := w / imageAspect
	return Layout{OffsetY: (float64(viewH) - h) / 2, Width: w, Height: h}
}

// ToNormalized maps a view-space point onto the frame. ok is false for points
// on the letterbox bars.
func (l Layout) ToNormalized(x, y float64) (nx, ny float64, ok bool) {
	if l.Width <= 0 || l.Height <= 0 {
		return 0, 0, false
	}
	ix, iy := x-l.OffsetX, y-l.OffsetY
	if ix < 0 || iy < 0 || ix > l.Width || iy > l.Height {
		return 0, 0, false
	}
	return ix / l.Width, iy / l.Height, true
}

// ToDisplay is the inverse of ToNormalized.
func (l Layout) ToDisplay(nx, ny float64) (float64, float64) {
	return l.OffsetX + nx*l.Width, l.OffsetY + ny*l.Height
}
