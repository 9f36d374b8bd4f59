// Package compositor draws a frame with its mask overlays and click markers.
package compositor

import (
	"hash/fnv"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/draw"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/andresmejia3/maskscrub/internal/types"
)

// MaskAlpha is the opacity of a mask overlay.
const MaskAlpha = 0.4

// Placeholder size used when neither the frame nor the scene carries a resolution.
const (
	DefaultWidth  = 640
	DefaultHeight = 360
)

var (
	PositiveColor    = color.NRGBA{R: 0x22, G: 0xc5, B: 0x5e, A: 0xff}
	NegativeColor    = color.NRGBA{R: 0xef, G: 0x44, B: 0x44, A: 0xff}
	placeholderBG    = color.NRGBA{R: 0x27, G: 0x27, B: 0x2a, A: 0xff}
	placeholderText  = color.NRGBA{R: 0xa1, G: 0xa1, B: 0xaa, A: 0xff}
	markerOutline    = color.White
	markerRadius     = 8.0
	placeholderLabel = map[types.SlotState]string{
		types.SlotEmpty:   "No frame",
		types.SlotPending: "Loading frame…",
		types.SlotErrored: "Frame unavailable",
	}
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Scene is everything one render depends on.
type Scene struct {
	Frame types.DecodedFrame
	State types.SlotState
	// Native resolution, used to size placeholders.
	Width  int
	Height int
	// Masks of the current frame keyed by object id.
	Masks map[int]*image.Alpha
	// Visible objects in draw order.
	Objects []types.SegmentObject
	// Clicks on the current frame whose object is visible.
	Clicks []types.Click
}

// ClassColor returns the overlay color of a class. Equal names map to equal colors.
func ClassColor(className string) color.NRGBA {
	h := fnv.New32a()
	h.Write([]byte(className))
	hue := float64(h.Sum32() % 360)
	r, g, b := colorful.Hsv(hue, 0.75, 0.95).Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 0xff}
}

// Compose renders the scene at the frame's native resolution.
func Compose(s Scene) *image.NRGBA {
	w, h := s.size()
	return Render(s, w, h)
}

// Render renders the scene letterboxed into a viewW x viewH view.
func Render(s Scene, viewW, viewH int) *image.NRGBA {
	base := composeBase(s)
	bw, bh := base.Bounds().Dx(), base.Bounds().Dy()
	l := Fit(bw, bh, viewW, viewH)

	var canvas *image.NRGBA
	if viewW == bw && viewH == bh {
		canvas = imaging.Clone(base)
	} else {
		scaled := imaging.Resize(base, int(math.Round(l.Width)), int(math.Round(l.Height)), imaging.Linear)
		canvas = imaging.New(viewW, viewH, color.Black)
		canvas = imaging.Paste(canvas, scaled, image.Pt(int(math.Round(l.OffsetX)), int(math.Round(l.OffsetY))))
	}

	if s.State != types.SlotReady || len(s.Clicks) == 0 {
		return canvas
	}

	visible := make(map[int]bool, len(s.Objects))
	for _, o := range s.Objects {
		visible[o.ID] = o.Visible
	}
	dc := gg.NewContextForImage(canvas)
	for _, c := range s.Clicks {
		if !visible[c.ObjectID] {
			continue
		}
		x, y := l.ToDisplay(c.NormalizedX, c.NormalizedY)
		fill := PositiveColor
		if c.Type == types.ClickNegative {
			fill = NegativeColor
		}
		drawStar(dc, x, y, markerRadius, fill)
	}
	return imaging.Clone(dc.Image())
}

func (s Scene) size() (int, int) {
	if s.State == types.SlotReady && s.Frame.Bitmap != nil {
		b := s.Frame.Bitmap.Bounds()
		return b.Dx(), b.Dy()
	}
	if s.Width > 0 && s.Height > 0 {
		return s.Width, s.Height
	}
	return DefaultWidth, DefaultHeight
}

// composeBase draws the frame and its masks at native resolution, or a placeholder.
func composeBase(s Scene) *image.NRGBA {
	w, h := s.size()
	if s.State != types.SlotReady || s.Frame.Bitmap == nil {
		return placeholder(w, h, placeholderLabel[s.State])
	}

	dst := imaging.Clone(s.Frame.Bitmap)
	for _, o := range s.Objects {
		if !o.Visible {
			continue
		}
		m, ok := s.Masks[o.ID]
		if !ok || m == nil {
			continue
		}
		if m.Bounds().Dx() != w || m.Bounds().Dy() != h {
			scaled := image.NewAlpha(image.Rect(0, 0, w, h))
			draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), m, m.Bounds(), draw.Src, nil)
			m = scaled
		}
		c := ClassColor(o.ClassName)
		c.A = uint8(math.Round(MaskAlpha * 255))
		draw.DrawMask(dst, dst.Bounds(), image.NewUniform(c), image.Point{}, m, m.Bounds().Min, draw.Over)
	}
	return dst
}

func placeholder(w, h int, label string) *image.NRGBA {
	dc := gg.NewContext(w, h)
	dc.SetColor(placeholderBG)
	dc.Clear()
	if label != "" {
		size := math.Max(10, float64(h)/24)
		dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: size}))
		dc.SetColor(placeholderText)
		dc.DrawStringAnchored(label, float64(w)/2, float64(h)/2, 0.5, 0.5)
	}
	return imaging.Clone(dc.Image())
}

// drawStar draws a filled five-pointed star centred on (x, y).
func drawStar(dc *gg.Context, x, y, r float64, fill color.Color) {
	inner := r * 0.45
	for i := 0; i < 10; i++ {
		rad := r
		if i%2 == 1 {
			rad = inner
		}
		a := -math.Pi/2 + float64(i)*math.Pi/5
		px, py := x+rad*math.Cos(a), y+rad*math.Sin(a)
		if i == 0 {
			dc.MoveTo(px, py)
		} else {
			dc.LineTo(px, py)
		}
	}
	dc.ClosePath()
	dc.SetColor(fill)
	dc.FillPreserve()
	dc.SetColor(markerOutline)
	dc.SetLineWidth(1.5)
	dc.Stroke()
}
