// Package decode turns frame references and transport-encoded masks into bitmaps.
package decode

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/maskscrub/internal/types"
)

// DecodeError marks a malformed or unreadable image payload.
type DecodeError struct {
	Kind string // "frame" or "mask"
	Ref  string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %s: %v", e.Kind, e.Ref, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FrameDecoder turns a frame reference into a displayable bitmap.
type FrameDecoder interface {
	DecodeFrame(ctx context.Context, f types.Frame) (types.DecodedFrame, error)
}

// MaskDecoder turns a base64 PNG into an alpha mask.
type MaskDecoder interface {
	DecodeMask(encoded string) (*image.Alpha, error)
}

// Decoder reads frames from local paths, file:// or http(s):// URIs.
type Decoder struct {
	HTTP *http.Client
}

// NewDecoder returns a Decoder using client for remote frames (http.DefaultClient when nil).
func NewDecoder(client *http.Client) *Decoder {
	if client == nil {
		client = http.DefaultClient
	}
	return &Decoder{HTTP: client}
}

// DecodeFrame loads and decodes the frame. Every failure is reported as a *DecodeError.
func (d *Decoder) DecodeFrame(ctx context.Context, f types.Frame) (types.DecodedFrame, error) {
	rc, err := d.open(ctx, f.URI)
	if err != nil {
		return types.DecodedFrame{}, &DecodeError{Kind: "frame", Ref: f.URI, Err: err}
	}
	defer rc.Close()

	img, _, err := image.Decode(rc)
	if err != nil {
		return types.DecodedFrame{}, &DecodeError{Kind: "frame", Ref: f.URI, Err: err}
	}
	b := img.Bounds()
	return types.DecodedFrame{Index: f.Index, Bitmap: img, Width: b.Dx(), Height: b.Dy()}, nil
}

func (d *Decoder) open(ctx context.Context, uri string) (io.ReadCloser, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path (a one-letter scheme is a Windows drive).
		return os.Open(uri)
	}
	switch u.Scheme {
	case "file":
		return os.Open(u.Path)
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, err
		}
		resp, err := d.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
	return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// DecodeMask decodes a base64 PNG (optionally a data: URL) into an alpha mask.
// Opaque images are read by luminance: any non-black pixel is covered.
func (d *Decoder) DecodeMask(encoded string) (*image.Alpha, error) {
	return DecodeMask(encoded)
}

// DecodeMask is the package-level form of (*Decoder).DecodeMask.
func DecodeMask(encoded string) (*image.Alpha, error) {
	if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+len(";base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &DecodeError{Kind: "mask", Ref: "base64", Err: err}
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Kind: "mask", Ref: "png", Err: err}
	}
	return ToAlpha(img), nil
}

// ToAlpha converts img into an *image.Alpha anchored at the origin.
func ToAlpha(img image.Image) *image.Alpha {
	if a, ok := img.(*image.Alpha); ok && a.Rect.Min == (image.Point{}) {
		return a
	}

	b := img.Bounds()
	out := image.NewAlpha(image.Rect(0, 0, b.Dx(), b.Dy()))
	opaque := isOpaque(img)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := out.Pix[(y-b.Min.Y)*out.Stride:]
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			if opaque {
				if r|g|bl != 0 {
					row[x-b.Min.X] = 0xff
				}
				continue
			}
			row[x-b.Min.X] = uint8(a >> 8)
		}
	}
	return out
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return false
			}
		}
	}
	return true
}
