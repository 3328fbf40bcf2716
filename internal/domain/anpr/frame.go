package anpr

import (
	"fmt"
	"image"
	"image/color"
	"time"
)

const BytesPerPixel = 3

// Frame is a decoded RGB image with tightly packed rows (stride = Width*3).
// A Frame handed out by a capture reader may alias the reader's internal
// buffer; use Clone before letting it outlive the next Read.
type Frame struct {
	Width      int
	Height     int
	Pix        []byte
	Seq        uint64
	CapturedAt time.Time
}

func NewFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*BytesPerPixel),
	}
}

func (f *Frame) Stride() int {
	return f.Width * BytesPerPixel
}

func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if len(f.Pix) < f.Width*f.Height*BytesPerPixel {
		return fmt.Errorf("frame buffer too short: %d bytes for %dx%d", len(f.Pix), f.Width, f.Height)
	}
	return nil
}

// Clone returns a copy whose pixel buffer shares no memory with f.
func (f *Frame) Clone() *Frame {
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return &Frame{
		Width:      f.Width,
		Height:     f.Height,
		Pix:        pix,
		Seq:        f.Seq,
		CapturedAt: f.CapturedAt,
	}
}

// Crop copies the part of the frame covered by r, clamped to the frame bounds.
// It returns nil when the clamped region is empty.
func (f *Frame) Crop(r Region) *Frame {
	rect := r.Rect().Intersect(image.Rect(0, 0, f.Width, f.Height))
	if rect.Empty() {
		return nil
	}

	out := NewFrame(rect.Dx(), rect.Dy())
	out.Seq = f.Seq
	out.CapturedAt = f.CapturedAt

	rowLen := rect.Dx() * BytesPerPixel
	for y := 0; y < rect.Dy(); y++ {
		src := (rect.Min.Y+y)*f.Stride() + rect.Min.X*BytesPerPixel
		copy(out.Pix[y*rowLen:(y+1)*rowLen], f.Pix[src:src+rowLen])
	}
	return out
}

// Image converts the frame into an image.RGBA for encoders.
func (f *Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			i := y*f.Stride() + x*BytesPerPixel
			img.SetRGBA(x, y, color.RGBA{R: f.Pix[i], G: f.Pix[i+1], B: f.Pix[i+2], A: 0xff})
		}
	}
	return img
}
