package anpr

import (
	"testing"
)

func testFrame(w, h int) *Frame {
	f := NewFrame(w, h)
	for i := range f.Pix {
		f.Pix[i] = byte(i)
	}
	return f
}

func TestFrameCloneIsIndependent(t *testing.T) {
	f := testFrame(4, 2)
	c := f.Clone()

	for i := range f.Pix {
		f.Pix[i] = 0xAA
	}

	for i, b := range c.Pix {
		if b != byte(i) {
			t.Fatalf("clone byte %d changed to %x after source overwrite", i, b)
		}
	}
	if c.Width != 4 || c.Height != 2 {
		t.Fatalf("unexpected clone size %dx%d", c.Width, c.Height)
	}
}

func TestFrameCrop(t *testing.T) {
	f := testFrame(4, 3)

	c := f.Crop(Region{X1: 1, Y1: 1, X2: 3, Y2: 3})
	if c == nil {
		t.Fatal("expected crop")
	}
	if c.Width != 2 || c.Height != 2 {
		t.Fatalf("crop size %dx%d, want 2x2", c.Width, c.Height)
	}
	// first pixel of the crop is (1,1) in the source
	want := f.Pix[1*f.Stride()+1*BytesPerPixel]
	if c.Pix[0] != want {
		t.Fatalf("crop first byte %d, want %d", c.Pix[0], want)
	}
}

func TestFrameCropClampsAndRejectsEmpty(t *testing.T) {
	f := testFrame(4, 3)

	c := f.Crop(Region{X1: -5, Y1: -5, X2: 100, Y2: 100})
	if c == nil || c.Width != 4 || c.Height != 3 {
		t.Fatalf("expected clamped full frame, got %+v", c)
	}

	if c := f.Crop(Region{X1: 10, Y1: 10, X2: 20, Y2: 20}); c != nil {
		t.Fatalf("expected nil crop outside the frame, got %dx%d", c.Width, c.Height)
	}
}

func TestFrameValidate(t *testing.T) {
	if err := testFrame(2, 2).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := &Frame{Width: 2, Height: 2, Pix: make([]byte, 3)}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for short buffer")
	}
	var nilFrame *Frame
	if err := nilFrame.Validate(); err == nil {
		t.Fatal("expected error for nil frame")
	}
}

func TestWorkerSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       WorkerSettings
		wantErr bool
	}{
		{"ok", WorkerSettings{BestShots: 3, CooldownSeconds: 10, MinConfidence: 0.6}, false},
		{"zero best shots", WorkerSettings{BestShots: 0}, true},
		{"negative cooldown", WorkerSettings{BestShots: 1, CooldownSeconds: -1}, true},
		{"confidence above one", WorkerSettings{BestShots: 1, MinConfidence: 1.2}, true},
		{"confidence bounds", WorkerSettings{BestShots: 1, MinConfidence: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
