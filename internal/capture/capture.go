// Package capture opens video sources through OpenCV: local devices by index,
// video files and network streams (RTSP, HTTP MJPEG).
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"anpr-monitor/internal/domain/anpr"
)

var errReleased = errors.New("capture already released")

type Opener struct {
	log zerolog.Logger
}

func NewOpener(log zerolog.Logger) *Opener {
	return &Opener{log: log}
}

// ParseSource reports whether source is a device index and returns it.
func ParseSource(source string) (int, bool) {
	s := strings.TrimSpace(source)
	if s == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(s)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// Open opens source. A source that cannot be reached or decoded yields an
// error wrapping anpr.ErrSourceUnavailable; the attempt is not retried.
func (o *Opener) Open(source string) (anpr.FrameReader, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if idx, ok := ParseSource(source); ok {
		vc, err = gocv.VideoCaptureDevice(idx)
	} else {
		vc, err = gocv.VideoCaptureFile(strings.TrimSpace(source))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", anpr.ErrSourceUnavailable, source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", anpr.ErrSourceUnavailable, source)
	}

	o.log.Debug().Str("source", source).Msg("capture opened")
	return &stream{
		source: source,
		vc:     vc,
		raw:    gocv.NewMat(),
		rgb:    gocv.NewMat(),
		log:    o.log,
	}, nil
}

// stream reuses its Mats between reads; the Frame returned by Read aliases
// the RGB Mat and is overwritten by the next Read.
type stream struct {
	source string
	vc     *gocv.VideoCapture
	raw    gocv.Mat
	rgb    gocv.Mat
	seq    uint64
	log    zerolog.Logger

	mu       sync.Mutex
	released bool
}

func (s *stream) Read() (*anpr.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, errReleased
	}
	if ok := s.vc.Read(&s.raw); !ok || s.raw.Empty() {
		return nil, fmt.Errorf("%w: %s", anpr.ErrEndOfStream, s.source)
	}

	switch s.raw.Channels() {
	case 1:
		gocv.CvtColor(s.raw, &s.rgb, gocv.ColorGrayToBGR)
	case 4:
		gocv.CvtColor(s.raw, &s.rgb, gocv.ColorBGRAToRGB)
	default:
		gocv.CvtColor(s.raw, &s.rgb, gocv.ColorBGRToRGB)
	}

	pix, err := s.rgb.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("failed to access frame buffer: %w", err)
	}

	s.seq++
	return &anpr.Frame{
		Width:      s.rgb.Cols(),
		Height:     s.rgb.Rows(),
		Pix:        pix,
		Seq:        s.seq,
		CapturedAt: time.Now().UTC(),
	}, nil
}

func (s *stream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return errReleased
	}
	s.released = true

	s.raw.Close()
	s.rgb.Close()
	err := s.vc.Close()
	s.log.Debug().Str("source", s.source).Uint64("frames", s.seq).Msg("capture released")
	return err
}
