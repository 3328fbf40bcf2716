package anpr

import "errors"

var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrEndOfStream       = errors.New("end of stream")
)

// FrameReader is an opened capture handle. Frames returned by Read are only
// valid until the next Read or Release. Release must be called exactly once.
type FrameReader interface {
	Read() (*Frame, error)
	Release() error
}
