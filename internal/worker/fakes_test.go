package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"anpr-monitor/internal/domain/anpr"
)

type fakeReader struct {
	mu       sync.Mutex
	buf      *anpr.Frame
	limit    int
	reads    int
	delay    time.Duration
	block    chan struct{}
	released atomic.Int32
}

// newReader returns a reader producing limit frames before the end of the
// stream; a negative limit never ends.
func newReader(limit int) *fakeReader {
	return &fakeReader{buf: anpr.NewFrame(4, 4), limit: limit}
}

func (r *fakeReader) Read() (*anpr.Frame, error) {
	if r.block != nil {
		<-r.block
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit >= 0 && r.reads >= r.limit {
		return nil, fmt.Errorf("read failed: %w", anpr.ErrEndOfStream)
	}
	r.reads++
	// the buffer is reused like a real capture device
	for i := range r.buf.Pix {
		r.buf.Pix[i] = byte(r.reads)
	}
	r.buf.Seq = uint64(r.reads)
	return r.buf, nil
}

func (r *fakeReader) Release() error {
	r.released.Add(1)
	return nil
}

type fakeCapture struct {
	mu      sync.Mutex
	readers []*fakeReader
	opens   int
}

func (c *fakeCapture) Open(source string) (anpr.FrameReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opens >= len(c.readers) {
		c.opens++
		return nil, fmt.Errorf("open %s: %w", source, anpr.ErrSourceUnavailable)
	}
	r := c.readers[c.opens]
	c.opens++
	return r, nil
}

type fakeTracker struct{}

func (fakeTracker) Track(_ context.Context, frame *anpr.Frame) ([]anpr.Detection, error) {
	return []anpr.Detection{{TrackID: int64(frame.Seq), Region: anpr.Region{X2: 2, Y2: 2}}}, nil
}

type fakeRecognizer struct {
	calls   int
	process func(call int) ([]anpr.RecognitionResult, error)
}

func (r *fakeRecognizer) Process(_ context.Context, _ *anpr.Frame, _ []anpr.Detection) ([]anpr.RecognitionResult, error) {
	r.calls++
	if r.process == nil {
		return nil, nil
	}
	return r.process(r.calls)
}

type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	events []anpr.Event
	err    error
}

func (s *fakeStore) Save(_ context.Context, event *anpr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.nextID++
	event.ID = s.nextID
	s.events = append(s.events, *event)
	return nil
}

func (s *fakeStore) saved() []anpr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]anpr.Event(nil), s.events...)
}

type fakeSink struct {
	mu       sync.Mutex
	frames   []anpr.FrameUpdate
	statuses []anpr.StatusUpdate
	events   []anpr.Event
	// order records the kind of every notification as it arrives
	order []string
}

func (s *fakeSink) Frame(u anpr.FrameUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, u)
	s.order = append(s.order, "frame")
}

func (s *fakeSink) Status(u anpr.StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, u)
	s.order = append(s.order, "status")
}

func (s *fakeSink) Event(e anpr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	s.order = append(s.order, "event")
}

func (s *fakeSink) statusTexts(channel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, u := range s.statuses {
		if u.Channel == channel {
			out = append(out, u.Status)
		}
	}
	return out
}

func (s *fakeSink) frameCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.frames {
		if u.Channel == channel {
			n++
		}
	}
	return n
}

func (s *fakeSink) eventList() []anpr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]anpr.Event(nil), s.events...)
}

type harness struct {
	capture    *fakeCapture
	recognizer *fakeRecognizer
	store      *fakeStore
	sink       *fakeSink
}

func newHarness(readers ...*fakeReader) *harness {
	return &harness{
		capture:    &fakeCapture{readers: readers},
		recognizer: &fakeRecognizer{},
		store:      &fakeStore{},
		sink:       &fakeSink{},
	}
}

func (h *harness) deps() Dependencies {
	return Dependencies{
		Capture:    h.capture,
		NewTracker: func(anpr.ChannelConfig) (Tracker, error) { return fakeTracker{}, nil },
		NewRecognizer: func(anpr.ChannelConfig, anpr.WorkerSettings) (Recognizer, error) {
			return h.recognizer, nil
		},
		Store: h.store,
		Sink:  h.sink,
	}
}

var testSettings = anpr.WorkerSettings{BestShots: 1, CooldownSeconds: 0, MinConfidence: 0.5}

func gate(name string) anpr.ChannelConfig {
	return anpr.ChannelConfig{ID: 1, Name: name, Source: "rtsp://camera/" + name}
}

func runToEnd(t *testing.T, w *Worker) {
	t.Helper()
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
