// Package worker runs one independent pipeline per video channel:
// capture, tracking, recognition, persistence and notification, strictly
// sequential per frame and isolated from every other channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"anpr-monitor/internal/domain/anpr"
)

const (
	StatusNoSignal      = "no signal"
	StatusStreamStopped = "stream stopped"
	StatusReconnecting  = "reconnecting"
)

var (
	ErrStreamInterrupted = errors.New("stream interrupted")
	ErrAlreadyStarted    = errors.New("worker already started")
)

// ChannelFault is any failure of a collaborator or internal step that ends a
// channel's worker.
type ChannelFault struct {
	Channel string
	Cause   error
}

func (f *ChannelFault) Error() string {
	return fmt.Sprintf("channel %s: %v", f.Channel, f.Cause)
}

func (f *ChannelFault) Unwrap() error {
	return f.Cause
}

type State int32

const (
	StateCreated State = iota
	StateStarting
	StateStreaming
	StateStopping
	StateStopped
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Capturer interface {
	Open(source string) (anpr.FrameReader, error)
}

type Tracker interface {
	Track(ctx context.Context, frame *anpr.Frame) ([]anpr.Detection, error)
}

type Recognizer interface {
	Process(ctx context.Context, frame *anpr.Frame, detections []anpr.Detection) ([]anpr.RecognitionResult, error)
}

// EventStore persists an event and assigns its ID. It must be safe for
// concurrent use by all workers.
type EventStore interface {
	Save(ctx context.Context, event *anpr.Event) error
}

// Sink receives notifications. Implementations must not block the caller.
type Sink interface {
	Frame(update anpr.FrameUpdate)
	Status(update anpr.StatusUpdate)
	Event(event anpr.Event)
}

// Dependencies are the collaborators shared by every worker of a pool. The
// factories are called once per worker while it is starting.
type Dependencies struct {
	Capture       Capturer
	NewTracker    func(channel anpr.ChannelConfig) (Tracker, error)
	NewRecognizer func(channel anpr.ChannelConfig, settings anpr.WorkerSettings) (Recognizer, error)
	Store         EventStore
	Sink          Sink
}

func (d Dependencies) validate() error {
	switch {
	case d.Capture == nil:
		return errors.New("capture is required")
	case d.NewTracker == nil:
		return errors.New("tracker factory is required")
	case d.NewRecognizer == nil:
		return errors.New("recognizer factory is required")
	case d.Store == nil:
		return errors.New("event store is required")
	case d.Sink == nil:
		return errors.New("notification sink is required")
	}
	return nil
}

type Stats struct {
	Frames     uint64 `json:"frames"`
	Events     uint64 `json:"events"`
	Unreadable uint64 `json:"unreadable"`
	Reconnects uint64 `json:"reconnects"`
}

type Option func(*Worker)

func WithLogger(log zerolog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func WithReconnect(r Reconnect) Option {
	return func(w *Worker) { w.reconnect = r }
}

type Worker struct {
	channel   anpr.ChannelConfig
	settings  anpr.WorkerSettings
	deps      Dependencies
	reconnect Reconnect
	log       zerolog.Logger
	now       func() time.Time

	state    atomic.Int32
	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	frames     atomic.Uint64
	events     atomic.Uint64
	unreadable atomic.Uint64
	reconnects atomic.Uint64

	mu  sync.Mutex
	err error
}

func New(channel anpr.ChannelConfig, settings anpr.WorkerSettings, deps Dependencies, opts ...Option) *Worker {
	w := &Worker{
		channel:  channel,
		settings: settings,
		deps:     deps,
		log:      zerolog.Nop(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With().Str("channel", channel.Name).Logger()
	return w
}

func (w *Worker) Name() string {
	return w.channel.Name
}

func (w *Worker) Channel() anpr.ChannelConfig {
	return w.channel
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) Stats() Stats {
	return Stats{
		Frames:     w.frames.Load(),
		Events:     w.events.Load(),
		Unreadable: w.unreadable.Load(),
		Reconnects: w.reconnects.Load(),
	}
}

// Err returns the error that ended the worker, nil after a requested stop.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed once the worker has reached the stopped state.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Start launches the worker goroutine. ctx bounds the whole lifetime of the
// worker, so it must outlive the start request.
func (w *Worker) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return ErrAlreadyStarted
	}
	go w.run(ctx)
	return nil
}

// Stop requests a cooperative stop. The worker observes it between frames.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		close(w.stopCh)
	})
}

// Wait blocks until the worker is stopped or the timeout elapses and reports
// whether it stopped.
func (w *Worker) Wait(timeout time.Duration) bool {
	if w.State() == StateCreated {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	err := w.execute(ctx)

	switch {
	case err == nil:
		w.log.Info().Msg("channel stopped")
	case errors.Is(err, anpr.ErrSourceUnavailable):
		w.log.Warn().Err(err).Str("source", w.channel.Source).Msg("failed to open source")
		w.status(StatusNoSignal)
	case errors.Is(err, ErrStreamInterrupted):
		w.log.Warn().Err(err).Msg("stream stopped")
		w.status(StatusStreamStopped)
	default:
		w.state.Store(int32(StateFaulted))
		fault := &ChannelFault{Channel: w.channel.Name, Cause: err}
		err = fault
		w.log.Error().Err(fault.Cause).Msg("channel faulted")
		w.status("fault: " + fault.Cause.Error())
	}

	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.state.Store(int32(StateStopped))
}

// execute covers the starting and streaming states. Every opened reader is
// released before it returns, panics included.
func (w *Worker) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	tracker, err := w.deps.NewTracker(w.channel)
	if err != nil {
		return fmt.Errorf("failed to create tracker: %w", err)
	}
	recognizer, err := w.deps.NewRecognizer(w.channel, w.settings)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}

	reader, err := w.open()
	if err != nil {
		return err
	}

	w.state.Store(int32(StateStreaming))
	w.log.Info().Str("source", w.channel.Source).Msg("channel streaming")

	attempt := 0
	for {
		frames, err := w.stream(ctx, reader, tracker, recognizer)
		if !errors.Is(err, ErrStreamInterrupted) {
			return err
		}
		if frames > 0 {
			attempt = 0
		}

		reader = nil
		for reader == nil {
			if attempt >= w.reconnect.Attempts {
				return err
			}
			attempt++
			w.reconnects.Add(1)
			w.state.Store(int32(StateStarting))
			delay := w.reconnect.backoff(attempt)
			w.log.Warn().Int("attempt", attempt).Int("max_attempts", w.reconnect.Attempts).Dur("delay", delay).Msg("reconnecting to source")
			w.status(StatusReconnecting)
			if !w.sleep(ctx, delay) {
				return nil
			}
			r, oerr := w.open()
			if oerr != nil {
				w.log.Warn().Err(oerr).Int("attempt", attempt).Msg("reconnect failed")
				continue
			}
			reader = r
		}
		w.state.Store(int32(StateStreaming))
		w.log.Info().Int("attempt", attempt).Msg("channel reconnected")
	}
}

func (w *Worker) open() (anpr.FrameReader, error) {
	reader, err := w.deps.Capture.Open(w.channel.Source)
	if err != nil {
		if !errors.Is(err, anpr.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", anpr.ErrSourceUnavailable, err)
		}
		return nil, err
	}
	if reader == nil {
		return nil, fmt.Errorf("%w: capture returned no reader", anpr.ErrSourceUnavailable)
	}
	return reader, nil
}

// stream runs the frame loop on one opened reader and releases it on return.
func (w *Worker) stream(ctx context.Context, reader anpr.FrameReader, tracker Tracker, recognizer Recognizer) (frames int, err error) {
	defer func() {
		if rerr := reader.Release(); rerr != nil {
			w.log.Warn().Err(rerr).Msg("failed to release capture")
		}
	}()

	for !w.stopRequested(ctx) {
		frame, rerr := reader.Read()
		if rerr == nil && frame == nil {
			rerr = errors.New("empty frame")
		}
		if rerr != nil {
			w.state.Store(int32(StateStopping))
			return frames, fmt.Errorf("%w: %v", ErrStreamInterrupted, rerr)
		}
		frames++
		w.frames.Add(1)

		if err := w.processFrame(ctx, frame, tracker, recognizer); err != nil {
			if ctx.Err() != nil {
				break
			}
			return frames, err
		}
	}

	w.state.Store(int32(StateStopping))
	return frames, nil
}

func (w *Worker) processFrame(ctx context.Context, frame *anpr.Frame, tracker Tracker, recognizer Recognizer) error {
	detections, err := tracker.Track(ctx, frame)
	if err != nil {
		return fmt.Errorf("tracking failed: %w", err)
	}
	results, err := recognizer.Process(ctx, frame, detections)
	if err != nil {
		return fmt.Errorf("recognition failed: %w", err)
	}
	for _, res := range results {
		if err := w.classify(ctx, res); err != nil {
			return err
		}
	}

	w.deps.Sink.Frame(anpr.FrameUpdate{Channel: w.channel.Name, Frame: frame.Clone()})
	return nil
}

// classify persists and announces readable results. Unreadable and empty
// results never produce an event.
func (w *Worker) classify(ctx context.Context, res anpr.RecognitionResult) error {
	if res.Unreadable {
		w.unreadable.Add(1)
		w.log.Debug().
			Int64("track_id", res.TrackID).
			Float64("confidence", res.Confidence).
			Str("text", res.Text).
			Msg("unreadable plate skipped")
		return nil
	}
	if res.Text == "" {
		return nil
	}

	event := &anpr.Event{
		Timestamp:  w.now().UTC(),
		Channel:    w.channel.Name,
		Plate:      res.Text,
		Confidence: res.Confidence,
		Source:     w.channel.Source,
		TrackID:    res.TrackID,
	}
	if err := w.deps.Store.Save(ctx, event); err != nil {
		return fmt.Errorf("failed to persist event %s: %w", res.Text, err)
	}
	w.events.Add(1)

	w.log.Info().
		Int64("event_id", event.ID).
		Str("plate", event.Plate).
		Float64("confidence", event.Confidence).
		Int64("track_id", event.TrackID).
		Msg("plate event recorded")
	w.deps.Sink.Event(*event)
	return nil
}

func (w *Worker) stopRequested(ctx context.Context) bool {
	return w.stopping.Load() || ctx.Err() != nil
}

// sleep waits for d and reports false when a stop was requested meanwhile.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !w.stopRequested(ctx)
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) status(text string) {
	w.deps.Sink.Status(anpr.StatusUpdate{Channel: w.channel.Name, Status: text, Time: w.now().UTC()})
}
