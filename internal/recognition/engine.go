// Package recognition turns per-frame plate readings into at most one
// decision per track: best-shot consensus gated by a minimum confidence,
// with a cooldown that suppresses repeats of the same plate.
package recognition

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"anpr-monitor/internal/domain/anpr"
	"anpr-monitor/internal/utils"
)

const defaultTrackTTL = 10 * time.Second

// Reader extracts plate text from a cropped plate image.
type Reader interface {
	Read(ctx context.Context, crop *anpr.Frame) (text string, confidence float64, err error)
}

type reading struct {
	text       string
	confidence float64
}

type trackState struct {
	readings []reading
	decided  bool
	lastSeen time.Time
}

// Engine is owned by a single channel worker and is not safe for concurrent use.
type Engine struct {
	settings anpr.WorkerSettings
	reader   Reader
	now      func() time.Time
	trackTTL time.Duration
	log      zerolog.Logger

	tracks      map[int64]*trackState
	lastEmitted map[string]time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithTrackTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.trackTTL = ttl }
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func NewEngine(settings anpr.WorkerSettings, reader Reader, opts ...Option) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker settings: %w", err)
	}
	if reader == nil {
		return nil, fmt.Errorf("plate reader is required")
	}

	e := &Engine{
		settings:    settings,
		reader:      reader,
		now:         time.Now,
		trackTTL:    defaultTrackTTL,
		log:         zerolog.Nop(),
		tracks:      make(map[int64]*trackState),
		lastEmitted: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Process returns exactly one result per detection. Results carry text only
// when a track reaches a decision in this frame; every other detection yields
// an empty, readable result.
func (e *Engine) Process(ctx context.Context, frame *anpr.Frame, detections []anpr.Detection) ([]anpr.RecognitionResult, error) {
	now := e.now()
	e.expire(now)

	results := make([]anpr.RecognitionResult, 0, len(detections))
	for _, d := range detections {
		res, err := e.processDetection(ctx, frame, d, now)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) processDetection(ctx context.Context, frame *anpr.Frame, d anpr.Detection, now time.Time) (anpr.RecognitionResult, error) {
	res := anpr.RecognitionResult{TrackID: d.TrackID}

	st, ok := e.tracks[d.TrackID]
	if !ok {
		st = &trackState{}
		e.tracks[d.TrackID] = st
	}
	st.lastSeen = now
	if st.decided {
		return res, nil
	}

	crop := frame.Crop(d.Region)
	if crop == nil {
		return res, nil
	}

	text, confidence, err := e.reader.Read(ctx, crop)
	if err != nil {
		return res, fmt.Errorf("failed to read plate for track %d: %w", d.TrackID, err)
	}
	if text = utils.NormalizePlate(text); text != "" {
		st.readings = append(st.readings, reading{text: text, confidence: clamp01(confidence)})
	}
	if len(st.readings) < e.settings.BestShots {
		return res, nil
	}

	st.decided = true
	plate, conf := consensus(st.readings)
	res.Text = plate
	res.Confidence = conf

	if conf < e.settings.MinConfidence {
		res.Unreadable = true
		return res, nil
	}

	if last, seen := e.lastEmitted[plate]; seen && now.Sub(last) < e.settings.Cooldown() {
		e.log.Debug().
			Str("plate", plate).
			Int64("track_id", d.TrackID).
			Dur("since_last", now.Sub(last)).
			Msg("plate suppressed by cooldown")
		res.Text = ""
		return res, nil
	}

	e.lastEmitted[plate] = now
	return res, nil
}

func (e *Engine) expire(now time.Time) {
	for id, st := range e.tracks {
		if now.Sub(st.lastSeen) > e.trackTTL {
			delete(e.tracks, id)
		}
	}
	cooldown := e.settings.Cooldown()
	for plate, at := range e.lastEmitted {
		if now.Sub(at) >= cooldown {
			delete(e.lastEmitted, plate)
		}
	}
}

// consensus picks the text with the highest summed confidence. Ties go to
// the text that was read first. The returned confidence is the mean
// confidence of the winning text's readings.
func consensus(readings []reading) (string, float64) {
	type tally struct {
		sum   float64
		count int
	}
	tallies := make(map[string]*tally)
	var order []string
	for _, r := range readings {
		t, ok := tallies[r.text]
		if !ok {
			t = &tally{}
			tallies[r.text] = t
			order = append(order, r.text)
		}
		t.sum += r.confidence
		t.count++
	}

	best := order[0]
	for _, text := range order[1:] {
		if tallies[text].sum > tallies[best].sum {
			best = text
		}
	}
	return best, tallies[best].sum / float64(tallies[best].count)
}

// clamp01 maps NaN to 0 so a broken reading can never win the consensus.
func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
