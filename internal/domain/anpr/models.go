package anpr

import (
	"fmt"
	"image"
	"time"
)

type ChannelConfig struct {
	ID     int    `json:"id" mapstructure:"id"`
	Name   string `json:"name" mapstructure:"name"`
	Source string `json:"source" mapstructure:"source"`
}

type WorkerSettings struct {
	BestShots       int     `json:"best_shots" mapstructure:"best_shots"`
	CooldownSeconds int     `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
	MinConfidence   float64 `json:"min_confidence" mapstructure:"min_confidence"`
}

func (s WorkerSettings) Validate() error {
	if s.BestShots < 1 {
		return fmt.Errorf("best_shots must be >= 1, got %d", s.BestShots)
	}
	if s.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown_seconds must be >= 0, got %d", s.CooldownSeconds)
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be in [0,1], got %.2f", s.MinConfidence)
	}
	return nil
}

func (s WorkerSettings) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

// Region is a bounding box in frame pixel coordinates.
type Region struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X1, r.Y1, r.X2, r.Y2)
}

type Detection struct {
	TrackID int64  `json:"track_id"`
	Region  Region `json:"region"`
}

type RecognitionResult struct {
	Text       string
	Confidence float64
	Unreadable bool
	TrackID    int64
}

type Event struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Channel    string    `json:"channel"`
	Plate      string    `json:"plate"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	TrackID    int64     `json:"track_id,omitempty"`
}

type FrameUpdate struct {
	Channel string
	Frame   *Frame
}

type StatusUpdate struct {
	Channel string    `json:"channel"`
	Status  string    `json:"status"`
	Time    time.Time `json:"time"`
}
