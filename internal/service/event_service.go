package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"anpr-monitor/internal/domain/anpr"
	"anpr-monitor/internal/repository"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

const maxListLimit = 1000

// EventService is the persistence gateway shared by all channel workers and
// the HTTP API. It is safe for concurrent use.
type EventService struct {
	repo *repository.EventRepository
	log  zerolog.Logger
}

func NewEventService(repo *repository.EventRepository, log zerolog.Logger) *EventService {
	return &EventService{
		repo: repo,
		log:  log,
	}
}

type EventFilter struct {
	Start   *time.Time
	End     *time.Time
	Channel string
	Plates  []string
	// Limit keeps the first Limit events of the window, capped at 1000.
	// Zero returns every matching event.
	Limit int
}

// InsertEvent stores one recognized plate and returns the assigned id.
func (s *EventService) InsertEvent(ctx context.Context, channel, plate string, confidence float64, source string, timestamp time.Time) (int64, error) {
	event := anpr.Event{
		Timestamp:  timestamp,
		Channel:    channel,
		Plate:      plate,
		Confidence: confidence,
		Source:     source,
	}
	if err := s.Save(ctx, &event); err != nil {
		return 0, err
	}
	return event.ID, nil
}

// Save persists event and fills in its ID.
func (s *EventService) Save(ctx context.Context, event *anpr.Event) error {
	if strings.TrimSpace(event.Plate) == "" {
		return fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if strings.TrimSpace(event.Channel) == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidInput)
	}
	if math.IsNaN(event.Confidence) || event.Confidence < 0 || event.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f out of range [0,1]", ErrInvalidInput, event.Confidence)
	}
	if event.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidInput)
	}
	event.Timestamp = event.Timestamp.UTC()

	if err := s.repo.CreateEvent(ctx, event); err != nil {
		s.log.Error().
			Err(err).
			Str("plate", event.Plate).
			Str("channel", event.Channel).
			Msg("failed to create ANPR event")
		return fmt.Errorf("failed to create ANPR event: %w", err)
	}

	s.log.Debug().
		Int64("event_id", event.ID).
		Str("plate", event.Plate).
		Str("channel", event.Channel).
		Time("event_time", event.Timestamp).
		Msg("saved ANPR event to database")
	return nil
}

func (s *EventService) GetEvent(ctx context.Context, id int64) (*anpr.Event, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: id must be positive", ErrInvalidInput)
	}
	event, err := s.repo.GetEvent(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: event %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

// FetchFiltered returns events ordered by timestamp ascending.
func (s *EventService) FetchFiltered(ctx context.Context, filter EventFilter) ([]anpr.Event, error) {
	if err := checkWindow(filter.Start, filter.End); err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must be >= 0", ErrInvalidInput)
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	repoFilter := repository.EventFilter{
		From:   filter.Start,
		To:     filter.End,
		Plates: filter.Plates,
		Limit:  limit,
	}
	if ch := strings.TrimSpace(filter.Channel); ch != "" {
		repoFilter.Channel = &ch
	}

	events, err := s.repo.FindEvents(ctx, repoFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}
	return events, nil
}

// SearchByPlate returns events whose plate contains fragment, ignoring case,
// ordered by timestamp ascending.
func (s *EventService) SearchByPlate(ctx context.Context, fragment string, start, end *time.Time) ([]anpr.Event, error) {
	if err := checkWindow(start, end); err != nil {
		return nil, err
	}

	events, err := s.repo.SearchByPlate(ctx, strings.TrimSpace(fragment), start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}
	return events, nil
}

// ParseTime parses an optional RFC3339 query value.
func ParseTime(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid time %q, want RFC3339", ErrInvalidInput, value)
	}
	t = t.UTC()
	return &t, nil
}

func checkWindow(start, end *time.Time) error {
	if start != nil && end != nil && end.Before(*start) {
		return fmt.Errorf("%w: end is before start", ErrInvalidInput)
	}
	return nil
}
