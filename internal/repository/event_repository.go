package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"anpr-monitor/internal/domain/anpr"
	"anpr-monitor/internal/utils"
)

var ErrNotFound = errors.New("record not found")

// EventRepository is safe for concurrent use. Inserts are serialized so that
// every channel goroutine may write without coordinating with the others.
type EventRepository struct {
	db      *gorm.DB
	writeMu sync.Mutex
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

type ANPREvent struct {
	ID         int64             `gorm:"primaryKey"`
	EventTime  time.Time         `gorm:"not null"`
	Channel    string            `gorm:"not null"`
	Plate      string            `gorm:"not null"`
	PlateUpper string            `gorm:"not null"`
	Confidence float64           `gorm:"not null"`
	Source     string            `gorm:"not null"`
	Meta       datatypes.JSONMap `gorm:"type:json"`
	CreatedAt  time.Time
}

func (ANPREvent) TableName() string {
	return "anpr_events"
}

func (e ANPREvent) toDomain() anpr.Event {
	event := anpr.Event{
		ID:         e.ID,
		Timestamp:  e.EventTime.UTC(),
		Channel:    e.Channel,
		Plate:      e.Plate,
		Confidence: e.Confidence,
		Source:     e.Source,
	}
	event.TrackID = metaInt(e.Meta, "track_id")
	return event
}

// metaInt reads an integer from a JSON column. JSONMap decodes numbers as
// json.Number; maps built in memory may still hold float64 or int64.
func metaInt(meta datatypes.JSONMap, key string) int64 {
	switch v := meta[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

type EventFilter struct {
	From    *time.Time
	To      *time.Time
	Channel *string
	Plates  []string
	Limit   int
}

func (r *EventRepository) CreateEvent(ctx context.Context, event *anpr.Event) error {
	dbEvent := ANPREvent{
		EventTime:  event.Timestamp.UTC(),
		Channel:    event.Channel,
		Plate:      event.Plate,
		PlateUpper: strings.ToUpper(event.Plate),
		Confidence: event.Confidence,
		Source:     event.Source,
		CreatedAt:  time.Now().UTC(),
	}
	if event.TrackID != 0 {
		dbEvent.Meta = datatypes.JSONMap{"track_id": event.TrackID}
	}

	r.writeMu.Lock()
	err := r.db.WithContext(ctx).Create(&dbEvent).Error
	r.writeMu.Unlock()
	if err != nil {
		return err
	}

	event.ID = dbEvent.ID
	return nil
}

func (r *EventRepository) GetEvent(ctx context.Context, id int64) (*anpr.Event, error) {
	var e ANPREvent
	err := r.db.WithContext(ctx).First(&e, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	event := e.toDomain()
	return &event, nil
}

func (r *EventRepository) FindEvents(ctx context.Context, filter EventFilter) ([]anpr.Event, error) {
	query := r.timeWindow(ctx, filter.From, filter.To)

	if filter.Channel != nil {
		query = query.Where("channel = ?", *filter.Channel)
	}
	if len(filter.Plates) > 0 {
		upper := make([]string, 0, len(filter.Plates))
		for _, p := range filter.Plates {
			upper = append(upper, strings.ToUpper(p))
		}
		query = query.Where("plate_upper IN ?", upper)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	return r.find(query)
}

// SearchByPlate matches fragment as a case-insensitive substring of the plate.
// LIKE wildcards inside fragment are matched literally.
func (r *EventRepository) SearchByPlate(ctx context.Context, fragment string, from, to *time.Time) ([]anpr.Event, error) {
	query := r.timeWindow(ctx, from, to)
	if fragment != "" {
		pattern := "%" + utils.EscapeLike(strings.ToUpper(fragment)) + "%"
		query = query.Where(`plate_upper LIKE ? ESCAPE '\'`, pattern)
	}
	return r.find(query)
}

func (r *EventRepository) timeWindow(ctx context.Context, from, to *time.Time) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&ANPREvent{})
	if from != nil {
		query = query.Where("event_time >= ?", from.UTC())
	}
	if to != nil {
		query = query.Where("event_time <= ?", to.UTC())
	}
	return query
}

func (r *EventRepository) find(query *gorm.DB) ([]anpr.Event, error) {
	var rows []ANPREvent
	if err := query.Order("event_time ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	events := make([]anpr.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toDomain())
	}
	return events, nil
}
