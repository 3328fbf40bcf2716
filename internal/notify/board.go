package notify

import (
	"sort"
	"sync"
	"time"

	"anpr-monitor/internal/domain/anpr"
)

type ChannelStatus struct {
	Channel     string      `json:"channel"`
	Status      string      `json:"status,omitempty"`
	StatusTime  time.Time   `json:"status_time,omitempty"`
	Frames      uint64      `json:"frames"`
	LastFrameAt time.Time   `json:"last_frame_at,omitempty"`
	LastEvent   *anpr.Event `json:"last_event,omitempty"`
}

// StatusBoard remembers the latest status, frame time and event per channel.
type StatusBoard struct {
	mu        sync.RWMutex
	channels  map[string]*ChannelStatus
	lastEvent *anpr.Event
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{channels: make(map[string]*ChannelStatus)}
}

func (b *StatusBoard) entry(channel string) *ChannelStatus {
	st, ok := b.channels[channel]
	if !ok {
		st = &ChannelStatus{Channel: channel}
		b.channels[channel] = st
	}
	return st
}

func (b *StatusBoard) OnFrame(update anpr.FrameUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.entry(update.Channel)
	st.Frames++
	if update.Frame != nil {
		st.LastFrameAt = update.Frame.CapturedAt
	}
}

func (b *StatusBoard) OnStatus(update anpr.StatusUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.entry(update.Channel)
	st.Status = update.Status
	st.StatusTime = update.Time
}

func (b *StatusBoard) OnEvent(event anpr.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := event
	b.entry(event.Channel).LastEvent = &e
	b.lastEvent = &e
}

func (b *StatusBoard) Get(channel string) (ChannelStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.channels[channel]
	if !ok {
		return ChannelStatus{Channel: channel}, false
	}
	return *st, true
}

func (b *StatusBoard) All() []ChannelStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ChannelStatus, 0, len(b.channels))
	for _, st := range b.channels {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// LastEvent is the most recent event of any channel.
func (b *StatusBoard) LastEvent() *anpr.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastEvent == nil {
		return nil
	}
	e := *b.lastEvent
	return &e
}

// Reset forgets everything, used when the worker pool starts a new cycle.
func (b *StatusBoard) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = make(map[string]*ChannelStatus)
	b.lastEvent = nil
}
