// Package notify carries frame, status and event notifications from channel
// workers to the presentation side. Workers never block on it: frames are
// coalesced to the latest one per channel and status/event messages go
// through a bounded queue that drops on overflow.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"anpr-monitor/internal/domain/anpr"
)

// Subscriber callbacks run on the hub goroutine. A delivered frame is shared
// between subscribers and must be treated as read-only.
type Subscriber interface {
	OnFrame(update anpr.FrameUpdate)
	OnStatus(update anpr.StatusUpdate)
	OnEvent(event anpr.Event)
}

type messageKind int

const (
	kindStatus messageKind = iota
	kindEvent
)

type message struct {
	kind   messageKind
	status anpr.StatusUpdate
	event  anpr.Event
}

type Stats struct {
	FramesDelivered   uint64 `json:"frames_delivered"`
	FramesDropped     uint64 `json:"frames_dropped"`
	MessagesDelivered uint64 `json:"messages_delivered"`
	MessagesDropped   uint64 `json:"messages_dropped"`
}

type Hub struct {
	log      zerolog.Logger
	messages chan message

	frameMu     sync.Mutex
	frames      map[string]*anpr.Frame
	frameSignal chan struct{}

	subMu sync.RWMutex
	subs  []Subscriber

	framesDelivered   atomic.Uint64
	framesDropped     atomic.Uint64
	messagesDelivered atomic.Uint64
	messagesDropped   atomic.Uint64
}

func NewHub(queueSize int, log zerolog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Hub{
		log:         log,
		messages:    make(chan message, queueSize),
		frames:      make(map[string]*anpr.Frame),
		frameSignal: make(chan struct{}, 1),
	}
}

func (h *Hub) Subscribe(s Subscriber) {
	h.subMu.Lock()
	h.subs = append(h.subs, s)
	h.subMu.Unlock()
}

// Frame stores the latest frame of a channel. The caller hands over
// ownership of update.Frame and must not touch it afterwards.
func (h *Hub) Frame(update anpr.FrameUpdate) {
	h.frameMu.Lock()
	if _, pending := h.frames[update.Channel]; pending {
		h.framesDropped.Add(1)
	}
	h.frames[update.Channel] = update.Frame
	h.frameMu.Unlock()

	select {
	case h.frameSignal <- struct{}{}:
	default:
	}
}

func (h *Hub) Status(update anpr.StatusUpdate) {
	h.enqueue(message{kind: kindStatus, status: update})
}

func (h *Hub) Event(event anpr.Event) {
	h.enqueue(message{kind: kindEvent, event: event})
}

func (h *Hub) enqueue(m message) {
	select {
	case h.messages <- m:
	default:
		h.messagesDropped.Add(1)
		h.log.Warn().
			Int("queue_size", cap(h.messages)).
			Msg("notification queue full, message dropped")
	}
}

// Run delivers notifications to subscribers until ctx is done. Messages still
// queued at that point are delivered before Run returns.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.drain()
			return
		case m := <-h.messages:
			h.deliver(m)
		case <-h.frameSignal:
			h.deliverFrames()
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case m := <-h.messages:
			h.deliver(m)
		default:
			return
		}
	}
}

func (h *Hub) deliver(m message) {
	h.subMu.RLock()
	defer h.subMu.RUnlock()

	for _, s := range h.subs {
		switch m.kind {
		case kindStatus:
			s.OnStatus(m.status)
		case kindEvent:
			s.OnEvent(m.event)
		}
	}
	h.messagesDelivered.Add(1)
}

func (h *Hub) deliverFrames() {
	h.frameMu.Lock()
	pending := h.frames
	h.frames = make(map[string]*anpr.Frame, len(pending))
	h.frameMu.Unlock()

	h.subMu.RLock()
	defer h.subMu.RUnlock()

	for channel, frame := range pending {
		update := anpr.FrameUpdate{Channel: channel, Frame: frame}
		for _, s := range h.subs {
			s.OnFrame(update)
		}
		h.framesDelivered.Add(1)
	}
}

func (h *Hub) Stats() Stats {
	return Stats{
		FramesDelivered:   h.framesDelivered.Load(),
		FramesDropped:     h.framesDropped.Load(),
		MessagesDelivered: h.messagesDelivered.Load(),
		MessagesDropped:   h.messagesDropped.Load(),
	}
}
