package notify

import (
	"bytes"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/hybridgroup/mjpeg"
	"github.com/rs/zerolog"

	"anpr-monitor/internal/domain/anpr"
)

// Preview encodes channel frames to JPEG and serves them as MJPEG streams.
type Preview struct {
	log      zerolog.Logger
	interval time.Duration
	quality  int

	mu      sync.Mutex
	streams map[string]*mjpeg.Stream
	encoded map[string]time.Time
}

func NewPreview(interval time.Duration, quality int, log zerolog.Logger) *Preview {
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	return &Preview{
		log:      log,
		interval: interval,
		quality:  quality,
		streams:  make(map[string]*mjpeg.Stream),
		encoded:  make(map[string]time.Time),
	}
}

func (p *Preview) stream(channel string) *mjpeg.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[channel]
	if !ok {
		s = mjpeg.NewStream()
		p.streams[channel] = s
	}
	return s
}

func (p *Preview) OnFrame(update anpr.FrameUpdate) {
	if update.Frame == nil || update.Frame.Validate() != nil {
		return
	}

	p.mu.Lock()
	last := p.encoded[update.Channel]
	now := time.Now()
	if p.interval > 0 && now.Sub(last) < p.interval {
		p.mu.Unlock()
		return
	}
	p.encoded[update.Channel] = now
	p.mu.Unlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, update.Frame.Image(), &jpeg.Options{Quality: p.quality}); err != nil {
		p.log.Warn().Err(err).Str("channel", update.Channel).Msg("failed to encode preview frame")
		return
	}
	p.stream(update.Channel).UpdateJPEG(buf.Bytes())
}

func (p *Preview) OnStatus(anpr.StatusUpdate) {}

func (p *Preview) OnEvent(anpr.Event) {}

// Handler serves the MJPEG stream of one channel.
func (p *Preview) Handler(channel string) http.Handler {
	return p.stream(channel)
}
