package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"anpr-monitor/internal/config"
	"anpr-monitor/internal/domain/anpr"
)

const DefaultStopTimeout = time.Second

var (
	ErrPoolRunning     = errors.New("channel workers already running")
	ErrInvalidSettings = errors.New("invalid worker settings")
)

type PoolConfig struct {
	StopTimeout time.Duration
	Reconnect   Reconnect
}

type ChannelSnapshot struct {
	Channel anpr.ChannelConfig `json:"channel"`
	State   State              `json:"state"`
	Stats   Stats              `json:"stats"`
	Error   string             `json:"error,omitempty"`
}

// Pool owns the workers of one start cycle. Changing channels or settings
// always goes through Stop and a fresh Start.
type Pool struct {
	deps Dependencies
	cfg  PoolConfig
	log  zerolog.Logger

	// lifecycle serializes Start, Stop and Restart.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	workers  []*Worker
	channels []anpr.ChannelConfig
	settings anpr.WorkerSettings
	runID    string
	running  bool
}

func NewPool(deps Dependencies, cfg PoolConfig, log zerolog.Logger) (*Pool, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid worker dependencies: %w", err)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Pool{
		deps: deps,
		cfg:  cfg,
		log:  log,
	}, nil
}

// Start creates and starts one worker per channel. ctx bounds the lifetime
// of the workers.
func (p *Pool) Start(ctx context.Context, channels []anpr.ChannelConfig, settings anpr.WorkerSettings) error {
	if err := validate(channels, settings); err != nil {
		return err
	}

	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.start(ctx, channels, settings)
}

func (p *Pool) start(ctx context.Context, channels []anpr.ChannelConfig, settings anpr.WorkerSettings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrPoolRunning
	}

	runID := uuid.NewString()
	log := p.log.With().Str("run_id", runID).Logger()

	workers := make([]*Worker, 0, len(channels))
	for _, ch := range channels {
		w := New(ch, settings, p.deps,
			WithLogger(log),
			WithReconnect(p.cfg.Reconnect),
		)
		if err := w.Start(ctx); err != nil {
			for _, started := range workers {
				started.Stop()
			}
			return fmt.Errorf("failed to start channel %s: %w", ch.Name, err)
		}
		workers = append(workers, w)
	}

	p.workers = workers
	p.channels = append([]anpr.ChannelConfig(nil), channels...)
	p.settings = settings
	p.runID = runID
	p.running = true

	log.Info().
		Int("channels", len(channels)).
		Int("best_shots", settings.BestShots).
		Int("cooldown_seconds", settings.CooldownSeconds).
		Float64("min_confidence", settings.MinConfidence).
		Msg("channel workers started")
	return nil
}

// Stop asks every worker to stop and waits for them in parallel, each up to
// the stop timeout. It returns the names of workers that did not stop in
// time; those are abandoned and release their capture on their own exit.
func (p *Pool) Stop() []string {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.stop()
}

func (p *Pool) stop() []string {
	p.mu.Lock()
	workers := p.workers
	runID := p.runID
	p.workers = nil
	p.running = false
	p.mu.Unlock()

	if len(workers) == 0 {
		return nil
	}

	for _, w := range workers {
		w.Stop()
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		timedOut []string
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if w.Wait(p.cfg.StopTimeout) {
				return
			}
			mu.Lock()
			timedOut = append(timedOut, w.Name())
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	if len(timedOut) > 0 {
		p.log.Warn().
			Str("run_id", runID).
			Strs("channels", timedOut).
			Dur("timeout", p.cfg.StopTimeout).
			Msg("channel workers did not stop in time, abandoning them")
	}
	p.log.Info().Str("run_id", runID).Int("channels", len(workers)).Msg("channel workers stopped")
	return timedOut
}

// Restart stops the current workers and starts a fresh set. Invalid input is
// rejected before anything is stopped.
func (p *Pool) Restart(ctx context.Context, channels []anpr.ChannelConfig, settings anpr.WorkerSettings) ([]string, error) {
	if err := validate(channels, settings); err != nil {
		return nil, err
	}

	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	timedOut := p.stop()
	return timedOut, p.start(ctx, channels, settings)
}

func (p *Pool) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Pool) RunID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.runID
}

func (p *Pool) Settings() anpr.WorkerSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

func (p *Pool) Channels() []anpr.ChannelConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]anpr.ChannelConfig(nil), p.channels...)
}

func (p *Pool) Snapshot() []ChannelSnapshot {
	p.mu.RLock()
	workers := p.workers
	p.mu.RUnlock()

	out := make([]ChannelSnapshot, 0, len(workers))
	for _, w := range workers {
		s := ChannelSnapshot{
			Channel: w.Channel(),
			State:   w.State(),
			Stats:   w.Stats(),
		}
		if err := w.Err(); err != nil {
			s.Error = err.Error()
		}
		out = append(out, s)
	}
	return out
}

func validate(channels []anpr.ChannelConfig, settings anpr.WorkerSettings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := config.ValidateChannels(channels); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}
