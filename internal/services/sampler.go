package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultForegroundInterval is the sampling interval while the app is visible
	DefaultForegroundInterval = 10 * time.Second
	// DefaultBackgroundInterval is the widened interval used while backgrounded
	DefaultBackgroundInterval = 30 * time.Second
	// DefaultMinDistanceMeters is the movement below which the platform may skip a fix
	DefaultMinDistanceMeters = 10.0
)

var (
	// ErrPermissionDenied is returned when position tracking authorization is refused
	ErrPermissionDenied = errors.New("position permission denied")
	// ErrIntervalUnsupported is returned by subscriptions that cannot be retuned in place
	ErrIntervalUnsupported = errors.New("live interval change not supported")
)

// Accuracy is the requested positioning accuracy class
type Accuracy string

const (
	AccuracyHigh     Accuracy = "high"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyLow      Accuracy = "low"
)

// PositionFix is one raw reading from the device
type PositionFix struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	ObservedAt time.Time `json:"observed_at"`
}

// SubscribeOptions configures a platform position subscription
type SubscribeOptions struct {
	Accuracy    Accuracy
	MinInterval time.Duration
	MinDistance float64
}

// PositionProvider is the host platform's authorization and position primitives
type PositionProvider interface {
	RequestPermission(ctx context.Context) (bool, error)
	CurrentPosition(ctx context.Context) (PositionFix, error)
	Subscribe(opts SubscribeOptions, onFix func(PositionFix)) (PositionSubscription, error)
}

// PositionSubscription is a running platform subscription
type PositionSubscription interface {
	Cancel()
}

// IntervalAdjuster is implemented by subscriptions that can change cadence while running
type IntervalAdjuster interface {
	SetInterval(d time.Duration) error
}

// SamplerConfig holds sampling policy settings
type SamplerConfig struct {
	ForegroundInterval time.Duration
	BackgroundInterval time.Duration
	MinDistance        float64
	Accuracy           Accuracy
}

// PositionSampler manages the device position subscription for one sharing session
type PositionSampler struct {
	provider PositionProvider
	cfg      SamplerConfig

	mu         sync.Mutex
	deliverMu  sync.Mutex
	interval   time.Duration
	running    bool
	generation uint64
	sub        PositionSubscription
	onSample   func(PositionFix)
}

// NewPositionSampler creates a sampler in the foreground state
func NewPositionSampler(provider PositionProvider, cfg SamplerConfig) *PositionSampler {
	if cfg.ForegroundInterval <= 0 {
		cfg.ForegroundInterval = DefaultForegroundInterval
	}
	if cfg.BackgroundInterval <= 0 {
		cfg.BackgroundInterval = DefaultBackgroundInterval
	}
	if cfg.MinDistance <= 0 {
		cfg.MinDistance = DefaultMinDistanceMeters
	}
	if cfg.Accuracy == "" {
		cfg.Accuracy = AccuracyHigh
	}
	return &PositionSampler{
		provider: provider,
		cfg:      cfg,
		interval: cfg.ForegroundInterval,
	}
}

// Start requests authorization, delivers one fix right away and then subscribes
// for periodic fixes. It is a no-op when already running.
func (s *PositionSampler) Start(ctx context.Context, onSample func(PositionFix)) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	granted, err := s.provider.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("failed to request position permission: %w", err)
	}
	if !granted {
		return ErrPermissionDenied
	}

	fix, fixErr := s.provider.CurrentPosition(ctx)

	s.mu.Lock()
	if s.generation != gen {
		// stopped while waiting for the platform
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.onSample = onSample
	interval := s.interval
	s.mu.Unlock()

	if fixErr != nil {
		log.Warn().Err(fixErr).Msg("Failed to take initial position fix")
	} else {
		s.deliver(gen, fix)
	}

	sub, err := s.provider.Subscribe(s.options(interval), func(fix PositionFix) {
		s.deliver(gen, fix)
	})
	if err != nil {
		s.Stop()
		return fmt.Errorf("failed to subscribe to position updates: %w", err)
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		sub.Cancel()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()

	log.Debug().Dur("interval", interval).Msg("Position sampler started")
	return nil
}

// Stop cancels the subscription. Once it returns no further sample is delivered.
// It is safe to call repeatedly or before Start.
func (s *PositionSampler) Stop() {
	s.mu.Lock()
	s.generation++
	wasRunning := s.running
	s.running = false
	s.onSample = nil
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}

	// wait out a delivery that passed its generation check before we bumped it
	s.deliverMu.Lock()
	s.deliverMu.Unlock()

	if wasRunning {
		log.Debug().Msg("Position sampler stopped")
	}
}

// SetForeground adapts the sampling interval to the app's execution state
func (s *PositionSampler) SetForeground(foreground bool) {
	next := s.cfg.BackgroundInterval
	if foreground {
		next = s.cfg.ForegroundInterval
	}

	s.mu.Lock()
	if s.interval == next {
		s.mu.Unlock()
		return
	}
	s.interval = next
	running := s.running
	sub := s.sub
	gen := s.generation
	s.mu.Unlock()

	if !running || sub == nil {
		return
	}

	if adj, ok := sub.(IntervalAdjuster); ok {
		if err := adj.SetInterval(next); err == nil {
			log.Debug().Dur("interval", next).Msg("Position sampling interval adjusted")
			return
		} else if !errors.Is(err, ErrIntervalUnsupported) {
			log.Warn().Err(err).Msg("Failed to adjust sampling interval, restarting subscription")
		}
	}

	s.restart(gen, sub, next)
}

// Interval returns the current sampling interval
func (s *PositionSampler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Running reports whether the sampler is delivering fixes
func (s *PositionSampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *PositionSampler) restart(gen uint64, old PositionSubscription, interval time.Duration) {
	old.Cancel()

	sub, err := s.provider.Subscribe(s.options(interval), func(fix PositionFix) {
		s.deliver(gen, fix)
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to resubscribe to position updates")
		s.Stop()
		return
	}

	s.mu.Lock()
	if s.generation != gen || s.sub != old {
		s.mu.Unlock()
		sub.Cancel()
		return
	}
	s.sub = sub
	s.mu.Unlock()

	log.Debug().Dur("interval", interval).Msg("Position subscription restarted")
}

func (s *PositionSampler) deliver(gen uint64, fix PositionFix) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if !s.running || s.generation != gen {
		s.mu.Unlock()
		return
	}
	cb := s.onSample
	s.mu.Unlock()

	if cb != nil {
		cb(fix)
	}
}

func (s *PositionSampler) options(interval time.Duration) SubscribeOptions {
	return SubscribeOptions{
		Accuracy:    s.cfg.Accuracy,
		MinInterval: interval,
		MinDistance: s.cfg.MinDistance,
	}
}
