// Package device provides a simulated host-platform position provider for
// running the client outside a phone.
package device

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"location-share-client/internal/services"
)

// jitterDegrees is the maximum random drift applied to each fix (~20m).
const jitterDegrees = 0.0002

// Provider serves fixes around a fixed coordinate
type Provider struct {
	mu        sync.Mutex
	latitude  float64
	longitude float64
	granted   bool
	rng       *rand.Rand
}

// NewProvider creates a provider centred on lat/lng
func NewProvider(lat, lng float64, granted bool) *Provider {
	return &Provider{
		latitude:  lat,
		longitude: lng,
		granted:   granted,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RequestPermission answers the authorization prompt
func (p *Provider) RequestPermission(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted, nil
}

// SetPermission changes the answer given to future prompts
func (p *Provider) SetPermission(granted bool) {
	p.mu.Lock()
	p.granted = granted
	p.mu.Unlock()
}

// MoveTo recentres the simulated device
func (p *Provider) MoveTo(lat, lng float64) {
	p.mu.Lock()
	p.latitude = lat
	p.longitude = lng
	p.mu.Unlock()
}

// CurrentPosition returns one fix
func (p *Provider) CurrentPosition(ctx context.Context) (services.PositionFix, error) {
	if err := ctx.Err(); err != nil {
		return services.PositionFix{}, err
	}
	return p.fix(), nil
}

// Subscribe delivers a fix every opts.MinInterval until cancelled
func (p *Provider) Subscribe(opts services.SubscribeOptions, onFix func(services.PositionFix)) (services.PositionSubscription, error) {
	sub := &subscription{
		provider: p,
		onFix:    onFix,
		interval: make(chan time.Duration, 1),
		done:     make(chan struct{}),
	}
	go sub.run(opts.MinInterval)
	return sub, nil
}

func (p *Provider) fix() services.PositionFix {
	p.mu.Lock()
	defer p.mu.Unlock()
	return services.PositionFix{
		Latitude:   p.latitude + (p.rng.Float64()*2-1)*jitterDegrees,
		Longitude:  p.longitude + (p.rng.Float64()*2-1)*jitterDegrees,
		Accuracy:   5 + p.rng.Float64()*10,
		ObservedAt: time.Now(),
	}
}

type subscription struct {
	provider *Provider
	onFix    func(services.PositionFix)
	interval chan time.Duration
	done     chan struct{}
	once     sync.Once
}

func (s *subscription) run(interval time.Duration) {
	if interval <= 0 {
		interval = services.DefaultForegroundInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case d := <-s.interval:
			ticker.Reset(d)
		case <-ticker.C:
			s.onFix(s.provider.fix())
		}
	}
}

// SetInterval retunes the running subscription
func (s *subscription) SetInterval(d time.Duration) error {
	if d <= 0 {
		return services.ErrIntervalUnsupported
	}
	select {
	case <-s.done:
		return services.ErrIntervalUnsupported
	default:
	}
	select {
	case <-s.interval:
	default:
	}
	s.interval <- d
	return nil
}

// Cancel stops delivery
func (s *subscription) Cancel() {
	s.once.Do(func() { close(s.done) })
}
