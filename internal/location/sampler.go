package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Positioning failure kinds
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("location request timed out")
	ErrUnsupported         = errors.New("positioning is not supported on this device")
)

// Sample is one immutable position reading. A nil AccuracyMeters means the
// accuracy is unknown and downstream validation treats it as invalid.
type Sample struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters *float64  `json:"accuracy"`
	CapturedAt     time.Time `json:"captured_at"`
}

// Provider reads a single position from the device's positioning capability
type Provider interface {
	CurrentPosition(ctx context.Context, highAccuracy bool) (*Sample, error)
}

// Options tunes the sampler
type Options struct {
	Timeout           time.Duration // single-shot deadline
	MaxAge            time.Duration // staleness window for the cached sample
	AccuracyThreshold float64       // meters; warnings fire above this
}

// Sampler wraps a Provider with a single-shot timeout, a staleness cache and
// a non-fatal warning when accuracy degrades. The warning is informational;
// the authoritative accept/reject decision lives in the geo package.
type Sampler struct {
	provider  Provider
	opts      Options
	onWarning func(*Sample)
	logger    *zap.Logger

	mu     sync.Mutex
	cached *Sample
}

// NewSampler creates a sampler; zero option fields get the defaults from the
// original capture flow (10s timeout, 60s max age, 50m threshold)
func NewSampler(provider Provider, opts Options, logger *zap.Logger) *Sampler {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 60 * time.Second
	}
	if opts.AccuracyThreshold <= 0 {
		opts.AccuracyThreshold = 50
	}
	return &Sampler{
		provider: provider,
		opts:     opts,
		logger:   logger,
	}
}

// OnAccuracyWarning registers the degraded-accuracy callback
func (s *Sampler) OnAccuracyWarning(fn func(*Sample)) {
	s.onWarning = fn
}

// Sample returns a position, reusing the cached reading when it is younger
// than MaxAge. A fresh read that exceeds the timeout fails with ErrTimeout.
func (s *Sampler) Sample(ctx context.Context, highAccuracy bool) (*Sample, error) {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.cached.CapturedAt) <= s.opts.MaxAge {
		cached := s.cached
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	sample, err := s.provider.CurrentPosition(ctx, highAccuracy)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = time.Now()
	}

	s.mu.Lock()
	s.cached = sample
	s.mu.Unlock()

	if sample.AccuracyMeters == nil || *sample.AccuracyMeters > s.opts.AccuracyThreshold {
		s.logger.Warn("GPS accuracy degraded",
			zap.Float64p("accuracy", sample.AccuracyMeters),
			zap.Float64("threshold", s.opts.AccuracyThreshold),
		)
		if s.onWarning != nil {
			s.onWarning(sample)
		}
	}

	return sample, nil
}

// Invalidate discards the cached sample so the next Sample call queries the
// provider again
func (s *Sampler) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Watch produces a continuous stream of samples at the given interval until
// ctx is cancelled, when the channel closes. Each call starts an independent
// watch, so a cancelled watch can always be replaced by a new one.
func (s *Sampler) Watch(ctx context.Context, interval time.Duration, highAccuracy bool) <-chan *Sample {
	if interval <= 0 {
		interval = s.opts.MaxAge
	}

	out := make(chan *Sample)
	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			sample, err := s.Sample(ctx, highAccuracy)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Debug("Watch sample failed", zap.Error(err))
			} else {
				select {
				case out <- sample:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
