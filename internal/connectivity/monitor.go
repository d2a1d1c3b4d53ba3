package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probe checks whether the backend is reachable
type Probe interface {
	HealthCheck(ctx context.Context) error
}

// Monitor watches backend reachability with a periodic probe and notifies
// subscribers on discrete online/offline transitions. Subscribers register
// explicitly; there is no shared event bus.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	online bool
	subs   []func(online bool)

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor; the device starts as offline until the first
// successful probe
func NewMonitor(probe Probe, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Subscribe registers a transition callback. Must be called before Start.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Online reports the last observed reachability state
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Start launches the probe loop with an immediate first check
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("Connectivity monitor started",
		zap.Duration("interval", m.interval),
	)
}

// Stop terminates the probe loop
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
	m.logger.Info("Connectivity monitor stopped")
}

// CheckNow runs one probe immediately and returns the resulting state
func (m *Monitor) CheckNow(ctx context.Context) bool {
	err := m.probe.HealthCheck(ctx)
	m.setOnline(err == nil)
	return err == nil
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check()
	for {
		select {
		case <-ticker.C:
			m.check()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	err := m.probe.HealthCheck(ctx)
	m.setOnline(err == nil)
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	subs := m.subs
	m.mu.Unlock()

	if !changed {
		return
	}

	if online {
		m.logger.Info("Backend reachable, device is online")
	} else {
		m.logger.Warn("Backend unreachable, device is offline")
	}
	for _, fn := range subs {
		fn(online)
	}
}
