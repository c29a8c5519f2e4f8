package capacity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/banshee-data/wastesort/internal/hardware"
	"github.com/banshee-data/wastesort/internal/timeutil"
	"github.com/banshee-data/wastesort/internal/waste"
)

// Monitor samples the range sensor of each bin on a fixed interval and keeps
// the latest reading per bin.
type Monitor struct {
	sensor   hardware.RangeSensor
	bins     []waste.BinID
	clock    timeutil.Clock
	interval time.Duration
	timeout  time.Duration
	heights  map[waste.BinID]float64
	publish  func([]Reading)

	mu     sync.RWMutex
	latest map[waste.BinID]Reading
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithClock(c timeutil.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithSensorTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithBinHeight sets the calibrated depth of one bin.
func WithBinHeight(bin waste.BinID, cm float64) Option {
	return func(m *Monitor) {
		if cm > 0 {
			m.heights[bin] = cm
		}
	}
}

// WithPublisher registers fn to receive every completed round of readings.
func WithPublisher(fn func([]Reading)) Option {
	return func(m *Monitor) { m.publish = fn }
}

// NewMonitor returns a Monitor for bins. A nil sensor reports every reading
// as absent.
func NewMonitor(sensor hardware.RangeSensor, bins []waste.BinID, opts ...Option) *Monitor {
	m := &Monitor{
		sensor:   sensor,
		bins:     append([]waste.BinID(nil), bins...),
		clock:    timeutil.RealClock{},
		interval: DefaultInterval,
		timeout:  DefaultSensorTimeout,
		heights:  make(map[waste.BinID]float64),
		latest:   make(map[waste.BinID]Reading),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) height(bin waste.BinID) float64 {
	if h, ok := m.heights[bin]; ok {
		return h
	}
	return DefaultBinHeightCm
}

// Sample measures one bin. Sensor failures, including timeouts, produce a
// reading with no distance rather than an error.
func (m *Monitor) Sample(ctx context.Context, bin waste.BinID) Reading {
	var distance *float64
	if m.sensor != nil {
		sctx, cancel := context.WithTimeout(ctx, m.timeout)
		d, err := m.sensor.Measure(sctx, bin)
		cancel()
		switch {
		case err == nil:
			distance = &d
		case errors.Is(err, hardware.ErrSensorTimeout):
			log.Debug().Str("bin", string(bin)).Msg("range sensor timed out")
		default:
			log.Warn().Err(err).Str("bin", string(bin)).Msg("range sensor failed")
		}
	}
	return NewReading(bin, m.height(bin), distance, m.clock.Now())
}

// SampleAll samples every bin concurrently, stores the readings and hands
// them to the publisher.
func (m *Monitor) SampleAll(ctx context.Context) []Reading {
	readings := make([]Reading, len(m.bins))
	var wg sync.WaitGroup
	for i, bin := range m.bins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readings[i] = m.Sample(ctx, bin)
		}()
	}
	wg.Wait()

	m.mu.Lock()
	for _, r := range readings {
		m.latest[r.Bin] = r
	}
	m.mu.Unlock()

	if m.publish != nil {
		m.publish(readings)
	}
	return readings
}

// Run samples immediately and then once per interval until ctx is done. A
// failed reading never stops the loop.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.SampleAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			m.SampleAll(ctx)
		}
	}
}

// Latest returns the most recent reading of each sampled bin, in bin order.
func (m *Monitor) Latest() []Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Reading, 0, len(m.bins))
	for _, bin := range m.bins {
		if r, ok := m.latest[bin]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Interval returns the sampling period.
func (m *Monitor) Interval() time.Duration { return m.interval }
