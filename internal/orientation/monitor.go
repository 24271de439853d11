// Package orientation watches the display for rotation changes.
package orientation

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
)

// DefaultInterval is the display polling period
const DefaultInterval = 500 * time.Millisecond

// Monitor polls a display source and reports geometry whose rotation differs
// from the last one seen. Identical consecutive rotations are never reported.
type Monitor struct {
	source   display.Source
	interval time.Duration
	onChange func(display.Geometry)

	mu      sync.Mutex
	last    display.Rotation
	enabled bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor returns a disabled monitor. onChange runs on the polling
// goroutine and must hand work off rather than touch session state.
func NewMonitor(source display.Source, interval time.Duration, onChange func(display.Geometry)) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		source:   source,
		interval: interval,
		onChange: onChange,
	}
}

// Enable starts polling with initial as the current state. Enabling a running
// monitor only resets the baseline.
func (m *Monitor) Enable(initial display.Geometry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = initial.Rotation
	if m.enabled {
		return
	}
	m.enabled = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.poll(m.stop, m.done)
}

// Disable stops polling. No callback starts after Disable returns.
func (m *Monitor) Disable() {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
}

// Enabled reports whether the monitor is polling
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *Monitor) poll(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.check(stop)
		}
	}
}

// check queries the source once and forwards a changed rotation
func (m *Monitor) check(stop chan struct{}) {
	geom, err := m.source.Geometry()
	if err != nil {
		logger.WithComponent("orientation").Debug().Err(err).Msg("Failed to query display geometry")
		return
	}

	m.mu.Lock()
	select {
	case <-stop:
		m.mu.Unlock()
		return
	default:
	}
	if geom.Rotation == m.last {
		m.mu.Unlock()
		return
	}
	prev := m.last
	m.last = geom.Rotation
	m.mu.Unlock()

	logger.WithComponent("orientation").Info().
		Str("from", prev.String()).
		Str("to", geom.Rotation.String()).
		Int("width", geom.Width).
		Int("height", geom.Height).
		Msg("Display rotation changed")

	if m.onChange != nil {
		m.onChange(geom)
	}
}
