package capture

import (
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/rs/zerolog"
)

// DefaultFrameInterval is the mirror polling period
const DefaultFrameInterval = 100 * time.Millisecond

// Mirror is a virtual display that copies a screen region into a sink on a
// fixed interval. The first frame is queued immediately.
type Mirror struct {
	name     string
	grabber  Grabber
	rect     image.Rectangle
	sink     Sink
	interval time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartMirror begins mirroring rect from grabber into sink
func StartMirror(name string, grabber Grabber, rect image.Rectangle, sink Sink, interval time.Duration) *Mirror {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	m := &Mirror{
		name:     name,
		grabber:  grabber,
		rect:     rect,
		sink:     sink,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mirror) Name() string { return m.name }

func (m *Mirror) run() {
	defer close(m.done)
	log := logger.WithComponent("mirror")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if !m.emit(log) {
			return
		}
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
	}
}

// emit grabs and queues one frame. It returns false once the sink is gone.
func (m *Mirror) emit(log *zerolog.Logger) bool {
	img, err := m.grabber.Grab(m.rect)
	if err != nil {
		log.Debug().Err(err).Str("display", m.name).Msg("Grab failed, skipping frame")
		return true
	}
	select {
	case <-m.stop:
		return false
	default:
	}
	if err := m.sink.Queue(img); err != nil {
		if errors.Is(err, ErrReaderClosed) {
			return false
		}
		log.Debug().Err(err).Str("display", m.name).Msg("Failed to queue frame")
	}
	return true
}

// Release stops the mirror and waits for its goroutine, so no frame reaches
// the sink after Release returns
func (m *Mirror) Release() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

// GrabberBackend mirrors the screen through a Grabber
type GrabberBackend struct {
	grabber  Grabber
	origin   image.Point
	interval time.Duration
	sources  []string
}

// NewGrabberBackend returns a backend accepting grants from the given sources
// and mirroring the screen area starting at origin
func NewGrabberBackend(grabber Grabber, origin image.Point, interval time.Duration, sources ...string) *GrabberBackend {
	return &GrabberBackend{
		grabber:  grabber,
		origin:   origin,
		interval: interval,
		sources:  sources,
	}
}

func (b *GrabberBackend) Name() string {
	return b.grabber.Name()
}

// Accept checks that the grant was issued for this backend's source. Local
// grabbers have no platform revocation signal to wire.
func (b *GrabberBackend) Accept(g *grant.Grant) error {
	if g == nil {
		return ErrGrantNotAlive
	}
	if len(b.sources) > 0 && !slices.Contains(b.sources, g.Data().Source) {
		return fmt.Errorf("%w: %s cannot use %q", ErrGrantSource, b.Name(), g.Data().Source)
	}
	return nil
}

func (b *GrabberBackend) CreateVirtualDisplay(name string, geom display.Geometry, g *grant.Grant, sink Sink) (VirtualDisplay, error) {
	if g == nil || !g.Alive() {
		return nil, ErrGrantNotAlive
	}
	rect := image.Rect(0, 0, geom.Width, geom.Height).Add(b.origin)
	return StartMirror(name, b.grabber, rect, sink, b.interval), nil
}

// Close releases the underlying grabber
func (b *GrabberBackend) Close() error {
	return b.grabber.Close()
}
