package pipewire

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/capture"
	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
)

// SessionWatcher observes and ends portal sessions
type SessionWatcher interface {
	WatchClosed(session string, fn func()) (stop func())
	CloseSession(session string) error
}

// StreamOpener starts reading frames from a PipeWire node
type StreamOpener func(nodeID uint32, width, height int) (capture.Grabber, error)

// OpenGstStream is the default StreamOpener
func OpenGstStream(nodeID uint32, width, height int) (capture.Grabber, error) {
	return StartGstStream(nodeID, width, height)
}

// Backend mirrors a portal-granted PipeWire stream. One stream is shared by
// every surface created under the same grant.
type Backend struct {
	portal   SessionWatcher
	open     StreamOpener
	interval time.Duration

	mu      sync.Mutex
	streams map[string]capture.Grabber
}

// NewBackend returns a backend using portal for session lifetime and open for
// frames. A nil open selects OpenGstStream.
func NewBackend(portal SessionWatcher, open StreamOpener, interval time.Duration) *Backend {
	if open == nil {
		open = OpenGstStream
	}
	return &Backend{
		portal:   portal,
		open:     open,
		interval: interval,
		streams:  make(map[string]capture.Grabber),
	}
}

func (b *Backend) Name() string {
	return "pipewire"
}

// Accept ties the grant to its portal session: the platform closing the
// session revokes the grant, and the grant ending closes the session and
// its stream.
func (b *Backend) Accept(g *grant.Grant) error {
	data := g.Data()
	if data.Source != grant.SourcePortal {
		return fmt.Errorf("%w: pipewire cannot use %q", capture.ErrGrantSource, data.Source)
	}
	if data.Session == "" {
		return fmt.Errorf("%w: portal grant without session", capture.ErrGrantSource)
	}

	stop := b.portal.WatchClosed(data.Session, g.Revoke)
	go func() {
		<-g.Done()
		stop()
		if err := b.portal.CloseSession(data.Session); err != nil {
			logger.WithComponent("pipewire").Debug().Err(err).Str("session", data.Session).Msg("Failed to close portal session")
		}
		b.closeStream(g.ID())
	}()
	return nil
}

func (b *Backend) CreateVirtualDisplay(name string, geom display.Geometry, g *grant.Grant, sink capture.Sink) (capture.VirtualDisplay, error) {
	if !g.Alive() {
		return nil, capture.ErrGrantNotAlive
	}
	stream, err := b.stream(g)
	if err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, geom.Width, geom.Height)
	return capture.StartMirror(name, stream, rect, sink, b.interval), nil
}

func (b *Backend) stream(g *grant.Grant) (capture.Grabber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[g.ID()]; ok {
		return s, nil
	}
	if !g.Alive() {
		return nil, capture.ErrGrantNotAlive
	}
	data := g.Data()
	s, err := b.open(data.NodeID, data.Width, data.Height)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipewire node %d: %w", data.NodeID, err)
	}
	b.streams[g.ID()] = s
	return s, nil
}

func (b *Backend) closeStream(id string) {
	b.mu.Lock()
	s, ok := b.streams[id]
	delete(b.streams, id)
	b.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Streams returns the number of open streams
func (b *Backend) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}
