// Package capture builds the paired surfaces a capture session reads from: a
// frame source that queues raw stride-padded buffers and a virtual display
// that mirrors the screen into it.
package capture

import (
	"errors"
	"image"

	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
)

var (
	// ErrReaderClosed is returned when queuing into a released frame source
	ErrReaderClosed = errors.New("frame source closed")
	// ErrGrantNotAlive is returned when a surface is requested for a dead grant
	ErrGrantNotAlive = errors.New("grant is not alive")
	// ErrGrantSource is returned when a backend cannot use a grant's source
	ErrGrantSource = errors.New("grant source not supported by backend")
)

// FrameSource yields raw frames from a virtual display
type FrameSource interface {
	// SetListener installs fn as the frame-available callback, replacing any
	// previous one. nil detaches. fn is invoked on the producer goroutine and
	// must only hand work off.
	SetListener(fn func())

	// AcquireLatest returns the newest pending frame, dropping older ones, or
	// nil if none is pending. The caller must Close the frame.
	AcquireLatest() *RawFrame

	// Close releases the source. Pending frames are dropped.
	Close() error
}

// Sink receives rendered frames from a virtual display
type Sink interface {
	Queue(img *image.RGBA) error
}

// VirtualDisplay renders the screen into a sink until released
type VirtualDisplay interface {
	Name() string
	Release() error
}

// Backend is a platform able to mirror the screen under a grant
type Backend interface {
	// Name returns a human-readable name for this backend
	Name() string

	// Accept is the platform acceptance step for a freshly consumed grant.
	// Backends wire platform revocation to g.Revoke here.
	Accept(g *grant.Grant) error

	// CreateVirtualDisplay starts mirroring into sink at geom
	CreateVirtualDisplay(name string, geom display.Geometry, g *grant.Grant, sink Sink) (VirtualDisplay, error)
}

// Grabber captures a region of the screen
type Grabber interface {
	Name() string
	Grab(rect image.Rectangle) (*image.RGBA, error)
	Close() error
}
