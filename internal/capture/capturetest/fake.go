// Package capturetest provides an in-memory capture backend for tests.
package capturetest

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/bryanchriswhite/CaptureBridge/internal/capture"
	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
)

// ErrNoDisplay is returned by Emit when no live display has the given name
var ErrNoDisplay = errors.New("no live virtual display")

// Event is one backend lifecycle step, e.g. {"create", "screencap"}
type Event struct {
	Kind string
	Name string
}

// FakeDisplay is a virtual display that only renders when told to
type FakeDisplay struct {
	name     string
	geometry display.Geometry
	sink     capture.Sink
	backend  *FakeBackend

	mu                    sync.Mutex
	released              bool
	sourceClosedAtRelease bool
}

func (d *FakeDisplay) Name() string               { return d.name }
func (d *FakeDisplay) Geometry() display.Geometry { return d.geometry }

// Released reports whether Release has been called
func (d *FakeDisplay) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// SourceClosedAtRelease reports whether the frame source was already closed
// when the display was released
func (d *FakeDisplay) SourceClosedAtRelease() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sourceClosedAtRelease
}

func (d *FakeDisplay) Release() error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil
	}
	d.released = true
	if c, ok := d.sink.(interface{ Closed() bool }); ok {
		d.sourceClosedAtRelease = c.Closed()
	}
	d.mu.Unlock()

	d.backend.record(Event{Kind: "release", Name: d.name}, -1)
	return nil
}

// Emit queues img into the display's frame source
func (d *FakeDisplay) Emit(img *image.RGBA) error {
	if d.Released() {
		return fmt.Errorf("%w: %s released", ErrNoDisplay, d.name)
	}
	return d.sink.Queue(img)
}

// FakeBackend records every virtual display it creates
type FakeBackend struct {
	// AutoEmit, when set, makes every new display queue one frame of its
	// geometry filled with this color before CreateVirtualDisplay returns.
	AutoEmit *color.RGBA
	// AcceptErr and CreateErr are returned from Accept and CreateVirtualDisplay
	AcceptErr error
	CreateErr error

	mu       sync.Mutex
	displays []*FakeDisplay
	events   []Event
	accepted []*grant.Grant
	live     int
}

// New returns an empty fake backend
func New() *FakeBackend {
	return &FakeBackend{}
}

func (b *FakeBackend) Name() string { return "fake" }

func (b *FakeBackend) Accept(g *grant.Grant) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accepted = append(b.accepted, g)
	return b.AcceptErr
}

func (b *FakeBackend) CreateVirtualDisplay(name string, geom display.Geometry, g *grant.Grant, sink capture.Sink) (capture.VirtualDisplay, error) {
	if b.CreateErr != nil {
		return nil, b.CreateErr
	}
	if !g.Alive() {
		return nil, capture.ErrGrantNotAlive
	}

	d := &FakeDisplay{name: name, geometry: geom, sink: sink, backend: b}
	b.mu.Lock()
	b.displays = append(b.displays, d)
	b.mu.Unlock()
	b.record(Event{Kind: "create", Name: name}, 1)

	if b.AutoEmit != nil {
		sink.Queue(Solid(geom.Width, geom.Height, *b.AutoEmit))
	}
	return d, nil
}

func (b *FakeBackend) record(e Event, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	b.live += delta
}

// Events returns the lifecycle log in order
func (b *FakeBackend) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

// Live returns the number of displays created and not released
func (b *FakeBackend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// Accepted returns the grants passed to Accept
func (b *FakeBackend) Accepted() []*grant.Grant {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*grant.Grant(nil), b.accepted...)
}

// Displays returns every display ever created with name, oldest first
func (b *FakeBackend) Displays(name string) []*FakeDisplay {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*FakeDisplay
	for _, d := range b.displays {
		if d.name == name {
			out = append(out, d)
		}
	}
	return out
}

// Latest returns the newest live display named name, or nil
func (b *FakeBackend) Latest(name string) *FakeDisplay {
	ds := b.Displays(name)
	for i := len(ds) - 1; i >= 0; i-- {
		if !ds[i].Released() {
			return ds[i]
		}
	}
	return nil
}

// Emit queues img into the newest live display named name
func (b *FakeBackend) Emit(name string, img *image.RGBA) error {
	d := b.Latest(name)
	if d == nil {
		return fmt.Errorf("%w: %s", ErrNoDisplay, name)
	}
	return d.Emit(img)
}

// Solid returns a width x height image filled with c
func Solid(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}
