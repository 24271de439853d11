package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
)

// SurfacePair is a frame source and the virtual display rendering into it.
// The two are created together and released together.
type SurfacePair struct {
	Name     string
	Source   FrameSource
	Display  VirtualDisplay
	Geometry display.Geometry

	once    sync.Once
	factory *SurfaceFactory
}

// Release tears down the virtual display, then the frame source. Calling it
// more than once is a no-op.
func (p *SurfacePair) Release() error {
	var err error
	p.once.Do(func() {
		if p.Display != nil {
			if derr := p.Display.Release(); derr != nil {
				err = fmt.Errorf("failed to release virtual display %s: %w", p.Name, derr)
			}
		}
		if p.Source != nil {
			if serr := p.Source.Close(); serr != nil {
				err = errors.Join(err, fmt.Errorf("failed to close frame source %s: %w", p.Name, serr))
			}
		}
		if p.factory != nil {
			p.factory.untrack()
		}
	})
	return err
}

// SurfaceFactory creates surface pairs on a backend
type SurfaceFactory struct {
	backend  Backend
	rowAlign int

	live   atomic.Int64
	onLive atomic.Pointer[func(int64)]
}

// NewSurfaceFactory returns a factory for backend. rowAlign <= 0 selects
// DefaultRowAlignment.
func NewSurfaceFactory(backend Backend, rowAlign int) *SurfaceFactory {
	if rowAlign <= 0 {
		rowAlign = DefaultRowAlignment
	}
	return &SurfaceFactory{backend: backend, rowAlign: rowAlign}
}

// Backend returns the platform backend
func (f *SurfaceFactory) Backend() Backend {
	return f.backend
}

// Live returns the number of pairs created and not yet released
func (f *SurfaceFactory) Live() int64 {
	return f.live.Load()
}

// OnLiveChange registers fn to observe the live pair count
func (f *SurfaceFactory) OnLiveChange(fn func(int64)) {
	f.onLive.Store(&fn)
}

// Create builds a frame source of geom's size holding at most maxImages
// frames, and a virtual display named name mirroring into it.
func (f *SurfaceFactory) Create(name string, g *grant.Grant, geom display.Geometry, maxImages int) (*SurfacePair, error) {
	if g == nil || !g.Alive() {
		return nil, ErrGrantNotAlive
	}
	if !geom.Valid() {
		return nil, fmt.Errorf("invalid geometry %s", geom)
	}

	reader := NewImageReader(geom.Width, geom.Height, maxImages, f.rowAlign)
	vd, err := f.backend.CreateVirtualDisplay(name, geom, g, reader)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to create virtual display %s: %w", name, err)
	}

	f.track()
	logger.WithComponent("surface").Debug().
		Str("name", name).
		Str("geometry", geom.String()).
		Int("max_images", maxImages).
		Int("row_stride", reader.RowStride()).
		Msg("Surface pair created")

	return &SurfacePair{
		Name:     name,
		Source:   reader,
		Display:  vd,
		Geometry: geom,
		factory:  f,
	}, nil
}

func (f *SurfaceFactory) track() {
	f.notify(f.live.Add(1))
}

func (f *SurfaceFactory) untrack() {
	f.notify(f.live.Add(-1))
}

func (f *SurfaceFactory) notify(n int64) {
	if fn := f.onLive.Load(); fn != nil && *fn != nil {
		(*fn)(n)
	}
}
