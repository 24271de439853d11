package display

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
)

// X11Source queries the default X screen for its geometry and RandR rotation
type X11Source struct {
	conn        *xgb.Conn
	screen      *xproto.ScreenInfo
	randrOK     bool
	fallbackDPI int
	mu          sync.Mutex
}

// NewX11Source connects to the X server named by $DISPLAY
func NewX11Source(fallbackDPI int) (*X11Source, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	s := &X11Source{
		conn:        conn,
		screen:      setup.DefaultScreen(conn),
		fallbackDPI: fallbackDPI,
	}

	if err := randr.Init(conn); err != nil {
		logger.WithComponent("display").Warn().
			Err(err).
			Msg("RandR extension not available - rotation will be inferred from aspect ratio")
	} else {
		s.randrOK = true
	}

	return s, nil
}

// Geometry implements Source
func (s *X11Source) Geometry() (Geometry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := Geometry{
		Width:      int(s.screen.WidthInPixels),
		Height:     int(s.screen.HeightInPixels),
		DensityDPI: s.fallbackDPI,
	}

	if s.randrOK {
		info, err := randr.GetScreenInfo(s.conn, s.screen.Root).Reply()
		if err != nil {
			return Geometry{}, fmt.Errorf("failed to get screen info: %w", err)
		}
		g.Rotation = rotationFromRandR(info.Rotation)
		if int(info.SizeID) < len(info.Sizes) {
			size := info.Sizes[info.SizeID]
			g.Width, g.Height = int(size.Width), int(size.Height)
			if size.Mwidth > 0 {
				g.DensityDPI = int(float64(size.Width) * 25.4 / float64(size.Mwidth))
			}
		}
		// RandR reports the unrotated mode size
		if g.Rotation == Rotation90 || g.Rotation == Rotation270 {
			g.Width, g.Height = g.Height, g.Width
		}
	} else {
		g.Rotation = rotationFromAspect(g.Width, g.Height)
		if mm := int(s.screen.WidthInMillimeters); mm > 0 {
			g.DensityDPI = int(float64(g.Width) * 25.4 / float64(mm))
		}
	}

	if !g.Valid() {
		return Geometry{}, fmt.Errorf("%w: X screen reports %s", ErrNoDisplay, g)
	}
	return g, nil
}

// Close closes the X connection
func (s *X11Source) Close() error {
	s.conn.Close()
	return nil
}

func rotationFromRandR(r uint16) Rotation {
	switch {
	case r&randr.RotationRotate90 != 0:
		return Rotation90
	case r&randr.RotationRotate180 != 0:
		return Rotation180
	case r&randr.RotationRotate270 != 0:
		return Rotation270
	default:
		return Rotation0
	}
}
