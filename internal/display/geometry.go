package display

import (
	"errors"
	"fmt"
)

// ErrNoDisplay is returned when no usable display could be queried
var ErrNoDisplay = errors.New("no active display")

// Rotation is the display rotation in quarter turns
type Rotation int

const (
	Rotation0 Rotation = iota
	Rotation90
	Rotation180
	Rotation270
)

// String returns the rotation in degrees, e.g. "90"
func (r Rotation) String() string {
	return fmt.Sprintf("%d", int(r)*90)
}

// Geometry is a snapshot of the display state a surface is built for
type Geometry struct {
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	DensityDPI int      `json:"density_dpi"`
	Rotation   Rotation `json:"rotation"`
}

// Valid reports whether the geometry can back a surface
func (g Geometry) Valid() bool {
	return g.Width > 0 && g.Height > 0
}

// Landscape reports whether the display is wider than tall
func (g Geometry) Landscape() bool {
	return g.Width > g.Height
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d@%ddpi rot=%s", g.Width, g.Height, g.DensityDPI, g.Rotation)
}

// Source reports the current display geometry
type Source interface {
	Geometry() (Geometry, error)
}

// Static is a Source with a fixed geometry
type Static struct {
	G Geometry
}

// Geometry implements Source
func (s Static) Geometry() (Geometry, error) {
	if !s.G.Valid() {
		return Geometry{}, fmt.Errorf("%w: invalid static geometry %s", ErrNoDisplay, s.G)
	}
	return s.G, nil
}

// rotationFromAspect guesses a rotation for sources that cannot report one.
// Desktop panels are landscape in their natural orientation.
func rotationFromAspect(width, height int) Rotation {
	if height > width {
		return Rotation90
	}
	return Rotation0
}
