package display

import (
	"fmt"

	"github.com/kbinani/screenshot"
)

// ScreenSource reports the bounds of one active display via kbinani/screenshot.
// The library exposes neither density nor rotation, so density comes from
// configuration and rotation is inferred from the aspect ratio.
type ScreenSource struct {
	Index      int
	DensityDPI int
}

// Geometry implements Source
func (s ScreenSource) Geometry() (Geometry, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 || s.Index >= n {
		return Geometry{}, fmt.Errorf("%w: display %d of %d", ErrNoDisplay, s.Index, n)
	}

	bounds := screenshot.GetDisplayBounds(s.Index)
	g := Geometry{
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		DensityDPI: s.DensityDPI,
		Rotation:   rotationFromAspect(bounds.Dx(), bounds.Dy()),
	}
	if !g.Valid() {
		return Geometry{}, fmt.Errorf("%w: display %d reports %s", ErrNoDisplay, s.Index, g)
	}
	return g, nil
}
