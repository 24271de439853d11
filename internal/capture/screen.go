package capture

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// ScreenGrabber captures through the platform screenshot API
type ScreenGrabber struct {
	index int
}

// NewScreenGrabber returns a grabber for the active display at index
func NewScreenGrabber(index int) (*ScreenGrabber, error) {
	if n := screenshot.NumActiveDisplays(); index < 0 || index >= n {
		return nil, fmt.Errorf("display %d not available (%d active)", index, n)
	}
	return &ScreenGrabber{index: index}, nil
}

func (g *ScreenGrabber) Name() string {
	return "screen"
}

// Bounds returns the display's area in the virtual screen
func (g *ScreenGrabber) Bounds() image.Rectangle {
	return screenshot.GetDisplayBounds(g.index)
}

func (g *ScreenGrabber) Grab(rect image.Rectangle) (*image.RGBA, error) {
	img, err := screenshot.CaptureRect(rect)
	if err != nil {
		return nil, fmt.Errorf("failed to capture %v: %w", rect, err)
	}
	return img, nil
}

func (g *ScreenGrabber) Close() error {
	return nil
}
