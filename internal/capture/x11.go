package capture

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
)

// X11Grabber captures the root window over an X11/XWayland connection
type X11Grabber struct {
	conn   *xgb.Conn
	root   xproto.Window
	screen *xproto.ScreenInfo
	mu     sync.Mutex
}

// NewX11Grabber connects to the X server named by $DISPLAY
func NewX11Grabber() (*X11Grabber, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	logger.WithComponent("x11-grabber").Info().
		Uint16("width", screen.WidthInPixels).
		Uint16("height", screen.HeightInPixels).
		Uint8("depth", screen.RootDepth).
		Msg("Connected to X server")

	return &X11Grabber{
		conn:   conn,
		root:   screen.Root,
		screen: screen,
	}, nil
}

func (g *X11Grabber) Name() string {
	return "X11"
}

// Bounds returns the root window area
func (g *X11Grabber) Bounds() image.Rectangle {
	return image.Rect(0, 0, int(g.screen.WidthInPixels), int(g.screen.HeightInPixels))
}

// Grab reads rect from the root window
func (g *X11Grabber) Grab(rect image.Rectangle) (*image.RGBA, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rect = rect.Intersect(g.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("region outside root window")
	}

	reply, err := xproto.GetImage(
		g.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(g.root),
		int16(rect.Min.X), int16(rect.Min.Y),
		uint16(rect.Dx()), uint16(rect.Dy()),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}

	return bgrxToRGBA(reply.Data, rect.Dx(), rect.Dy(), int(g.screen.RootDepth))
}

// bgrxToRGBA converts 24/32-bit ZPixmap data to an opaque RGBA image
func bgrxToRGBA(data []byte, width, height, depth int) (*image.RGBA, error) {
	if depth != 24 && depth != 32 {
		return nil, fmt.Errorf("unsupported root depth %d", depth)
	}
	if len(data) < width*height*4 {
		return nil, fmt.Errorf("short image reply: %d bytes for %dx%d", len(data), width, height)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		o := i * 4
		img.Pix[o+0] = data[o+2]
		img.Pix[o+1] = data[o+1]
		img.Pix[o+2] = data[o]
		img.Pix[o+3] = 0xFF
	}
	return img, nil
}

// Close closes the X11 connection
func (g *X11Grabber) Close() error {
	g.conn.Close()
	return nil
}
