// Package service hosts capture sessions on their own worker loop and hands
// out connection handles to them.
package service

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/capture"
	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/encoder"
	"github.com/bryanchriswhite/CaptureBridge/internal/events"
	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/bryanchriswhite/CaptureBridge/internal/metrics"
	"github.com/bryanchriswhite/CaptureBridge/internal/request"
	"github.com/bryanchriswhite/CaptureBridge/internal/session"
	"github.com/bryanchriswhite/CaptureBridge/internal/worker"
	"github.com/rs/zerolog"
)

const onDemandPrefix = "screenshot_"

// ErrNoBackend is returned by Launch when no capture backend is configured
var ErrNoBackend = errors.New("no capture backend configured")

// Options configures every session a Launcher starts
type Options struct {
	Backend capture.Backend
	// Display provides the initial geometry and drives rotation tracking.
	// Portal grants carrying a stream size use that size instead.
	Display    display.Source
	DensityDPI int

	Encoder           *encoder.Encoder
	OutputDir         string
	OnDemand          encoder.Policy
	Continuous        encoder.Policy
	ContinuousEnabled bool

	RowAlignment        int
	PollInterval        time.Duration
	RequestTimeout      time.Duration
	InitialCaptureDelay time.Duration

	Indicator Indicator
	Metrics   *metrics.Metrics
	Events    *events.Hub
}

// Launcher starts capture sessions
type Launcher struct {
	opts Options
	log  *zerolog.Logger
}

// NewLauncher fills defaults into opts
func NewLauncher(opts Options) *Launcher {
	if opts.Encoder == nil {
		opts.Encoder = encoder.New()
	}
	if opts.RowAlignment <= 0 {
		opts.RowAlignment = capture.DefaultRowAlignment
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = request.DefaultTimeout
	}
	if opts.Indicator == nil {
		opts.Indicator = LogIndicator{}
	}
	return &Launcher{
		opts: opts,
		log:  logger.WithComponent("service"),
	}
}

// Launch wraps data in a fresh grant and starts a session for it on a new
// worker loop. It returns as soon as the start is queued; poll Ready or watch
// Status to learn when the session is usable.
func (l *Launcher) Launch(data grant.Data) (*Conn, error) {
	if l.opts.Backend == nil {
		return nil, ErrNoBackend
	}
	geom, err := l.geometry(data)
	if err != nil {
		return nil, err
	}

	loop := worker.New("capture")
	factory := capture.NewSurfaceFactory(l.opts.Backend, l.opts.RowAlignment)
	factory.OnLiveChange(l.opts.Metrics.Surfaces)

	c := &Conn{
		opts:  l.opts,
		loop:  loop,
		ctrl:  request.NewController(l.opts.Metrics),
		grant: grant.New(data),
	}
	c.session = session.New(session.Options{
		Loop:              loop,
		Factory:           factory,
		Encoder:           l.opts.Encoder,
		Display:           l.opts.Display,
		PollInterval:      l.opts.PollInterval,
		OutputDir:         l.opts.OutputDir,
		Continuous:        l.opts.Continuous,
		ContinuousEnabled: l.opts.ContinuousEnabled,
		Metrics:           l.opts.Metrics,
		Events:            l.opts.Events,
		OnStateChange:     c.onStateChange,
	})
	c.log = logger.WithSession("service", c.session.ID())

	if err := l.opts.Indicator.Show(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to show capture indicator")
	}
	loop.Post(func() { c.start(geom) })

	c.log.Info().
		Str("source", data.Source).
		Str("geometry", geom.String()).
		Msg("Capture service launched")
	return c, nil
}

func (l *Launcher) geometry(data grant.Data) (display.Geometry, error) {
	if data.Width > 0 && data.Height > 0 {
		geom := display.Geometry{
			Width:      data.Width,
			Height:     data.Height,
			DensityDPI: l.opts.DensityDPI,
		}
		// the stream carries no rotation; the monitor compares against this one
		if l.opts.Display != nil {
			if current, err := l.opts.Display.Geometry(); err == nil {
				geom.Rotation = current.Rotation
			}
		}
		return geom, nil
	}
	if l.opts.Display == nil {
		return display.Geometry{}, fmt.Errorf("%w: no display source", display.ErrNoDisplay)
	}
	geom, err := l.opts.Display.Geometry()
	if err != nil {
		return display.Geometry{}, fmt.Errorf("failed to query display geometry: %w", err)
	}
	if geom.DensityDPI == 0 {
		geom.DensityDPI = l.opts.DensityDPI
	}
	return geom, nil
}

// Conn is the handle to one running session
type Conn struct {
	opts    Options
	log     *zerolog.Logger
	loop    *worker.Loop
	session *session.Session
	ctrl    *request.Controller
	grant   *grant.Grant

	// owned by the loop
	initial *worker.Timer
}

func (c *Conn) start(geom display.Geometry) {
	if err := c.session.Start(c.grant, geom); err != nil {
		c.log.Error().Err(err).Msg("Failed to start capture session")
		return
	}
	if c.opts.InitialCaptureDelay > 0 {
		c.initial = c.loop.AfterFunc(c.opts.InitialCaptureDelay, c.initialCapture)
	}
}

// initialCapture takes one screenshot shortly after start so a fresh session
// leaves a file behind even if nobody asks
func (c *Conn) initialCapture() {
	c.ctrl.RequestOnce(c.session, c.opts.RequestTimeout, func(img *image.RGBA) {
		if img == nil {
			c.log.Debug().Msg("Initial capture produced no image")
			return
		}
		if _, err := c.save(img, events.KindInitial); err != nil {
			c.log.Warn().Err(err).Msg("Failed to save initial capture")
		}
	})
}

func (c *Conn) onStateChange(st session.State) {
	if st == session.Stopped {
		c.shutdown()
	}
}

// shutdown runs on the loop once the session is Stopped, whoever stopped it
func (c *Conn) shutdown() {
	c.initial.Stop()
	if err := c.opts.Indicator.Hide(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to hide capture indicator")
	}
	c.loop.Close()
	c.log.Info().Msg("Capture service stopped")
}

// Ready reports whether screenshots can be taken right now
func (c *Conn) Ready() bool {
	return c.session.Ready()
}

// Status returns the session snapshot
func (c *Conn) Status() session.Status {
	return c.session.Status()
}

// Grant returns the grant the session was started with
func (c *Conn) Grant() *grant.Grant {
	return c.grant
}

// RequestScreenshot captures one frame. cb runs on the worker loop and gets
// nil on any failure, including a stopped service.
func (c *Conn) RequestScreenshot(cb func(*image.RGBA)) {
	ok := c.loop.Post(func() {
		c.ctrl.RequestOnce(c.session, c.opts.RequestTimeout, cb)
	})
	if !ok {
		cb(nil)
	}
}

// Save writes img with the on-demand policy and returns its path
func (c *Conn) Save(img *image.RGBA) (string, error) {
	return c.save(img, events.KindOnDemand)
}

func (c *Conn) save(img *image.RGBA, kind string) (string, error) {
	if img == nil {
		return "", fmt.Errorf("%w: no image", encoder.ErrInvalidBuffer)
	}
	policy := c.opts.OnDemand
	path, err := c.opts.Encoder.Persist(img, c.opts.OutputDir, policy,
		encoder.UUIDNamer(onDemandPrefix, policy.Extension()))
	if err != nil {
		return "", err
	}
	c.opts.Events.Publish(events.Event{
		Kind:    kind,
		Session: c.session.ID(),
		Path:    path,
		Width:   img.Bounds().Dx(),
		Height:  img.Bounds().Dy(),
	})
	c.log.Info().Str("path", path).Str("kind", kind).Msg("Screenshot saved")
	return path, nil
}

// Stop ends the session and releases its grant. It does not wait; use Done.
func (c *Conn) Stop() {
	c.loop.Post(c.session.Stop)
}

// Done is closed once the session has stopped and the loop has drained
func (c *Conn) Done() <-chan struct{} {
	return c.loop.Done()
}
