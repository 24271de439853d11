package commands

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/bryanchriswhite/CaptureBridge/internal/bridge"
	"github.com/bryanchriswhite/CaptureBridge/internal/capture"
	"github.com/bryanchriswhite/CaptureBridge/internal/capture/pipewire"
	"github.com/bryanchriswhite/CaptureBridge/internal/config"
	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/encoder"
	"github.com/bryanchriswhite/CaptureBridge/internal/events"
	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/bryanchriswhite/CaptureBridge/internal/metrics"
	"github.com/bryanchriswhite/CaptureBridge/internal/service"
	"github.com/spf13/afero"
)

// captureRuntime is everything a command needs to run capture sessions
type captureRuntime struct {
	metrics *metrics.Metrics
	hub     *events.Hub
	bridge  *bridge.Bridge
	closers []func() error
}

// backendSetup is the platform-specific part of a runtime
type backendSetup struct {
	backend    capture.Backend
	authorizer grant.Authorizer
	display    display.Source
	closers    []func() error
}

func newCaptureRuntime(cfg *config.Config, initialCapture bool, in io.Reader, out io.Writer) (*captureRuntime, error) {
	policy, err := bridge.ParsePolicy(cfg.Capture.GrantPolicy)
	if err != nil {
		return nil, err
	}

	setup, err := selectBackend(cfg, in, out)
	if err != nil {
		return nil, err
	}

	rt := &captureRuntime{
		metrics: metrics.New(),
		hub:     events.NewHub(),
		closers: setup.closers,
	}

	indicator := service.DefaultIndicator()
	if n, ok := indicator.(*service.NotifyIndicator); ok {
		rt.closers = append(rt.closers, n.Close)
	}

	delay := cfg.Capture.InitialCaptureDelay()
	if !initialCapture {
		delay = 0
	}

	launcher := service.NewLauncher(service.Options{
		Backend:             setup.backend,
		Display:             setup.display,
		DensityDPI:          cfg.Capture.DensityDPI,
		Encoder:             encoder.New(),
		OutputDir:           cfg.Capture.OutputDir,
		OnDemand:            cfg.Capture.OnDemand,
		Continuous:          cfg.Capture.Continuous.Policy,
		ContinuousEnabled:   cfg.Capture.Continuous.Enabled,
		RowAlignment:        cfg.Capture.RowAlignment,
		PollInterval:        cfg.Capture.OrientationPoll(),
		RequestTimeout:      cfg.Capture.RequestTimeout(),
		InitialCaptureDelay: delay,
		Indicator:           indicator,
		Metrics:             rt.metrics,
		Events:              rt.hub,
	})

	rt.bridge = bridge.New(bridge.Options{
		Authorizer: setup.authorizer,
		Policy:     policy,
		Launch: func(data grant.Data) (bridge.Connection, error) {
			c, err := launcher.Launch(data)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	})

	logger.WithComponent("runtime").Info().
		Str("backend", setup.backend.Name()).
		Str("grant_policy", string(policy)).
		Str("output_dir", cfg.Capture.OutputDir).
		Msg("Capture runtime ready")
	return rt, nil
}

// Close releases backend resources. The bridge must already be shut down.
func (rt *captureRuntime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			logger.WithComponent("runtime").Debug().Err(err).Msg("Close failed")
		}
	}
}

func selectBackend(cfg *config.Config, in io.Reader, out io.Writer) (*backendSetup, error) {
	c := cfg.Capture
	log := logger.WithComponent("runtime")

	authorizer := func(source string) grant.Authorizer {
		if c.AutoApprove {
			return grant.AutoApprove{Source: source}
		}
		return &promptAuthorizer{source: source, in: in, out: out}
	}

	switch c.Backend {
	case config.BackendPipeWire:
		tokenPath := c.RestoreTokenPath
		if tokenPath == "" {
			tokenPath = pipewire.DefaultTokenPath()
		}
		portal, err := pipewire.NewPortal(afero.NewOsFs(), tokenPath)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to screen cast portal: %w", err)
		}
		setup := &backendSetup{
			backend:    pipewire.NewBackend(portal, nil, c.FrameInterval()),
			authorizer: portal,
			closers:    []func() error{portal.Close},
		}
		// Rotation tracking only; the stream size comes with the grant
		if src, err := display.NewX11Source(c.DensityDPI); err == nil {
			setup.display = src
			setup.closers = append(setup.closers, src.Close)
		}
		return setup, nil

	case config.BackendX11:
		grabber, err := capture.NewX11Grabber()
		if err != nil {
			return nil, err
		}
		src, err := display.NewX11Source(c.DensityDPI)
		if err != nil {
			grabber.Close()
			return nil, err
		}
		backend := capture.NewGrabberBackend(grabber, image.Point{}, c.FrameInterval(), grant.SourceX11)
		return &backendSetup{
			backend:    backend,
			authorizer: authorizer(grant.SourceX11),
			display:    src,
			closers:    []func() error{backend.Close, src.Close},
		}, nil

	case config.BackendScreen:
		grabber, err := capture.NewScreenGrabber(c.DisplayIndex)
		if err != nil {
			return nil, err
		}
		backend := capture.NewGrabberBackend(grabber, grabber.Bounds().Min, c.FrameInterval(), grant.SourceScreen)
		return &backendSetup{
			backend:    backend,
			authorizer: authorizer(grant.SourceScreen),
			display:    display.ScreenSource{Index: c.DisplayIndex, DensityDPI: c.DensityDPI},
			closers:    []func() error{backend.Close},
		}, nil

	default:
		router, err := capture.NewAutoRouter(c.DisplayIndex)
		if err != nil {
			return nil, err
		}
		backend := capture.NewGrabberBackend(router, image.Point{}, c.FrameInterval(), grant.SourceX11, grant.SourceScreen)
		setup := &backendSetup{
			backend: backend,
			closers: []func() error{backend.Close},
		}
		if src, err := display.NewX11Source(c.DensityDPI); err == nil {
			setup.display = src
			setup.authorizer = authorizer(grant.SourceX11)
			setup.closers = append(setup.closers, src.Close)
		} else {
			log.Debug().Err(err).Msg("No X11 display, using screen bounds")
			setup.display = display.ScreenSource{Index: c.DisplayIndex, DensityDPI: c.DensityDPI}
			setup.authorizer = authorizer(grant.SourceScreen)
		}
		return setup, nil
	}
}

// promptAuthorizer asks on the terminal before granting capture
type promptAuthorizer struct {
	source string
	in     io.Reader
	out    io.Writer
}

func (p *promptAuthorizer) Authorize(ctx context.Context) (bool, *grant.Data, error) {
	answer := make(chan string, 1)
	go func() {
		fmt.Fprintf(p.out, "Allow screen capture via %s? [y/N] ", p.source)
		line, _ := bufio.NewReader(p.in).ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case a := <-answer:
		if a != "y" && a != "yes" {
			return false, nil, nil
		}
		return grant.AutoApprove{Source: p.source}.Authorize(ctx)
	case <-ctx.Done():
		return false, nil, ctx.Err()
	}
}
