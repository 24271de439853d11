package capture

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
)

// Router routes grabs to the first grabber that succeeds, remembering the
// last working one so later grabs try it first
type Router struct {
	grabbers []Grabber
	mu       sync.RWMutex
	current  int
}

// NewRouter returns a router over grabbers in preference order
func NewRouter(grabbers ...Grabber) (*Router, error) {
	if len(grabbers) == 0 {
		return nil, fmt.Errorf("no capture backends available")
	}
	return &Router{grabbers: grabbers}, nil
}

// NewAutoRouter tries X11 first and falls back to the platform screenshot API
func NewAutoRouter(displayIndex int) (*Router, error) {
	log := logger.WithComponent("capture-router")

	var grabbers []Grabber
	if x11, err := NewX11Grabber(); err != nil {
		log.Warn().Err(err).Msg("X11 grabber not available")
	} else {
		grabbers = append(grabbers, x11)
	}
	if scr, err := NewScreenGrabber(displayIndex); err != nil {
		log.Warn().Err(err).Msg("Screen grabber not available")
	} else {
		grabbers = append(grabbers, scr)
	}
	return NewRouter(grabbers...)
}

func (r *Router) Name() string {
	names := make([]string, len(r.grabbers))
	for i, g := range r.grabbers {
		names[i] = g.Name()
	}
	return "router(" + strings.Join(names, ",") + ")"
}

// Grab tries the last working grabber, then the others in order
func (r *Router) Grab(rect image.Rectangle) (*image.RGBA, error) {
	r.mu.RLock()
	start := r.current
	r.mu.RUnlock()

	var errs []error
	for i := range r.grabbers {
		idx := (start + i) % len(r.grabbers)
		g := r.grabbers[idx]
		img, err := g.Grab(rect)
		if err == nil {
			if idx != start {
				logger.WithComponent("capture-router").Debug().
					Str("grabber", g.Name()).
					Msg("Falling back to grabber")
				r.mu.Lock()
				r.current = idx
				r.mu.Unlock()
			}
			return img, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", g.Name(), err))
	}
	return nil, errors.Join(errs...)
}

// Close closes every grabber
func (r *Router) Close() error {
	var errs []error
	for _, g := range r.grabbers {
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
