// Package request implements single-shot screenshot requests against a live
// capture session.
package request

import (
	"image"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/capture"
	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/encoder"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/bryanchriswhite/CaptureBridge/internal/metrics"
	"github.com/bryanchriswhite/CaptureBridge/internal/session"
	"github.com/bryanchriswhite/CaptureBridge/internal/worker"
	"github.com/google/uuid"
)

// DefaultTimeout bounds how long a request waits for its frame
const DefaultTimeout = 3000 * time.Millisecond

// SurfaceName names the ephemeral surface pair of a request
const SurfaceName = "ScreenshotCapture"

// Callback receives the captured image, or nil for any failure
type Callback func(img *image.RGBA)

// Request is one in-flight screenshot. It completes exactly once, by frame,
// timeout, or session abort, and its surface pair is released exactly once.
type Request struct {
	ID       string
	Deadline time.Time

	session  *session.Session
	geometry display.Geometry
	pair     *capture.SurfacePair
	timer    *worker.Timer
	cb       Callback
	metrics  *metrics.Metrics

	done atomic.Bool
}

// Done reports whether the request has completed
func (r *Request) Done() bool {
	return r.done.Load()
}

// Controller issues requests
type Controller struct {
	metrics *metrics.Metrics
}

// NewController returns a controller recording outcomes in m (may be nil)
func NewController(m *metrics.Metrics) *Controller {
	return &Controller{metrics: m}
}

// RequestOnce captures one frame of s's display and passes it to cb. It must
// run on the session's loop; cb is invoked on that loop.
//
// If s is not ready, cb gets nil immediately and no surface is created. A
// timeout <= 0 has already expired, so the request completes empty within
// this call. The returned Request is nil when no capture was attempted.
func (c *Controller) RequestOnce(s *session.Session, timeout time.Duration, cb Callback) *Request {
	log := logger.WithComponent("request")

	if s == nil || !s.Ready() {
		log.Debug().Msg("No active session, completing empty")
		c.metrics.Request(metrics.OutcomeUnavailable)
		cb(nil)
		return nil
	}

	geom := s.Geometry()
	g := s.Grant()
	if !g.Alive() {
		c.metrics.Request(metrics.OutcomeUnavailable)
		cb(nil)
		return nil
	}

	pair, err := s.Factory().Create(SurfaceName, g, geom, 1)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create capture surface")
		c.metrics.Request(metrics.OutcomeUnavailable)
		cb(nil)
		return nil
	}

	r := &Request{
		ID:       uuid.NewString(),
		Deadline: time.Now().Add(timeout),
		session:  s,
		geometry: geom,
		pair:     pair,
		cb:       cb,
		metrics:  c.metrics,
	}
	log.Debug().
		Str("request_id", r.ID).
		Str("geometry", geom.String()).
		Dur("timeout", timeout).
		Msg("Screenshot requested")

	s.Track(r.ID, func() { r.complete(nil, metrics.OutcomeAborted) })

	loop := s.Loop()
	pair.Source.SetListener(func() {
		loop.Post(r.onFrame)
	})

	if timeout <= 0 {
		r.complete(nil, metrics.OutcomeTimeout)
		return r
	}
	r.timer = loop.AfterFunc(timeout, func() { r.complete(nil, metrics.OutcomeTimeout) })
	return r
}

// onFrame is the frame-arrival edge. Frames after completion are ignored.
func (r *Request) onFrame() {
	if r.done.Load() {
		return
	}
	frame := r.pair.Source.AcquireLatest()
	if frame == nil {
		return
	}

	img, err := encoder.DecodeFrame(frame, r.geometry.Width, r.geometry.Height)
	if err != nil {
		logger.WithComponent("request").Warn().Err(err).Str("request_id", r.ID).Msg("Failed to decode frame")
		r.complete(nil, metrics.OutcomeEncodeError)
		return
	}
	r.complete(img, metrics.OutcomeImage)
}

// complete claims the request. Only the first caller releases the surface
// and invokes the callback; it reports whether it won.
func (r *Request) complete(img *image.RGBA, outcome string) bool {
	if !r.done.CompareAndSwap(false, true) {
		return false
	}
	r.timer.Stop()
	r.pair.Source.SetListener(nil)
	if err := r.pair.Release(); err != nil {
		logger.WithComponent("request").Warn().Err(err).Str("request_id", r.ID).Msg("Failed to release capture surface")
	}
	r.session.Untrack(r.ID)

	r.metrics.Request(outcome)
	logger.WithComponent("request").Debug().
		Str("request_id", r.ID).
		Str("outcome", outcome).
		Msg("Screenshot request completed")

	r.cb(img)
	return true
}
