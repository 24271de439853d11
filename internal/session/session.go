// Package session implements the capture session: one consumed grant, one
// primary surface pair that streams frames continuously, and the stop
// sequence shared by caller-driven shutdown and platform revocation.
//
// Every method except Ready, Status, State and Done is confined to the
// session's worker loop and must only be called from a task running on it.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/capture"
	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/encoder"
	"github.com/bryanchriswhite/CaptureBridge/internal/events"
	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/bryanchriswhite/CaptureBridge/internal/metrics"
	"github.com/bryanchriswhite/CaptureBridge/internal/orientation"
	"github.com/bryanchriswhite/CaptureBridge/internal/worker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the session lifecycle state
type State int32

const (
	Starting State = iota
	Active
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrSessionActive is returned by Start on an already started session
	ErrSessionActive = errors.New("capture session already active")
	// ErrSessionClosed is returned by Start once the session has stopped
	ErrSessionClosed = errors.New("capture session stopped")
	// ErrGrantRejected is returned by Start when the grant cannot be used
	ErrGrantRejected = errors.New("authorization grant rejected")
)

const (
	// PrimarySurfaceName names the continuous surface pair
	PrimarySurfaceName = "screencap"
	primaryMaxImages   = 2
	continuousPrefix   = "myscreen_"
)

// Options configures a Session. Loop and Factory are required.
type Options struct {
	Loop    *worker.Loop
	Factory *capture.SurfaceFactory
	Encoder *encoder.Encoder

	// Display feeds the orientation monitor. nil disables rotation tracking.
	Display      display.Source
	PollInterval time.Duration

	OutputDir         string
	Continuous        encoder.Policy
	ContinuousEnabled bool

	Metrics       *metrics.Metrics
	Events        *events.Hub
	OnStateChange func(State)
}

// Status is a point-in-time view of a session, safe to read anywhere
type Status struct {
	ID       string           `json:"id"`
	State    string           `json:"state"`
	Backend  string           `json:"backend"`
	Geometry display.Geometry `json:"geometry"`
	Frames   uint64           `json:"frames"`
	Ready    bool             `json:"ready"`
	Revoked  bool             `json:"revoked"`
	Requests int              `json:"pending_requests"`
}

// Session owns one grant and its primary surface pair
type Session struct {
	id   string
	opts Options
	log  *zerolog.Logger

	state     atomic.Int32
	liveGrant atomic.Pointer[grant.Grant]
	status    atomic.Pointer[Status]
	stopped   chan struct{}
	stopOnce  sync.Once

	// owned by the loop
	grant       *grant.Grant
	geometry    display.Geometry
	pair        *capture.SurfacePair
	generation  uint64
	frames      uint64
	counter     atomic.Uint64
	unsubscribe func()
	monitor     *orientation.Monitor
	requests    map[string]func()
}

// New creates a session in the Starting state
func New(opts Options) *Session {
	if opts.Encoder == nil {
		opts.Encoder = encoder.New()
	}
	s := &Session{
		id:       uuid.NewString(),
		opts:     opts,
		stopped:  make(chan struct{}),
		requests: make(map[string]func()),
	}
	s.log = logger.WithSession("session", s.id)
	if opts.Display != nil {
		s.monitor = orientation.NewMonitor(opts.Display, opts.PollInterval, func(g display.Geometry) {
			opts.Loop.Post(func() { s.OnGeometryChanged(g) })
		})
	}
	s.state.Store(int32(Starting))
	s.publishStatus()
	return s
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Loop returns the worker the session is confined to
func (s *Session) Loop() *worker.Loop { return s.opts.Loop }

// Factory returns the surface factory
func (s *Session) Factory() *capture.SurfaceFactory { return s.opts.Factory }

// Grant returns the consumed grant, nil before Start
func (s *Session) Grant() *grant.Grant { return s.grant }

// Geometry returns the geometry the primary surface was built for
func (s *Session) Geometry() display.Geometry { return s.geometry }

// State returns the lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Ready reports whether the session is Active and its grant is still alive.
// It may be called from any goroutine.
func (s *Session) Ready() bool {
	if s.State() != Active {
		return false
	}
	g := s.liveGrant.Load()
	return g != nil && g.Alive()
}

// Done is closed once the session reaches Stopped
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

// Status returns the latest snapshot. It may be called from any goroutine.
func (s *Session) Status() Status {
	st := *s.status.Load()
	st.Ready = s.Ready()
	if g := s.liveGrant.Load(); g != nil {
		st.Revoked = g.Revoked()
	}
	return st
}

// Start consumes g and builds the primary surface pair at geom
func (s *Session) Start(g *grant.Grant, geom display.Geometry) error {
	switch s.State() {
	case Active:
		return ErrSessionActive
	case Stopping, Stopped:
		return ErrSessionClosed
	}
	if g == nil {
		s.fail()
		return fmt.Errorf("%w: no grant", ErrGrantRejected)
	}
	if err := g.Consume(); err != nil {
		s.fail()
		return fmt.Errorf("%w: %w", ErrGrantRejected, err)
	}

	if err := s.opts.Factory.Backend().Accept(g); err != nil {
		g.Release()
		s.fail()
		return fmt.Errorf("%w: %w", ErrGrantRejected, err)
	}

	s.grant = g
	s.liveGrant.Store(g)
	s.geometry = geom

	if s.opts.ContinuousEnabled {
		if err := s.opts.Encoder.SeedCounter(s.opts.OutputDir, continuousPrefix, &s.counter); err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan output directory, frame names may collide")
		}
	}

	pair, err := s.opts.Factory.Create(PrimarySurfaceName, g, geom, primaryMaxImages)
	if err != nil {
		g.Release()
		s.fail()
		return fmt.Errorf("%w: %w", ErrGrantRejected, err)
	}
	s.attach(pair)

	s.unsubscribe = g.OnRevoke(func() {
		s.opts.Loop.Post(s.OnGrantRevoked)
	})
	if g.Revoked() {
		// revoked before the observer was registered
		s.opts.Loop.Post(s.OnGrantRevoked)
	}

	if s.monitor != nil {
		s.monitor.Enable(geom)
	}

	s.log.Info().
		Str("backend", s.opts.Factory.Backend().Name()).
		Str("geometry", geom.String()).
		Bool("continuous", s.opts.ContinuousEnabled).
		Msg("Capture session started")
	s.setState(Active)
	return nil
}

// fail moves a session that never became Active straight to Stopped
func (s *Session) fail() {
	s.setState(Stopped)
}

// attach makes pair the primary surface and starts listening for its frames
func (s *Session) attach(pair *capture.SurfacePair) {
	s.pair = pair
	s.generation++
	gen := s.generation
	pair.Source.SetListener(func() {
		s.opts.Loop.Post(func() { s.onFrameAvailable(gen) })
	})
	s.publishStatus()
}

// detach stops frame delivery and releases the primary pair. Frames already
// posted for the old pair are dropped by the generation check.
func (s *Session) detach() {
	if s.pair == nil {
		return
	}
	s.pair.Source.SetListener(nil)
	s.generation++
	if err := s.pair.Release(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to release primary surface")
	}
	s.pair = nil
}

// OnGeometryChanged rebuilds the primary surface when the rotation differs
// from the one it was built for
func (s *Session) OnGeometryChanged(geom display.Geometry) {
	if s.State() != Active {
		return
	}
	if geom.Rotation == s.geometry.Rotation {
		return
	}
	if !s.grant.Alive() {
		return
	}

	s.log.Info().
		Str("from", s.geometry.String()).
		Str("to", geom.String()).
		Msg("Rebuilding surface for new geometry")

	s.detach()
	s.geometry = geom

	pair, err := s.opts.Factory.Create(PrimarySurfaceName, s.grant, geom, primaryMaxImages)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to rebuild surface")
		s.publishStatus()
		return
	}
	s.attach(pair)
}

// onFrameAvailable handles one frame of the primary surface. Errors are
// logged and swallowed so a bad frame never stops the stream.
func (s *Session) onFrameAvailable(gen uint64) {
	if gen != s.generation || s.State() != Active || s.pair == nil {
		return
	}
	frame := s.pair.Source.AcquireLatest()
	if frame == nil {
		return
	}
	s.frames++

	if !s.opts.ContinuousEnabled {
		frame.Close()
		s.publishStatus()
		return
	}

	img, err := encoder.DecodeFrame(frame, s.geometry.Width, s.geometry.Height)
	if err != nil {
		s.log.Warn().Err(err).Uint64("frame", s.frames).Msg("Failed to decode frame")
		return
	}

	policy := s.opts.Continuous
	path, err := s.opts.Encoder.Persist(img, s.opts.OutputDir, policy,
		encoder.CounterNamer(continuousPrefix, policy.Extension(), &s.counter))
	if err != nil {
		s.log.Warn().Err(err).Uint64("frame", s.frames).Msg("Failed to persist frame")
		return
	}

	s.opts.Metrics.FramePersisted()
	s.opts.Events.Publish(events.Event{
		Kind:    events.KindContinuous,
		Session: s.id,
		Path:    path,
		Width:   img.Bounds().Dx(),
		Height:  img.Bounds().Dy(),
	})
	s.publishStatus()
}

// OnGrantRevoked stops the session on behalf of the platform. Calling it
// more than once is safe.
func (s *Session) OnGrantRevoked() {
	switch s.State() {
	case Stopping, Stopped:
		return
	}
	s.log.Warn().Msg("Authorization grant revoked")
	s.setState(Stopping)
	s.cleanup()
	s.setState(Stopped)
}

// Stop shuts the session down and releases the grant. Stop after revocation
// or a previous Stop does nothing.
func (s *Session) Stop() {
	switch s.State() {
	case Stopping, Stopped:
		return
	}
	s.setState(Stopping)
	s.cleanup()
	if s.grant != nil {
		s.grant.Release()
	}
	s.log.Info().Uint64("frames", s.frames).Msg("Capture session stopped")
	s.setState(Stopped)
}

func (s *Session) cleanup() {
	s.detach()
	if s.monitor != nil {
		s.monitor.Disable()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}

	aborts := make([]func(), 0, len(s.requests))
	for _, abort := range s.requests {
		aborts = append(aborts, abort)
	}
	for _, abort := range aborts {
		abort()
	}
	clear(s.requests)
}

// Track registers an in-flight request whose abort runs if the session stops
func (s *Session) Track(id string, abort func()) {
	s.requests[id] = abort
	s.publishStatus()
}

// Untrack forgets a finished request
func (s *Session) Untrack(id string) {
	delete(s.requests, id)
	s.publishStatus()
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}

	s.log.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("Session state changed")
	s.opts.Metrics.Transition(st.String())
	s.publishStatus()
	s.opts.Events.Publish(events.Event{
		Kind:    events.KindState,
		Session: s.id,
		State:   st.String(),
	})
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
	if st == Stopped {
		s.stopOnce.Do(func() { close(s.stopped) })
	}
}

func (s *Session) publishStatus() {
	backend := ""
	if s.opts.Factory != nil {
		backend = s.opts.Factory.Backend().Name()
	}
	s.status.Store(&Status{
		ID:       s.id,
		State:    s.State().String(),
		Backend:  backend,
		Geometry: s.geometry,
		Frames:   s.frames,
		Requests: len(s.requests),
	})
}
