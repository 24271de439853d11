package session

import (
	"fmt"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/capture"
	"github.com/bryanchriswhite/CaptureBridge/internal/capture/capturetest"
	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/encoder"
	"github.com/bryanchriswhite/CaptureBridge/internal/events"
	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
	"github.com/bryanchriswhite/CaptureBridge/internal/worker"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	portrait  = display.Geometry{Width: 30, Height: 50, DensityDPI: 160, Rotation: display.Rotation0}
	landscape = display.Geometry{Width: 50, Height: 30, DensityDPI: 160, Rotation: display.Rotation90}
	gray      = color.RGBA{R: 90, G: 90, B: 90, A: 255}
)

// onLoop runs fn on l and waits for it
func onLoop(t *testing.T, l *worker.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, l.Post(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop task did not run")
	}
}

type fixture struct {
	loop    *worker.Loop
	backend *capturetest.FakeBackend
	fs      afero.Fs
	hub     *events.Hub
	session *Session

	mu     sync.Mutex
	states []State
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		loop:    worker.New("session-test"),
		backend: capturetest.New(),
		fs:      afero.NewMemMapFs(),
		hub:     events.NewHub(),
	}
	t.Cleanup(f.loop.Close)

	opts := Options{
		Loop:              f.loop,
		Factory:           capture.NewSurfaceFactory(f.backend, 64),
		Encoder:           encoder.NewWithFs(f.fs),
		OutputDir:         "/captures",
		Continuous:        encoder.Policy{Format: encoder.FormatPNG, Quality: 100},
		ContinuousEnabled: true,
		Events:            f.hub,
		OnStateChange: func(st State) {
			f.mu.Lock()
			f.states = append(f.states, st)
			f.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.session = New(opts)
	return f
}

func (f *fixture) start(t *testing.T, g *grant.Grant, geom display.Geometry) {
	t.Helper()
	var err error
	onLoop(t, f.loop, func() { err = f.session.Start(g, geom) })
	require.NoError(t, err)
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	onLoop(t, f.loop, func() {})
}

func (f *fixture) transitions() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.states...)
}

func x11Grant() *grant.Grant {
	return grant.New(grant.Data{Source: grant.SourceX11})
}

func TestStartBuildsPrimarySurface(t *testing.T) {
	f := newFixture(t, nil)
	g := x11Grant()

	f.start(t, g, portrait)

	assert.Equal(t, Active, f.session.State())
	assert.True(t, f.session.Ready())
	assert.Equal(t, []*grant.Grant{g}, f.backend.Accepted())
	require.Len(t, f.backend.Displays(PrimarySurfaceName), 1)
	assert.Equal(t, portrait, f.backend.Displays(PrimarySurfaceName)[0].Geometry())
	assert.Equal(t, []State{Active}, f.transitions())

	var err error
	onLoop(t, f.loop, func() { err = f.session.Start(x11Grant(), portrait) })
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestGrantIsSingleUse(t *testing.T) {
	first := newFixture(t, nil)
	g := x11Grant()
	first.start(t, g, portrait)

	second := newFixture(t, nil)
	var err error
	onLoop(t, second.loop, func() { err = second.session.Start(g, portrait) })
	assert.ErrorIs(t, err, ErrGrantRejected)
	assert.Equal(t, Stopped, second.session.State())
	assert.Empty(t, second.backend.Events())
	assert.True(t, g.Alive(), "failed start must not release a grant it did not consume")
}

func TestStartWithRevokedGrant(t *testing.T) {
	f := newFixture(t, nil)
	g := x11Grant()
	g.Revoke()

	var err error
	onLoop(t, f.loop, func() { err = f.session.Start(g, portrait) })
	assert.ErrorIs(t, err, ErrGrantRejected)
	assert.Equal(t, Stopped, f.session.State())
	assert.Zero(t, f.backend.Live())

	onLoop(t, f.loop, func() { err = f.session.Start(x11Grant(), portrait) })
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestBackendRejectionReleasesGrant(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.AcceptErr = capture.ErrGrantSource
	g := x11Grant()

	var err error
	onLoop(t, f.loop, func() { err = f.session.Start(g, portrait) })
	assert.ErrorIs(t, err, ErrGrantRejected)
	assert.False(t, g.Alive())
	assert.Zero(t, f.backend.Live())
}

func TestContinuousFramesArePersisted(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.AutoEmit = &gray
	sub := f.hub.Subscribe()

	f.start(t, x11Grant(), portrait)
	f.drain(t)

	exists, err := afero.Exists(f.fs, "/captures/myscreen_0.png")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, uint64(1), f.session.Status().Frames)

	require.NoError(t, f.backend.Emit(PrimarySurfaceName, capturetest.Solid(30, 50, gray)))
	f.drain(t)
	exists, err = afero.Exists(f.fs, "/captures/myscreen_1.png")
	require.NoError(t, err)
	assert.True(t, exists)

	var captured []events.Event
	for len(sub) > 0 {
		if e := <-sub; e.Kind == events.KindContinuous {
			captured = append(captured, e)
		}
	}
	require.Len(t, captured, 2)
	assert.Equal(t, 30, captured[0].Width)
	assert.Equal(t, 50, captured[0].Height)
}

func TestContinuousNamesContinueAfterExistingFiles(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("/captures/myscreen_%d.png", i)
		require.NoError(t, afero.WriteFile(f.fs, name, []byte("old"), 0644))
	}
	f.backend.AutoEmit = &gray

	f.start(t, x11Grant(), portrait)
	f.drain(t)
	require.NoError(t, f.backend.Emit(PrimarySurfaceName, capturetest.Solid(30, 50, gray)))
	f.drain(t)

	for _, name := range []string{"/captures/myscreen_40.png", "/captures/myscreen_41.png"} {
		exists, err := afero.Exists(f.fs, name)
		require.NoError(t, err)
		assert.True(t, exists, name)
	}
	old, err := afero.ReadFile(f.fs, "/captures/myscreen_0.png")
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestDisabledContinuousOnlyDrains(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ContinuousEnabled = false })
	f.backend.AutoEmit = &gray

	f.start(t, x11Grant(), portrait)
	f.drain(t)

	entries, _ := afero.ReadDir(f.fs, "/captures")
	assert.Empty(t, entries)
	assert.Equal(t, uint64(1), f.session.Status().Frames)
}

func TestGeometryChangeRebuildsSurface(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t, x11Grant(), portrait)

	onLoop(t, f.loop, func() { f.session.OnGeometryChanged(portrait) })
	assert.Len(t, f.backend.Displays(PrimarySurfaceName), 1, "same rotation must not rebuild")

	onLoop(t, f.loop, func() { f.session.OnGeometryChanged(landscape) })

	displays := f.backend.Displays(PrimarySurfaceName)
	require.Len(t, displays, 2)
	assert.True(t, displays[0].Released())
	assert.False(t, displays[1].Released())
	assert.Equal(t, landscape, displays[1].Geometry())
	assert.Equal(t, landscape, f.session.Status().Geometry)

	assert.Equal(t, []capturetest.Event{
		{Kind: "create", Name: PrimarySurfaceName},
		{Kind: "release", Name: PrimarySurfaceName},
		{Kind: "create", Name: PrimarySurfaceName},
	}, f.backend.Events())
}

func TestStaleFrameAfterRebuildIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t, x11Grant(), portrait)
	old := f.backend.Latest(PrimarySurfaceName)

	// Hold the loop so the rebuild is queued ahead of the old frame's task
	release := make(chan struct{})
	require.True(t, f.loop.Post(func() { <-release }))
	require.True(t, f.loop.Post(func() { f.session.OnGeometryChanged(landscape) }))
	require.NoError(t, old.Emit(capturetest.Solid(30, 50, gray)))
	close(release)
	f.drain(t)

	entries, _ := afero.ReadDir(f.fs, "/captures")
	assert.Empty(t, entries, "frame from the old surface was persisted")
	assert.Zero(t, f.session.Status().Frames)

	require.NoError(t, f.backend.Emit(PrimarySurfaceName, capturetest.Solid(50, 30, gray)))
	f.drain(t)
	assert.Equal(t, uint64(1), f.session.Status().Frames)
}

func TestRevocationStopsOnce(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Display = display.Static{G: portrait}
		o.PollInterval = time.Millisecond
	})
	g := x11Grant()
	f.start(t, g, portrait)
	require.True(t, f.session.monitor.Enabled())

	aborted := 0
	onLoop(t, f.loop, func() { f.session.Track("req-1", func() { aborted++ }) })

	g.Revoke()
	g.Revoke()

	select {
	case <-f.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after revocation")
	}
	f.drain(t)

	onLoop(t, f.loop, func() {
		f.session.OnGrantRevoked()
		f.session.Stop()
	})

	assert.Equal(t, []State{Active, Stopping, Stopped}, f.transitions())
	assert.False(t, f.session.monitor.Enabled())
	assert.False(t, f.session.Ready())
	assert.True(t, f.session.Status().Revoked)
	assert.Equal(t, 1, aborted)
	assert.Zero(t, f.backend.Live())
	assert.Error(t, f.backend.Emit(PrimarySurfaceName, capturetest.Solid(30, 50, gray)))
}

func TestStopReleasesGrant(t *testing.T) {
	f := newFixture(t, nil)
	g := x11Grant()
	f.start(t, g, portrait)

	onLoop(t, f.loop, f.session.Stop)
	onLoop(t, f.loop, f.session.Stop)

	assert.Equal(t, Stopped, f.session.State())
	assert.False(t, g.Alive())
	assert.False(t, g.Revoked())
	assert.Equal(t, []State{Active, Stopping, Stopped}, f.transitions())
	assert.Zero(t, f.backend.Live())

	select {
	case <-f.session.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestStopBeforeStart(t *testing.T) {
	f := newFixture(t, nil)
	onLoop(t, f.loop, f.session.Stop)
	assert.Equal(t, Stopped, f.session.State())
	assert.Equal(t, []State{Stopping, Stopped}, f.transitions())
}
