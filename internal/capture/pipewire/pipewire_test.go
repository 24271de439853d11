package pipewire

import (
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/capture"
	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
	"github.com/godbus/dbus/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreams(t *testing.T) {
	props := map[string]dbus.Variant{
		"size":        dbus.MakeVariant([]any{int32(2560), int32(1440)}),
		"source_type": dbus.MakeVariant(uint32(SourceTypeMonitor)),
	}

	streams := ParseStreams([][]any{{uint32(42), props}})
	require.Len(t, streams, 1)
	assert.Equal(t, Stream{NodeID: 42, Width: 2560, Height: 1440}, streams[0])

	streams = ParseStreams([]any{[]any{uint32(7)}})
	require.Len(t, streams, 1)
	assert.Equal(t, uint32(7), streams[0].NodeID)
	assert.Zero(t, streams[0].Width)

	assert.Empty(t, ParseStreams(nil))
	assert.Empty(t, ParseStreams("bogus"))
}

func TestParseCapsDimensions(t *testing.T) {
	out := "Setting pipeline to PAUSED ...\n" +
		"/GstPipeline:pipeline0/GstPipeWireSrc:pipewiresrc0.GstPad:src: caps = video/x-raw, format=(string)BGRx, width=(int)2560, height=(int)1440\n"

	w, h, ok := parseCapsDimensions(out)
	require.True(t, ok)
	assert.Equal(t, 2560, w)
	assert.Equal(t, 1440, h)

	_, _, ok = parseCapsDimensions("ERROR: no such node")
	assert.False(t, ok)

	assert.Equal(t, 640, extractIntFromCaps("video/x-raw,width=640", "width"))
}

func TestCropFrame(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 10, 10))
	frame.SetRGBA(5, 5, color.RGBA{R: 9, A: 255})

	out, err := cropFrame(frame, image.Rect(5, 5, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 3), out.Bounds())
	assert.Equal(t, uint8(9), out.RGBAAt(0, 0).R)

	_, err = cropFrame(frame, image.Rect(20, 20, 30, 30))
	assert.Error(t, err)
}

func TestRestoreTokenPersistence(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/cfg/capturebridge/portal_token"

	assert.Empty(t, loadRestoreToken(fs, path))
	require.NoError(t, saveRestoreToken(fs, path, "abc123"))
	assert.Equal(t, "abc123", loadRestoreToken(fs, path))
}

type fakeWatcher struct {
	mu      sync.Mutex
	closers map[string]func()
	closed  []string
	stopped int
}

func (w *fakeWatcher) WatchClosed(session string, fn func()) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closers == nil {
		w.closers = map[string]func(){}
	}
	w.closers[session] = fn
	return func() {
		w.mu.Lock()
		w.stopped++
		w.mu.Unlock()
	}
}

func (w *fakeWatcher) CloseSession(session string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = append(w.closed, session)
	return nil
}

func (w *fakeWatcher) fire(session string) {
	w.mu.Lock()
	fn := w.closers[session]
	w.mu.Unlock()
	fn()
}

func (w *fakeWatcher) closedSessions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.closed...)
}

type fakeStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) Name() string { return "fake-stream" }

func (s *fakeStream) Grab(rect image.Rectangle) (*image.RGBA, error) {
	return image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy())), nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func portalGrant() *grant.Grant {
	return grant.New(grant.Data{
		Source:  grant.SourcePortal,
		Session: "/org/freedesktop/portal/desktop/session/1_1/cb",
		NodeID:  42,
		Width:   64,
		Height:  32,
	})
}

func TestBackendRejectsForeignGrants(t *testing.T) {
	b := NewBackend(&fakeWatcher{}, nil, time.Millisecond)

	err := b.Accept(grant.New(grant.Data{Source: grant.SourceX11}))
	assert.ErrorIs(t, err, capture.ErrGrantSource)

	err = b.Accept(grant.New(grant.Data{Source: grant.SourcePortal}))
	assert.ErrorIs(t, err, capture.ErrGrantSource)
}

func TestSessionClosedRevokesGrant(t *testing.T) {
	watcher := &fakeWatcher{}
	stream := &fakeStream{}
	opens := 0
	b := NewBackend(watcher, func(node uint32, w, h int) (capture.Grabber, error) {
		opens++
		assert.Equal(t, uint32(42), node)
		assert.Equal(t, 64, w)
		return stream, nil
	}, time.Millisecond)

	g := portalGrant()
	revoked := make(chan struct{})
	g.OnRevoke(func() { close(revoked) })
	require.NoError(t, b.Accept(g))

	geom := display.Geometry{Width: 64, Height: 32, DensityDPI: 160}
	vd1, err := b.CreateVirtualDisplay("screencap", geom, g, capture.NewImageReader(64, 32, 1, 64))
	require.NoError(t, err)
	vd2, err := b.CreateVirtualDisplay("ScreenshotCapture", geom, g, capture.NewImageReader(64, 32, 1, 64))
	require.NoError(t, err)
	assert.Equal(t, 1, opens, "surfaces under one grant share a stream")
	assert.Equal(t, 1, b.Streams())

	watcher.fire(g.Data().Session)

	select {
	case <-revoked:
	case <-time.After(time.Second):
		t.Fatal("grant not revoked after session closed")
	}

	require.NoError(t, vd1.Release())
	require.NoError(t, vd2.Release())

	require.Eventually(t, stream.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{g.Data().Session}, watcher.closedSessions())
	assert.Zero(t, b.Streams())
}

func TestCreateFailsForDeadGrant(t *testing.T) {
	b := NewBackend(&fakeWatcher{}, func(uint32, int, int) (capture.Grabber, error) {
		return nil, errors.New("should not open")
	}, time.Millisecond)

	g := portalGrant()
	g.Release()

	_, err := b.CreateVirtualDisplay("screencap", display.Geometry{Width: 4, Height: 4}, g, capture.NewImageReader(4, 4, 1, 64))
	assert.ErrorIs(t, err, capture.ErrGrantNotAlive)
}
