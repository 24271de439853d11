package bridge

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
	"github.com/bryanchriswhite/CaptureBridge/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id    int
	data  grant.Data
	ready atomic.Bool
	state atomic.Value // session.Status
	log   *eventLog

	requests atomic.Int32
	stopOnce sync.Once
	done     chan struct{}
}

func (c *fakeConn) Ready() bool { return c.ready.Load() }

func (c *fakeConn) Status() session.Status {
	if st, ok := c.state.Load().(session.Status); ok {
		return st
	}
	return session.Status{State: session.Active.String()}
}

func (c *fakeConn) RequestScreenshot(cb func(*image.RGBA)) {
	c.requests.Add(1)
	cb(image.NewRGBA(image.Rect(0, 0, 4, 4)))
}

func (c *fakeConn) Save(img *image.RGBA) (string, error) {
	return fmt.Sprintf("/shots/conn%d.jpg", c.id), nil
}

func (c *fakeConn) Stop() {
	c.stopOnce.Do(func() {
		c.log.add(fmt.Sprintf("stop %d", c.id))
		go func() {
			time.Sleep(10 * time.Millisecond)
			c.log.add(fmt.Sprintf("done %d", c.id))
			close(c.done)
		}()
	})
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type launcher struct {
	log   eventLog
	mu    sync.Mutex
	conns []*fakeConn
	gate  chan struct{}
	err   error
}

func (l *launcher) launch(data grant.Data) (Connection, error) {
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	c := &fakeConn{id: len(l.conns) + 1, data: data, log: &l.log, done: make(chan struct{})}
	c.ready.Store(true)
	l.conns = append(l.conns, c)
	l.mu.Unlock()
	l.log.add(fmt.Sprintf("launch %d", c.id))
	return c, nil
}

func (l *launcher) conn(i int) *fakeConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[i]
}

func (l *launcher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func newBridge(policy Policy) (*Bridge, *launcher) {
	l := &launcher{}
	return New(Options{Launch: l.launch, Policy: policy}), l
}

func take(b *Bridge) *image.RGBA {
	var got *image.RGBA
	b.TakeScreenshot(func(img *image.RGBA) { got = img })
	return got
}

func waitConnected(t *testing.T, b *Bridge, l *launcher, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.Connected() && l.launched() == n
	}, 2*time.Second, 2*time.Millisecond)
}

func x11Data() *grant.Data {
	return &grant.Data{Source: grant.SourceX11, Token: "t"}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicySingleUse, p)

	p, err = ParsePolicy(" Reusable ")
	require.NoError(t, err)
	assert.Equal(t, PolicyReusable, p)

	_, err = ParsePolicy("forever")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestRejectedAuthorization(t *testing.T) {
	b, l := newBridge(PolicySingleUse)

	assert.False(t, b.OnAuthorizationResult(false, x11Data()))
	assert.False(t, b.OnAuthorizationResult(true, nil))

	assert.Nil(t, take(b))
	assert.Zero(t, l.launched())
}

func TestScreenshotBeforeConnectFailsFast(t *testing.T) {
	b, l := newBridge(PolicySingleUse)
	l.gate = make(chan struct{})

	require.True(t, b.OnAuthorizationResult(true, x11Data()))
	assert.Nil(t, take(b))

	close(l.gate)
	waitConnected(t, b, l, 1)
	assert.NotNil(t, take(b))
	assert.Equal(t, int32(1), l.conn(0).requests.Load())
}

func TestSingleUseChecksReady(t *testing.T) {
	b, l := newBridge(PolicySingleUse)
	require.True(t, b.OnAuthorizationResult(true, x11Data()))
	waitConnected(t, b, l, 1)

	l.conn(0).ready.Store(false)
	assert.Nil(t, take(b))
	assert.Zero(t, l.conn(0).requests.Load())
	assert.Equal(t, 1, l.launched(), "single-use never relaunches")
}

func TestReauthorizationReplacesSession(t *testing.T) {
	b, l := newBridge(PolicySingleUse)
	require.True(t, b.OnAuthorizationResult(true, x11Data()))
	waitConnected(t, b, l, 1)

	require.True(t, b.OnAuthorizationResult(true, &grant.Data{Source: grant.SourceScreen}))
	waitConnected(t, b, l, 2)

	assert.Equal(t, []string{"launch 1", "stop 1", "done 1", "launch 2"}, l.log.all())
	assert.Equal(t, grant.SourceScreen, l.conn(1).data.Source)
}

func TestRapidReauthorizationLaunchesOnlyLatest(t *testing.T) {
	b, l := newBridge(PolicySingleUse)
	l.gate = make(chan struct{})

	require.True(t, b.OnAuthorizationResult(true, x11Data()))
	require.True(t, b.OnAuthorizationResult(true, &grant.Data{Source: grant.SourceScreen}))
	close(l.gate)

	require.Eventually(t, b.Connected, 2*time.Second, 2*time.Millisecond)
	conns := l.launched()
	last := l.conn(conns - 1)
	assert.Equal(t, grant.SourceScreen, last.data.Source)

	// a superseded launch, if it happened at all, was stopped
	for i := 0; i < conns-1; i++ {
		select {
		case <-l.conn(i).Done():
		case <-time.After(time.Second):
			t.Fatalf("superseded connection %d still running", i+1)
		}
	}
}

func TestReusableRelaunchesStoppedSession(t *testing.T) {
	b, l := newBridge(PolicyReusable)
	require.True(t, b.OnAuthorizationResult(true, x11Data()))
	waitConnected(t, b, l, 1)

	first := l.conn(0)
	first.ready.Store(false)
	first.state.Store(session.Status{State: session.Stopped.String()})

	assert.Nil(t, take(b), "the triggering call completes empty")
	waitConnected(t, b, l, 2)
	assert.Equal(t, *x11Data(), l.conn(1).data)
	assert.NotNil(t, take(b))
}

func TestReusableDoesNotRelaunchRevoked(t *testing.T) {
	b, l := newBridge(PolicyReusable)
	require.True(t, b.OnAuthorizationResult(true, x11Data()))
	waitConnected(t, b, l, 1)

	first := l.conn(0)
	first.ready.Store(false)
	first.state.Store(session.Status{State: session.Stopped.String(), Revoked: true})

	var got *image.RGBA
	b.TakeScreenshot(func(img *image.RGBA) { got = img })
	// delegated; the fake answers anyway, a real service would complete empty
	assert.NotNil(t, got)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, l.launched())
}

func TestLaunchFailureLeavesBridgeDisconnected(t *testing.T) {
	b, l := newBridge(PolicySingleUse)
	l.err = errors.New("no backend")

	require.True(t, b.OnAuthorizationResult(true, x11Data()))
	require.NoError(t, b.Shutdown(context.Background()))
	assert.False(t, b.Connected())
	assert.Nil(t, take(b))
}

func TestSaveToFile(t *testing.T) {
	b, l := newBridge(PolicySingleUse)
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))

	path, err := b.SaveToFile(img)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, path)

	require.True(t, b.OnAuthorizationResult(true, x11Data()))
	waitConnected(t, b, l, 1)

	path, err = b.SaveToFile(img)
	require.NoError(t, err)
	assert.Equal(t, "/shots/conn1.jpg", path)

	path, err = b.SaveToFile(nil)
	assert.Error(t, err)
	assert.Empty(t, path)
}

func TestReleaseRequiresReauthorization(t *testing.T) {
	b, l := newBridge(PolicyReusable)
	require.True(t, b.OnAuthorizationResult(true, x11Data()))
	waitConnected(t, b, l, 1)

	b.Release()
	assert.False(t, b.Connected())
	assert.Nil(t, take(b))
	_, ok := b.Status()
	assert.False(t, ok)

	select {
	case <-l.conn(0).Done():
	case <-time.After(time.Second):
		t.Fatal("released connection was not stopped")
	}
	assert.Equal(t, 1, l.launched())
}

func TestShutdownWaitsForService(t *testing.T) {
	b, l := newBridge(PolicySingleUse)
	require.True(t, b.OnAuthorizationResult(true, x11Data()))
	waitConnected(t, b, l, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	select {
	case <-l.conn(0).Done():
	default:
		t.Fatal("Shutdown returned before the service finished")
	}
}

func TestRequestAuthorization(t *testing.T) {
	l := &launcher{}
	b := New(Options{Launch: l.launch, Authorizer: grant.AutoApprove{Source: grant.SourceX11}})

	result := make(chan bool, 1)
	b.RequestAuthorization(context.Background(), func(ok bool) { result <- ok })
	require.True(t, <-result)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitReady(ctx))
	assert.Equal(t, grant.SourceX11, l.conn(0).data.Source)

	st, ok := b.Status()
	require.True(t, ok)
	assert.Equal(t, session.Active.String(), st.State)
}

func TestRequestAuthorizationDeclined(t *testing.T) {
	l := &launcher{}
	b := New(Options{Launch: l.launch, Authorizer: grant.AutoApprove{Deny: true}})

	result := make(chan bool, 1)
	b.RequestAuthorization(context.Background(), func(ok bool) { result <- ok })
	assert.False(t, <-result)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.WaitReady(ctx), context.DeadlineExceeded)
	assert.Zero(t, l.launched())
}

func TestRequestAuthorizationWithoutAuthorizer(t *testing.T) {
	b, _ := newBridge(PolicySingleUse)
	result := make(chan bool, 1)
	b.RequestAuthorization(context.Background(), func(ok bool) { result <- ok })
	assert.False(t, <-result)
}
