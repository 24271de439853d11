// Package bridge is the caller-facing entry point: it turns an authorization
// result into a running capture service and forwards screenshot calls to it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/bryanchriswhite/CaptureBridge/internal/session"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned when no capture service is connected
	ErrNotConnected = errors.New("no capture session connected")
	// ErrNoAuthorizer is reported when RequestAuthorization has nothing to run
	ErrNoAuthorizer = errors.New("no authorizer configured")
	// ErrUnknownPolicy is returned by ParsePolicy
	ErrUnknownPolicy = errors.New("unknown grant policy")
)

// Policy decides what happens when a connected session is no longer usable
type Policy string

const (
	// PolicySingleUse fails fast once the session is not ready; only a new
	// authorization brings capture back
	PolicySingleUse Policy = "single-use"
	// PolicyReusable restarts a session that stopped without revocation from
	// the retained grant data
	PolicyReusable Policy = "reusable"
)

// ParsePolicy validates a configured policy name. Empty selects single-use.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicySingleUse:
		return PolicySingleUse, nil
	case PolicyReusable:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Connection is a running capture service
type Connection interface {
	Ready() bool
	Status() session.Status
	RequestScreenshot(cb func(*image.RGBA))
	Save(img *image.RGBA) (string, error)
	Stop()
	Done() <-chan struct{}
}

// LaunchFunc starts a capture service for grant data
type LaunchFunc func(data grant.Data) (Connection, error)

// Options configures a Bridge. Launch is required.
type Options struct {
	Launch     LaunchFunc
	Authorizer grant.Authorizer
	Policy     Policy
}

// Bridge owns at most one connection at a time. It is safe for concurrent
// use.
type Bridge struct {
	opts Options
	log  *zerolog.Logger

	mu         sync.Mutex
	conn       Connection
	data       *grant.Data
	epoch      uint64
	connecting chan struct{}
}

// New returns a disconnected bridge
func New(opts Options) *Bridge {
	if opts.Policy == "" {
		opts.Policy = PolicySingleUse
	}
	return &Bridge{
		opts: opts,
		log:  logger.WithComponent("bridge"),
	}
}

// RequestAuthorization runs the authorizer in the background and feeds its
// result to OnAuthorizationResult. done, if set, receives that result.
func (b *Bridge) RequestAuthorization(ctx context.Context, done func(bool)) {
	go func() {
		ok := false
		if b.opts.Authorizer == nil {
			b.log.Error().Err(ErrNoAuthorizer).Msg("Cannot request authorization")
		} else {
			granted, data, err := b.opts.Authorizer.Authorize(ctx)
			if err != nil {
				b.log.Warn().Err(err).Msg("Authorization failed")
				granted = false
			}
			ok = b.OnAuthorizationResult(granted, data)
		}
		if done != nil {
			done(ok)
		}
	}()
}

// OnAuthorizationResult accepts a granted authorization. It stops any
// previous service and connects a new one asynchronously; until that
// completes TakeScreenshot fails fast. It returns false when the result is
// not a usable grant.
func (b *Bridge) OnAuthorizationResult(granted bool, data *grant.Data) bool {
	if !granted || data == nil {
		b.log.Info().Bool("granted", granted).Msg("Authorization rejected")
		return false
	}

	retained := *data
	b.mu.Lock()
	b.epoch++
	epoch := b.epoch
	old := b.conn
	b.conn = nil
	b.data = &retained
	prev := b.connecting
	finished := make(chan struct{})
	b.connecting = finished
	b.mu.Unlock()

	b.log.Info().Str("source", retained.Source).Msg("Authorization granted, connecting")
	go b.connect(epoch, retained, old, prev, finished)
	return true
}

// connect waits for the previous attempt and the previous service to finish
// before launching, so two services never run at once
func (b *Bridge) connect(epoch uint64, data grant.Data, old Connection, prev, finished chan struct{}) {
	defer close(finished)

	if prev != nil {
		<-prev
	}
	if old != nil {
		old.Stop()
		<-old.Done()
	}

	b.mu.Lock()
	stale := b.epoch != epoch
	b.mu.Unlock()
	if stale {
		return
	}

	conn, err := b.opts.Launch(data)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to launch capture service")
		return
	}

	b.mu.Lock()
	if b.epoch != epoch {
		b.mu.Unlock()
		conn.Stop()
		<-conn.Done()
		return
	}
	b.conn = conn
	b.mu.Unlock()
	b.log.Debug().Msg("Capture service connected")
}

// TakeScreenshot captures one frame. cb gets nil whenever no image can be
// produced: not connected yet, session not ready, timeout or revocation.
// A nil image is a normal outcome; re-authorizing is the remedy.
func (b *Bridge) TakeScreenshot(cb func(*image.RGBA)) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		b.log.Debug().Msg("Screenshot requested while disconnected")
		cb(nil)
		return
	}

	switch b.opts.Policy {
	case PolicyReusable:
		st := conn.Status()
		if st.State == session.Stopped.String() && !st.Revoked {
			b.relaunch(conn)
			cb(nil)
			return
		}
		conn.RequestScreenshot(cb)
	default:
		if !conn.Ready() {
			cb(nil)
			return
		}
		conn.RequestScreenshot(cb)
	}
}

// relaunch restarts a service from the retained grant data, unless another
// authorization replaced stale in the meantime
func (b *Bridge) relaunch(stale Connection) {
	b.mu.Lock()
	if b.conn != stale || b.data == nil {
		b.mu.Unlock()
		return
	}
	data := *b.data
	b.mu.Unlock()

	b.log.Info().Msg("Session stopped, relaunching with retained grant")
	b.OnAuthorizationResult(true, &data)
}

// SaveToFile persists img through the connected service and returns its
// path. The path is empty whenever err is set.
func (b *Bridge) SaveToFile(img *image.RGBA) (string, error) {
	if img == nil {
		return "", errors.New("no image to save")
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return "", ErrNotConnected
	}

	path, err := conn.Save(img)
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to save screenshot")
		return "", err
	}
	return path, nil
}

// Release stops the service and forgets the grant. It does not wait.
func (b *Bridge) Release() {
	b.mu.Lock()
	b.epoch++
	conn := b.conn
	b.conn = nil
	b.data = nil
	b.mu.Unlock()

	if conn != nil {
		conn.Stop()
	}
	b.log.Info().Msg("Capture bridge released")
}

// Shutdown releases the bridge and waits for the service to finish
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	pending := b.connecting
	b.mu.Unlock()

	b.Release()

	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if conn != nil {
		select {
		case <-conn.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Connected reports whether a service is connected, ready or not
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Status returns the connected session's status
func (b *Bridge) Status() (session.Status, bool) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return session.Status{}, false
	}
	return conn.Status(), true
}

// WaitReady blocks until a connected session is ready or ctx ends
func (b *Bridge) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn != nil && conn.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("capture session not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
