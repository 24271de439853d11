// Package grant models the revocable screen capture authorization handed out
// by the platform (portal session, X11 consent, ...).
package grant

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	// ErrRevoked is returned when a grant has been revoked or released.
	ErrRevoked = errors.New("authorization grant is no longer valid")
	// ErrConsumed is returned when a grant is used to start a second session.
	ErrConsumed = errors.New("authorization grant already used to start a session")
)

// Source names for Data.Source
const (
	SourceX11    = "x11"
	SourceScreen = "screen"
	SourcePortal = "portal"
)

// Data is the opaque payload produced by an authorization flow.
type Data struct {
	Source       string `json:"source"`
	Token        string `json:"token,omitempty"`
	Session      string `json:"session,omitempty"`
	NodeID       uint32 `json:"node_id,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	RestoreToken string `json:"-"`
}

// Grant is one live authorization. It is safe for concurrent use.
type Grant struct {
	id   string
	data Data

	alive    atomic.Bool
	consumed atomic.Bool
	revoked  atomic.Bool

	mu        sync.Mutex
	observers map[int]func()
	nextID    int
	done      chan struct{}
	doneOnce  sync.Once
}

// New wraps data in a live, unconsumed grant.
func New(data Data) *Grant {
	g := &Grant{
		id:        uuid.NewString(),
		data:      data,
		observers: make(map[int]func()),
		done:      make(chan struct{}),
	}
	g.alive.Store(true)
	return g
}

// ID returns a process-unique identifier for logging.
func (g *Grant) ID() string {
	return g.id
}

// Data returns a copy of the grant payload.
func (g *Grant) Data() Data {
	return g.data
}

// Alive reports whether the grant may still be used for capture.
// Callers must check it immediately before each use.
func (g *Grant) Alive() bool {
	return g.alive.Load()
}

// Revoked reports whether the platform revoked the grant.
func (g *Grant) Revoked() bool {
	return g.revoked.Load()
}

// Consume marks the grant as used to establish a session.
func (g *Grant) Consume() error {
	if !g.Alive() {
		return ErrRevoked
	}
	if !g.consumed.CompareAndSwap(false, true) {
		return ErrConsumed
	}
	return nil
}

// OnRevoke registers fn to run once when the platform revokes the grant.
// If the grant is already revoked fn is not called. The returned func
// unregisters the observer.
func (g *Grant) OnRevoke(fn func()) (unsubscribe func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.observers == nil {
		return func() {}
	}
	id := g.nextID
	g.nextID++
	g.observers[id] = fn

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.observers != nil {
			delete(g.observers, id)
		}
	}
}

// Revoke invalidates the grant on behalf of the platform and notifies
// observers. Only the first call has any effect.
func (g *Grant) Revoke() {
	if !g.revoked.CompareAndSwap(false, true) {
		return
	}
	g.alive.Store(false)

	g.mu.Lock()
	observers := g.observers
	g.observers = nil
	g.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
	g.closeDone()
}

// Release invalidates the grant on behalf of its owner. Observers are dropped
// without being called.
func (g *Grant) Release() {
	g.alive.Store(false)

	g.mu.Lock()
	g.observers = nil
	g.mu.Unlock()

	g.closeDone()
}

// Done is closed once the grant is revoked or released.
func (g *Grant) Done() <-chan struct{} {
	return g.done
}

func (g *Grant) closeDone() {
	g.doneOnce.Do(func() { close(g.done) })
}
