// Package pipewire authorizes screen capture through the xdg-desktop-portal
// ScreenCast interface and reads frames from the granted PipeWire stream.
package pipewire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// Source types for SelectSources
const (
	SourceTypeMonitor = 1 << 0
	SourceTypeWindow  = 1 << 1
	SourceTypeVirtual = 1 << 2
)

// Cursor modes for SelectSources
const (
	CursorModeHidden   = 1 << 0
	CursorModeEmbedded = 1 << 1
	CursorModeMetadata = 1 << 2
)

// Persist modes for SelectSources
const (
	PersistModeNone        = 0
	PersistModeApplication = 1
	PersistModeSession     = 2
)

// Portal request response codes
const (
	responseSuccess   uint32 = 0
	responseCancelled uint32 = 1
)

// ErrNoStreams is returned when the portal grants a session without streams
var ErrNoStreams = errors.New("no streams in portal response")

// Stream is one PipeWire stream granted by the portal
type Stream struct {
	NodeID uint32
	Width  int
	Height int
}

// Portal handles xdg-desktop-portal screen sharing via D-Bus
type Portal struct {
	conn      *dbus.Conn
	fs        afero.Fs
	tokenPath string

	mu           sync.Mutex
	restoreToken string
}

// DefaultTokenPath is where the portal restore token is kept between runs
func DefaultTokenPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.Getenv("HOME")
	}
	return filepath.Join(configDir, "capturebridge", "portal_token")
}

// NewPortal connects to the session bus. The restore token is read from and
// written to tokenPath on fs.
func NewPortal(fs afero.Fs, tokenPath string) (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	p := &Portal{
		conn:      conn,
		fs:        fs,
		tokenPath: tokenPath,
	}
	p.restoreToken = loadRestoreToken(fs, tokenPath)
	return p, nil
}

// Close closes the bus connection
func (p *Portal) Close() error {
	return p.conn.Close()
}

// Authorize runs CreateSession, SelectSources and Start. The user may be shown
// a picker dialog. A dismissed dialog yields granted=false with no error.
func (p *Portal) Authorize(ctx context.Context) (bool, *grant.Data, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := logger.WithComponent("portal")
	token := strings.ReplaceAll(uuid.NewString(), "-", "")

	code, results, err := p.request(ctx, 30*time.Second, "CreateSession", map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant("cbcreate" + token),
		"session_handle_token": dbus.MakeVariant("cbsession" + token),
	})
	if err != nil {
		return false, nil, fmt.Errorf("failed to create session: %w", err)
	}
	if code != responseSuccess {
		return p.denied("CreateSession", code)
	}
	session, err := sessionHandle(results)
	if err != nil {
		return false, nil, err
	}
	log.Debug().Str("session", string(session)).Msg("Created portal session")

	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant("cbselect" + token),
		"types":        dbus.MakeVariant(uint32(SourceTypeMonitor)),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(uint32(CursorModeEmbedded)),
		"persist_mode": dbus.MakeVariant(uint32(PersistModeSession)),
	}
	if p.restoreToken != "" {
		options["restore_token"] = dbus.MakeVariant(p.restoreToken)
		log.Debug().Msg("Using saved restore token")
	}

	code, _, err = p.request(ctx, 60*time.Second, "SelectSources", options, session)
	if err != nil {
		p.CloseSession(string(session))
		return false, nil, fmt.Errorf("failed to select sources: %w", err)
	}
	if code != responseSuccess {
		p.CloseSession(string(session))
		return p.denied("SelectSources", code)
	}

	code, results, err = p.request(ctx, 30*time.Second, "Start", map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant("cbstart" + token),
	}, session, "")
	if err != nil {
		p.CloseSession(string(session))
		return false, nil, fmt.Errorf("failed to start session: %w", err)
	}
	if code != responseSuccess {
		p.CloseSession(string(session))
		return p.denied("Start", code)
	}

	if v, ok := results["restore_token"]; ok {
		if rt, ok := v.Value().(string); ok && rt != "" {
			p.restoreToken = rt
			if err := saveRestoreToken(p.fs, p.tokenPath, rt); err != nil {
				log.Warn().Err(err).Msg("Failed to save restore token")
			}
		}
	}

	streams := ParseStreams(results["streams"].Value())
	if len(streams) == 0 {
		p.CloseSession(string(session))
		return false, nil, ErrNoStreams
	}
	s := streams[0]

	log.Info().
		Uint32("node_id", s.NodeID).
		Int("width", s.Width).
		Int("height", s.Height).
		Msg("Screen sharing started")

	return true, &grant.Data{
		Source:       grant.SourcePortal,
		Token:        token,
		Session:      string(session),
		NodeID:       s.NodeID,
		Width:        s.Width,
		Height:       s.Height,
		RestoreToken: p.restoreToken,
	}, nil
}

func (p *Portal) denied(step string, code uint32) (bool, *grant.Data, error) {
	if code == responseCancelled {
		logger.WithComponent("portal").Info().Str("step", step).Msg("User cancelled screen sharing")
		return false, nil, nil
	}
	return false, nil, fmt.Errorf("portal %s denied (code %d)", step, code)
}

// request calls a ScreenCast method returning a Request handle and waits for
// that request's Response signal
func (p *Portal) request(ctx context.Context, timeout time.Duration, method string, options map[string]dbus.Variant, args ...any) (uint32, map[string]dbus.Variant, error) {
	log := logger.WithComponent("portal")

	// Subscribe before calling so a fast response is not missed
	responses := make(chan *dbus.Signal, 10)
	if err := p.conn.AddMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		log.Warn().Err(err).Msg("Failed to add match rule")
	}
	p.conn.Signal(responses)
	defer p.conn.RemoveSignal(responses)

	callArgs := append(args, options)
	var requestPath dbus.ObjectPath
	obj := p.conn.Object(portalService, portalPath)
	if err := obj.CallWithContext(ctx, screenCastIface+"."+method, 0, callArgs...).Store(&requestPath); err != nil {
		return 0, nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	log.Info().Str("request_path", string(requestPath)).Msgf("Waiting for %s response", method)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			p.conn.Object(portalService, requestPath).Call(requestIface+".Close", 0)
			return 0, nil, ctx.Err()
		case <-deadline.C:
			return 0, nil, fmt.Errorf("timeout waiting for %s response", method)
		case sig := <-responses:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			if len(sig.Body) < 2 {
				return 0, nil, fmt.Errorf("invalid %s response", method)
			}
			code, _ := sig.Body[0].(uint32)
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			return code, results, nil
		}
	}
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("no session handle in response")
	}
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", h)
	}
}

// ParseStreams decodes the a(ua{sv}) streams result of Start
func ParseStreams(v any) []Stream {
	var raw [][]any
	switch rs := v.(type) {
	case [][]any:
		raw = rs
	case []any:
		for _, r := range rs {
			if s, ok := r.([]any); ok {
				raw = append(raw, s)
			}
		}
	default:
		return nil
	}

	var streams []Stream
	for _, entry := range raw {
		if len(entry) < 1 {
			continue
		}
		nodeID, ok := entry[0].(uint32)
		if !ok {
			continue
		}
		s := Stream{NodeID: nodeID}
		if len(entry) > 1 {
			if props, ok := entry[1].(map[string]dbus.Variant); ok {
				if size, ok := props["size"]; ok {
					if wh, ok := size.Value().([]any); ok && len(wh) == 2 {
						w, _ := wh[0].(int32)
						h, _ := wh[1].(int32)
						s.Width, s.Height = int(w), int(h)
					}
				}
			}
		}
		streams = append(streams, s)
	}
	return streams
}

// WatchClosed calls fn once when the portal closes session. The returned
// function stops watching.
func (p *Portal) WatchClosed(session string, fn func()) (stop func()) {
	path := dbus.ObjectPath(session)
	log := logger.WithComponent("portal")

	if err := p.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(sessionIface),
		dbus.WithMatchMember("Closed"),
	); err != nil {
		log.Warn().Err(err).Str("session", session).Msg("Failed to watch portal session")
	}

	signals := make(chan *dbus.Signal, 4)
	p.conn.Signal(signals)
	quit := make(chan struct{})

	go func() {
		for {
			select {
			case <-quit:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Path == path && sig.Name == sessionIface+".Closed" {
					log.Info().Str("session", session).Msg("Portal session closed by platform")
					fn()
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			p.conn.RemoveSignal(signals)
			p.conn.RemoveMatchSignal(
				dbus.WithMatchObjectPath(path),
				dbus.WithMatchInterface(sessionIface),
				dbus.WithMatchMember("Closed"),
			)
		})
	}
}

// CloseSession ends a portal session
func (p *Portal) CloseSession(session string) error {
	if session == "" {
		return nil
	}
	return p.conn.Object(portalService, dbus.ObjectPath(session)).Call(sessionIface+".Close", 0).Err
}

type storedToken struct {
	Token string `json:"token"`
}

func loadRestoreToken(fs afero.Fs, path string) string {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return ""
	}
	var t storedToken
	if err := json.Unmarshal(data, &t); err != nil {
		return ""
	}
	return t.Token
}

func saveRestoreToken(fs afero.Fs, path, token string) error {
	if token == "" {
		return nil
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(storedToken{Token: token})
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0600)
}
