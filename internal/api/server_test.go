package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/bridge"
	"github.com/bryanchriswhite/CaptureBridge/internal/capture/capturetest"
	"github.com/bryanchriswhite/CaptureBridge/internal/config"
	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/bryanchriswhite/CaptureBridge/internal/encoder"
	"github.com/bryanchriswhite/CaptureBridge/internal/events"
	"github.com/bryanchriswhite/CaptureBridge/internal/grant"
	"github.com/bryanchriswhite/CaptureBridge/internal/metrics"
	"github.com/bryanchriswhite/CaptureBridge/internal/service"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	fs      afero.Fs
	hub     *events.Hub
	metrics *metrics.Metrics
	bridge  *bridge.Bridge
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		fs:      afero.NewMemMapFs(),
		hub:     events.NewHub(),
		metrics: metrics.New(),
	}

	backend := capturetest.New()
	backend.AutoEmit = &color.RGBA{R: 200, G: 40, B: 40, A: 255}

	launcher := service.NewLauncher(service.Options{
		Backend:        backend,
		Display:        display.Static{G: display.Geometry{Width: 32, Height: 20, DensityDPI: 96}},
		Encoder:        encoder.NewWithFs(e.fs),
		OutputDir:      "/shots",
		OnDemand:       encoder.Policy{Format: encoder.FormatJPEG, Quality: 80},
		RequestTimeout: time.Second,
		Metrics:        e.metrics,
		Events:         e.hub,
	})
	e.bridge = bridge.New(bridge.Options{
		Authorizer: grant.AutoApprove{Source: grant.SourceX11},
		Launch: func(data grant.Data) (bridge.Connection, error) {
			c, err := launcher.Launch(data)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	})

	cfgMgr, err := config.NewManagerWithFs(e.fs, "/config/config.yaml")
	require.NoError(t, err)

	s := NewServer(e.bridge, cfgMgr, e.hub, e.metrics)
	e.server = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		e.server.Close()
		e.bridge.Release()
	})
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) authorize(t *testing.T) {
	t.Helper()
	resp := e.do(t, "POST", "/api/authorize", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out["granted"])

	require.Eventually(t, func() bool {
		st, ok := e.bridge.Status()
		return ok && st.Ready
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, "GET", "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "healthy", out["status"])
}

func TestScreenshotWithoutSession(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "POST", "/api/screenshot", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, "GET", "/api/session", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScreenshotReturnsImage(t *testing.T) {
	e := newTestEnv(t)
	e.authorize(t)

	resp := e.do(t, "POST", "/api/screenshot", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	img, err := jpeg.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 20), img.Bounds())
}

func TestScreenshotSave(t *testing.T) {
	e := newTestEnv(t)
	e.authorize(t)

	resp := e.do(t, "POST", "/api/screenshot?save=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, strings.HasPrefix(out["path"], "/shots/screenshot_"))

	exists, err := afero.Exists(e.fs, out["path"])
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSessionLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.authorize(t)

	resp := e.do(t, "GET", "/api/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Connected bool `json:"connected"`
		Session   struct {
			State    string           `json:"state"`
			Backend  string           `json:"backend"`
			Geometry display.Geometry `json:"geometry"`
		} `json:"session"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Connected)
	assert.Equal(t, "Active", out.Session.State)
	assert.Equal(t, "fake", out.Session.Backend)
	assert.Equal(t, 32, out.Session.Geometry.Width)

	resp = e.do(t, "DELETE", "/api/session", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, "POST", "/api/screenshot", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestConfigRoundTrip(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "GET", "/api/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg config.Config
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, config.BackendAuto, cfg.Capture.Backend)

	resp = e.do(t, "PUT", "/api/config", bytes.NewBufferString(`{"capture":{"request_timeout_ms":1234}}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, "GET", "/api/config", nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, 1234, cfg.Capture.RequestTimeoutMs)
	assert.Equal(t, config.BackendAuto, cfg.Capture.Backend, "unrelated keys survive a partial update")

	resp = e.do(t, "PUT", "/api/config", bytes.NewBufferString(`{"capture":{"backend":"vnc"}}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	e := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	e.hub.Publish(events.Event{Kind: events.KindOnDemand, Path: "/shots/x.jpg", Width: 3, Height: 2})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.KindOnDemand, got.Kind)
	assert.Equal(t, "/shots/x.jpg", got.Path)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.WSConnections))

	conn.Close()
	require.Eventually(t, func() bool { return e.hub.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, "GET", "/api/health", nil)

	resp := e.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `capturebridge_http_requests_total{method="GET",route="/api/health",status="200"} 1`)
}
