package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rotacam/internal/access"
	"rotacam/internal/actuator"
	"rotacam/internal/camera"
	"rotacam/internal/config"
	"rotacam/internal/device"
	"rotacam/internal/experiment"
	"rotacam/internal/hardware"
	"rotacam/internal/stream"
)

type fakePower struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePower) Reboot(context.Context) error   { return p.record("reboot") }
func (p *fakePower) Shutdown(context.Context) error { return p.record("shutdown") }

func (p *fakePower) record(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	return nil
}

type testEnv struct {
	srv      *Server
	dev      *device.Device
	hw       *hardware.SimDriver
	runner   *experiment.Runner
	settings *config.Settings
	power    *fakePower
	exited   chan struct{}
	dataDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dataDir := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Server.WebRTC = false
	cfg.Server.StreamTimeout = 20 * time.Millisecond
	cfg.Experiment.Positions = 2
	cfg.Camera.FPS = 50
	cfg.Camera.LiveWidth, cfg.Camera.LiveHeight = 32, 24
	cfg.Camera.StillWidth, cfg.Camera.StillHeight = 64, 48

	settings, err := config.OpenSettings(cfg.SettingsPath())
	require.NoError(t, err)

	hw := hardware.NewSimDriver()
	cam := camera.NewSimCamera(cfg.Camera, zap.NewNop())
	act := actuator.New(hw, nil, actuator.Config{}, zap.NewNop())
	dev := device.New(cam, hw, act, stream.NewBroadcaster(), settings, zap.NewNop())
	require.NoError(t, dev.Init())

	runner := experiment.NewRunner(act, cam, experiment.Options{
		Positions:   cfg.Experiment.Positions,
		Calibration: dev.Calibration,
	}, zap.NewNop())

	env := &testEnv{
		dev:      dev,
		hw:       hw,
		runner:   runner,
		settings: settings,
		power:    &fakePower{},
		exited:   make(chan struct{}, 1),
		dataDir:  dataDir,
	}
	static := fstest.MapFS{"empty.svg": {Data: []byte("<svg/>")}}
	env.srv = New(cfg, Deps{
		Device:      dev,
		Gate:        access.NewGate(nil, settings, runner),
		Experiments: runner,
		Power:       env.power,
		Exit:        func() { env.exited <- struct{}{} },
	}, static, zap.NewNop())

	t.Cleanup(func() {
		runner.Stop()
		dev.Close()
	})
	return env
}

// do runs one request against the router. form, when non-nil, is sent as
// a POST body.
func (e *testEnv) do(method, path string, form url.Values, credential string) *httptest.ResponseRecorder {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if credential != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: credential})
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) setPassword(t *testing.T, pwd string) {
	t.Helper()
	require.NoError(t, e.settings.Update(func(v *config.Values) { v.Password = access.HashPassword(pwd) }))
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	return nil
}

func TestEndToEnd(t *testing.T) {
	e := newTestEnv(t)

	// No password yet: everything but password setup is redirected there.
	w := e.do(http.MethodGet, "/rotate/50", nil, "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/newpass", w.Header().Get("Location"))

	w = e.do(http.MethodGet, "/newpass", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"nopass":true`)

	w = e.do(http.MethodPost, "/newpass", url.Values{"pwd1": {"abc"}, "pwd2": {"abc"}}, "")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	// Without the cookie the gate asks for a login.
	w = e.do(http.MethodGet, "/rotate/50", nil, "")
	assert.Equal(t, "/login", w.Header().Get("Location"))

	w = e.do(http.MethodPost, "/login", url.Values{"password": {"abc"}}, "")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	cookie := sessionCookie(w)
	require.NotNil(t, cookie)
	assert.Equal(t, "abc", cookie.Value)

	w = e.do(http.MethodGet, "/rotate/50", nil, cookie.Value)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	e.dev.Actuator().Wait()
	require.Len(t, e.hw.Intervals(), 1)
	assert.Equal(t, 50, e.hw.Steps())
	assert.False(t, e.hw.Energized())

	// A running experiment makes hardware operations unavailable.
	w = e.do(http.MethodPost, "/experiment", url.Values{"action": {"start"}, "directory": {"run/1"}}, "abc")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"running":true`)
	assert.DirExists(t, filepath.Join(e.dataDir, "run-1"))
	assert.False(t, e.dev.Live())

	w = e.do(http.MethodGet, "/rotate/50", nil, "abc")
	assert.Equal(t, "/empty", w.Header().Get("Location"))
	w = e.do(http.MethodGet, "/empty", nil, "abc")
	assert.Equal(t, http.StatusConflict, w.Code)
	w = e.do(http.MethodGet, "/", nil, "abc")
	assert.Equal(t, "/experiment", w.Header().Get("Location"))

	w = e.do(http.MethodPost, "/experiment", url.Values{"action": {"stop"}}, "abc")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"running":false`)

	w = e.do(http.MethodGet, "/", nil, "abc")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownPathIsNotFound(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodGet, "/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStaticIsAlwaysServed(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodGet, "/static/empty.svg", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<svg/>", w.Body.String())
}

func TestNewPassword(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	w := e.do(http.MethodPost, "/newpass", url.Values{"currpass": {"wrong"}, "pwd1": {"x"}, "pwd2": {"x"}}, "abc")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/newpass", url.Values{"currpass": {"abc"}, "pwd1": {"x"}, "pwd2": {"y"}}, "abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/newpass", url.Values{"currpass": {"abc"}, "pwd1": {""}, "pwd2": {""}}, "abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/newpass", url.Values{"currpass": {"abc"}, "pwd1": {"xyz"}, "pwd2": {"xyz"}}, "abc")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, access.HashPassword("xyz"), e.settings.PasswordHash())

	w = e.do(http.MethodGet, "/", nil, "abc")
	assert.Equal(t, "/login", w.Header().Get("Location"))
}

func TestLoginFailureAndLogout(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	w := e.do(http.MethodPost, "/login", url.Values{"password": {"nope"}}, "")
	assert.Equal(t, "/login", w.Header().Get("Location"))
	assert.Nil(t, sessionCookie(w))

	w = e.do(http.MethodGet, "/logout", nil, "abc")
	assert.Equal(t, "/login", w.Header().Get("Location"))
	cookie := sessionCookie(w)
	require.NotNil(t, cookie)
	assert.Empty(t, cookie.Value)
	assert.Negative(t, cookie.MaxAge)
}

func TestViewportRoutes(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	e.do(http.MethodGet, "/zoom/50", nil, "abc")
	assert.InDelta(t, 0.5, e.dev.Viewport().State().ROI, 1e-9)

	e.do(http.MethodGet, "/pan/x/0.5", nil, "abc")
	assert.InDelta(t, 0.75, e.dev.Viewport().State().X, 1e-9)

	w := e.do(http.MethodGet, "/pan/x/abc", nil, "abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/zoom/lots", nil, "abc")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRotateOutOfRangeIgnored(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	for _, path := range []string{"/rotate/0", "/rotate/401", "/rotate/-5"} {
		w := e.do(http.MethodGet, path, nil, "abc")
		assert.Equal(t, http.StatusFound, w.Code, path)
	}
	e.dev.Actuator().Wait()
	assert.Empty(t, e.hw.Intervals())
}

func TestFindStart(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	e.do(http.MethodGet, "/findstart/30", nil, "abc")
	assert.Equal(t, 30, e.hw.Position())

	e.do(http.MethodGet, "/findstart/500", nil, "abc")
	assert.Equal(t, 0, e.hw.Position())
	assert.Len(t, e.hw.Intervals(), 2)

	e.hw.FailSteps(hardware.ErrStartNotFound)
	w := e.do(http.MethodGet, "/findstart", nil, "abc")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, e.hw.Energized())
}

func TestLiveLEDFocusShutter(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	e.do(http.MethodGet, "/live/off", nil, "abc")
	assert.False(t, e.dev.Live())
	e.do(http.MethodGet, "/live/maybe", nil, "abc")
	assert.False(t, e.dev.Live())
	e.do(http.MethodGet, "/live/on", nil, "abc")
	assert.True(t, e.dev.Live())

	e.do(http.MethodGet, "/led/on", nil, "abc")
	assert.True(t, e.hw.LED())
	e.do(http.MethodGet, "/led/off", nil, "abc")
	assert.False(t, e.hw.LED())

	e.do(http.MethodGet, "/focus/5000", nil, "abc")
	assert.Equal(t, config.MaxFocus, e.hw.FocusValue())
	assert.Equal(t, config.MaxFocus, e.settings.Get().Focus)

	w := e.do(http.MethodGet, "/shutter/live/0", nil, "abc")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, config.MinShutter, e.dev.Camera().Exposure().ShutterSpeed)

	w = e.do(http.MethodGet, "/shutter/dusk/10", nil, "abc")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExposureAndStills(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	w := e.do(http.MethodGet, "/daystill.jpg", nil, "abc")
	assert.Equal(t, PlaceholderPath, w.Header().Get("Location"))

	w = e.do(http.MethodPost, "/exposure/day", url.Values{"shutter": {"0.002"}, "iso": {"10"}}, "abc")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"dayshutter":0.002`)
	assert.Contains(t, w.Body.String(), `"dayiso":50`)
	assert.Contains(t, w.Body.String(), `"nightshutter":null`)

	w = e.do(http.MethodGet, "/daystill.jpg", nil, "abc")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xFF, 0xD8}, w.Body.Bytes()[:2])

	w = e.do(http.MethodGet, "/nightstill.jpg", nil, "abc")
	assert.Equal(t, PlaceholderPath, w.Header().Get("Location"))

	w = e.do(http.MethodPost, "/exposure/night", url.Values{"shutter": {"fast"}}, "abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/exposure/dusk", nil, "abc")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, "/exposure/night", nil, "abc")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, e.dev.Live())
	assert.Equal(t, camera.ModeFixed, e.dev.Camera().Exposure().Mode)
}

func TestCalibrateAndSettings(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	w := e.do(http.MethodPost, "/calibrate", url.Values{"calibration": {"1000"}}, "abc")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"calibration":399`)
	assert.Equal(t, camera.ModeAuto, e.dev.Camera().Exposure().Mode)

	w = e.do(http.MethodPost, "/settings", url.Values{"name": {"bench-3"}}, "abc")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bench-3", e.settings.Get().Name)

	w = e.do(http.MethodPost, "/settings", url.Values{"name": {""}}, "abc")
	assert.Contains(t, w.Body.String(), "bench-3")
}

func TestLastCapture(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	w := e.do(http.MethodGet, "/lastcapture.png", nil, "abc")
	assert.Equal(t, PlaceholderPath, w.Header().Get("Location"))

	dir := filepath.Join(e.dataDir, "exp")
	require.NoError(t, e.runner.Start(experiment.Params{Duration: time.Millisecond, Delay: time.Hour, Dir: dir}))
	require.Eventually(t, func() bool { return !e.runner.Running() }, 2*time.Second, 5*time.Millisecond)

	w = e.do(http.MethodGet, "/lastcapture.png", nil, "abc")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	require.NoError(t, os.Remove(e.runner.LastCapture()))
	w = e.do(http.MethodGet, "/lastcapture.png", nil, "abc")
	assert.Equal(t, PlaceholderPath, w.Header().Get("Location"))
}

func TestExperimentValidation(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	w := e.do(http.MethodPost, "/experiment", url.Values{"action": {"start"}, "duration": {"-1"}}, "abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/experiment", url.Values{"action": {"pause"}}, "abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/experiment", nil, "abc")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"disk_free"`)
	assert.False(t, e.runner.Running())
}

func TestExperimentStartFailureRestoresLive(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")
	require.True(t, e.dev.Live())

	// A file where the experiment directory goes makes the start fail.
	require.NoError(t, os.WriteFile(filepath.Join(e.dataDir, "blocked"), nil, 0o644))

	w := e.do(http.MethodPost, "/experiment", url.Values{"action": {"start"}, "directory": {"blocked"}}, "abc")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, e.runner.Running())
	assert.True(t, e.dev.Live())
}

func TestExposureRejectsNaNShutter(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	w := e.do(http.MethodPost, "/exposure/day", url.Values{"shutter": {"NaN"}}, "abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, config.DefaultValues().DayShutter, e.settings.Get().DayShutter)

	w = e.do(http.MethodPost, "/exposure/day", url.Values{"shutter": {"inf"}}, "abc")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, config.MaxShutter, e.settings.Get().DayShutter)
}

func TestPowerRoutes(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	w := e.do(http.MethodGet, "/restarting", nil, "abc")
	assert.Equal(t, "/", w.Header().Get("Location"))

	e.do(http.MethodGet, "/reboot", nil, "abc")
	e.do(http.MethodGet, "/shutdown", nil, "abc")
	assert.Equal(t, []string{"reboot", "shutdown"}, e.power.calls)

	w = e.do(http.MethodGet, "/exit", nil, "abc")
	assert.Equal(t, "/restarting", w.Header().Get("Location"))
	select {
	case <-e.exited:
	case <-time.After(3 * time.Second):
		t.Fatal("exit was not requested")
	}

	w = e.do(http.MethodGet, "/restarting", nil, "abc")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStreamMJPEG(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream.mjpg", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "abc"})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, stream.ContentType, resp.Header.Get("Content-Type"))

	buf := make([]byte, 64)
	n, err := io.ReadAtLeast(resp.Body, buf, len("--frame\r\nContent-Type: image/jpeg\r\n\r\n")+2)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), "--frame\r\nContent-Type: image/jpeg\r\n\r\n\xff\xd8"))
}
