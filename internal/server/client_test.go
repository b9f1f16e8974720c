package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotacam/internal/experiment"
	"rotacam/internal/protocol"
)

func dialSocket(t *testing.T, e *testEnv, credential string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ts := httptest.NewServer(e.srv.Handler())
	t.Cleanup(ts.Close)

	header := http.Header{}
	if credential != "" {
		header.Set("Cookie", SessionCookie+"="+credential)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
}

// readUntil reads messages until one of type msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg protocol.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return &msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

func TestWebSocket_RequiresLogin(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	_, resp, err := dialSocket(t, e, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestWebSocket_StatusAndCommands(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	conn, _, err := dialSocket(t, e, "abc")
	require.NoError(t, err)
	defer conn.Close()

	var status protocol.StatusPayload
	require.NoError(t, readUntil(t, conn, protocol.TypeStatus).ParsePayload(&status))
	assert.NotEmpty(t, status.ClientID)
	assert.True(t, status.Live)
	assert.Equal(t, 1.0, status.ROI)

	send(t, conn, protocol.TypeZoom, protocol.ZoomPayload{Percent: 50})
	require.NoError(t, readUntil(t, conn, protocol.TypeStatus).ParsePayload(&status))
	assert.InDelta(t, 0.5, status.ROI, 1e-9)

	send(t, conn, protocol.TypeLED, protocol.LEDPayload{On: true})
	require.NoError(t, readUntil(t, conn, protocol.TypeStatus).ParsePayload(&status))
	assert.True(t, status.LED)

	send(t, conn, protocol.TypeRotate, protocol.RotatePayload{Steps: 20})
	send(t, conn, protocol.TypePing, protocol.PingPayload{Timestamp: 42})
	var pong protocol.PongPayload
	require.NoError(t, readUntil(t, conn, protocol.TypePong).ParsePayload(&pong))
	assert.Equal(t, int64(42), pong.ClientTimestamp)

	e.dev.Actuator().Wait()
	assert.Equal(t, 20, e.hw.Steps())

	send(t, conn, "teleport", struct{}{})
	var perr protocol.ErrorPayload
	require.NoError(t, readUntil(t, conn, protocol.TypeError).ParsePayload(&perr))
	assert.Equal(t, protocol.ErrUnknownType, perr.Code)
}

func TestWebSocket_CommandsRecheckedWhileRunning(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	conn, _, err := dialSocket(t, e, "abc")
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, protocol.TypeStatus)

	require.NoError(t, e.runner.Start(experiment.Params{Duration: time.Hour, Delay: time.Hour, Dir: t.TempDir()}))

	send(t, conn, protocol.TypeZoom, protocol.ZoomPayload{Percent: 30})
	var perr protocol.ErrorPayload
	require.NoError(t, readUntil(t, conn, protocol.TypeError).ParsePayload(&perr))
	assert.Equal(t, protocol.ErrUnavailable, perr.Code)
	assert.Equal(t, 1.0, e.dev.Viewport().State().ROI)

	// New sockets are refused outright.
	_, resp, err := dialSocket(t, e, "abc")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "/empty", resp.Header.Get("Location"))
}

func TestWebSocket_InvalidMessage(t *testing.T) {
	e := newTestEnv(t)
	e.setPassword(t, "abc")

	conn, _, err := dialSocket(t, e, "abc")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var perr protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, protocol.TypeError).Payload, &perr))
	assert.Equal(t, protocol.ErrInvalidMessage, perr.Code)
}
