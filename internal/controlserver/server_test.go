package controlserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-agent/internal/logging"
	"pos-agent/internal/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testIdentity = protocol.DeviceIdentity{TenantID: "12", DeviceID: "device-001", MachineLabel: "POS-01"}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Options{WriteTimeout: time.Second}, logging.Discard().WithField("test", t.Name()))
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return s, hs
}

// dialDevice connects a bare websocket client the way an agent would.
func dialDevice(t *testing.T, hs *httptest.Server, id protocol.DeviceIdentity) *websocket.Conn {
	t.Helper()
	endpoint, err := protocol.EndpointURL("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", id)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitConnected(t *testing.T, s *Server, deviceID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := s.Device(deviceID)
		return err == nil && d.Connected
	}, 5*time.Second, 10*time.Millisecond)
}

// answerScripts plays a device that replies to every run_script with a
// successful result echoing the decoded script.
func answerScripts(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd protocol.RunScript
		if json.Unmarshal(data, &cmd) != nil || cmd.Action != protocol.ActionRunScript {
			continue
		}
		script, _ := base64.StdEncoding.DecodeString(cmd.ScriptContent)
		out, code := string(script), 0
		_ = conn.WriteJSON(protocol.SaveResults{
			Action:       protocol.ActionSaveResults,
			TenantID:     testIdentity.TenantID,
			DeviceID:     testIdentity.DeviceID,
			CommandID:    cmd.ID(),
			ScriptName:   cmd.Name(),
			ResultOutput: &out,
			ExitCode:     &code,
			Timestamp:    time.Now().Unix(),
			Status:       protocol.StatusSuccess,
		})
	}
}

func TestTracksDeviceMessages(t *testing.T) {
	s, hs := newTestServer(t)
	conn := dialDevice(t, hs, testIdentity)

	require.NoError(t, conn.WriteJSON(protocol.NewRegister(testIdentity)))
	require.NoError(t, conn.WriteJSON(protocol.NewHeartbeat(testIdentity, time.Now().Unix())))
	require.NoError(t, conn.WriteJSON(protocol.NewDisconnect(testIdentity)))

	require.Eventually(t, func() bool { return len(s.Messages(testIdentity.DeviceID)) == 3 },
		5*time.Second, 10*time.Millisecond)

	d, err := s.Device(testIdentity.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, testIdentity, d.Identity)
	assert.True(t, d.Registered)
	assert.True(t, d.Disconnected)
	assert.Equal(t, 1, d.Heartbeats)
	assert.False(t, d.LastHeartbeat.IsZero())

	msgs := s.Messages(testIdentity.DeviceID)
	assert.Equal(t, protocol.ActionRegister, msgs[0].Action)
	assert.Equal(t, protocol.ActionHeartbeat, msgs[1].Action)
	assert.Equal(t, protocol.ActionDisconnect, msgs[2].Action)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		d, _ := s.Device(testIdentity.DeviceID)
		return !d.Connected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRejectsMissingDeviceID(t *testing.T) {
	_, hs := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunScript(t *testing.T) {
	s, hs := newTestServer(t)
	conn := dialDevice(t, hs, testIdentity)
	go answerScripts(conn)
	waitConnected(t, s, testIdentity.DeviceID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.RunScript(ctx, testIdentity.DeviceID, "hello.py", "print('hi')")
	require.NoError(t, err)

	assert.Equal(t, "hello.py", res.ScriptName)
	require.NotNil(t, res.ResultOutput)
	assert.Equal(t, "print('hi')", *res.ResultOutput)
	assert.NotEmpty(t, res.CommandID)
	assert.Equal(t, 0, s.pending.len())
}

func TestRunScriptErrors(t *testing.T) {
	s, hs := newTestServer(t)

	_, err := s.RunScript(context.Background(), "nobody", "x.py", "")
	assert.Equal(t, ErrDeviceNotFound, errors.Cause(err))

	// A device that never answers.
	conn := dialDevice(t, hs, testIdentity)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	waitConnected(t, s, testIdentity.DeviceID)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = s.RunScript(ctx, testIdentity.DeviceID, "x.py", "")
	assert.Equal(t, ErrResultTimeout, errors.Cause(err))
	assert.Equal(t, 0, s.pending.len())
}

func TestRunScriptDeviceDrops(t *testing.T) {
	s, hs := newTestServer(t)
	conn := dialDevice(t, hs, testIdentity)
	go func() {
		// Hang up as soon as the command arrives.
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}()
	waitConnected(t, s, testIdentity.DeviceID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.RunScript(ctx, testIdentity.DeviceID, "x.py", "")
	assert.Equal(t, ErrDeviceDisconnected, errors.Cause(err))
}

func TestRESTRoutes(t *testing.T) {
	s, hs := newTestServer(t)
	conn := dialDevice(t, hs, testIdentity)
	go answerScripts(conn)
	waitConnected(t, s, testIdentity.DeviceID)

	resp, err := http.Get(hs.URL + "/devices")
	require.NoError(t, err)
	var list struct {
		Devices []Device `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Devices, 1)
	assert.Equal(t, testIdentity.DeviceID, list.Devices[0].Identity.DeviceID)

	resp, err = http.Get(hs.URL + "/devices/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, _ := json.Marshal(runScriptRequest{ScriptName: "a.py", Script: "print(1)", WaitSeconds: 5})
	resp, err = http.Post(hs.URL+"/devices/"+testIdentity.DeviceID+"/scripts", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var res protocol.SaveResults
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a.py", res.ScriptName)

	resp, err = http.Post(hs.URL+"/devices/missing/scripts", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(hs.URL+"/devices/"+testIdentity.DeviceID+"/scripts", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPendingSet(t *testing.T) {
	p := newPendingSet()

	assert.False(t, p.resolve(protocol.SaveResults{CommandID: "nope"}))

	ch := p.register("c1", "d1")
	other := p.register("c2", "d2")
	assert.True(t, p.resolve(protocol.SaveResults{CommandID: "c1"}))
	res, ok := <-ch
	assert.True(t, ok)
	assert.Equal(t, "c1", res.CommandID)

	assert.Equal(t, 1, p.failDevice("d2"))
	_, ok = <-other
	assert.False(t, ok)
	assert.Equal(t, 0, p.len())
}

func TestRESTRequiresToken(t *testing.T) {
	s := New(Options{WriteTimeout: time.Second, APIToken: "secret"}, logging.Discard().WithField("test", t.Name()))
	hs := httptest.NewServer(s.Handler())
	defer hs.Close()

	get := func(auth string) int {
		req, err := http.NewRequest(http.MethodGet, hs.URL+"/devices", nil)
		require.NoError(t, err)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get(""))
	assert.Equal(t, http.StatusUnauthorized, get("Bearer wrong"))
	assert.Equal(t, http.StatusUnauthorized, get("secret"))
	assert.Equal(t, http.StatusOK, get("Bearer secret"))

	// The device endpoint is not behind the token.
	conn := dialDevice(t, hs, testIdentity)
	require.NoError(t, conn.WriteJSON(protocol.NewRegister(testIdentity)))
	waitConnected(t, s, testIdentity.DeviceID)
}
