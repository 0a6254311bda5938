package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/testdriverai/testdriver/internal/errs"
	"github.com/testdriverai/testdriver/internal/events"
)

func TestTransport_StateMachineHappyPath(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			require.NoError(t, json.Unmarshal(raw, &msg))
			resp := map[string]any{"requestId": msg["requestId"]}
			switch msg["type"] {
			case "authenticate":
				resp["ok"] = true
			case "connect":
				resp["id"] = "inst-1"
				resp["ip"] = "10.0.0.5"
				resp["vncPort"] = 5900
				resp["os"] = "linux"
				resp["resolution"] = "1920x1080"
			}
			out, _ := json.Marshal(resp)
			_ = conn.WriteMessage(websocket.TextMessage, out)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	bus := events.New()
	tr := New(wsURL, DialectBroker, "nonce1", bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Boot(ctx))
	require.Equal(t, Open, tr.State())

	require.NoError(t, tr.Authenticate(ctx, "tok"))
	require.Equal(t, Authenticated, tr.State())

	inst, err := tr.ConnectInstance(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, "inst-1", inst.ID)
	require.Equal(t, Connected, tr.State())

	require.NoError(t, tr.Close())
	require.Equal(t, Closed, tr.State())
}

func TestTransport_AlreadyBooting(t *testing.T) {
	tr := New("ws://127.0.0.1:1/nope", DialectBroker, "n", nil)
	tr.bootMu.Lock()
	tr.booting = true
	tr.bootMu.Unlock()

	err := tr.Boot(context.Background())
	require.ErrorIs(t, err, errs.ErrAlreadyBooting)
}

func TestTransport_TeardownRejectsPending(t *testing.T) {
	tr := New("ws://unused", DialectBroker, "n", nil)
	tr.state.Store(int32(Open))
	ch := make(chan rawResponse, 1)
	tr.pendingReqs["n-1"] = &pending{ch: ch}

	tr.teardown(errs.ErrTransportClosed)

	select {
	case resp := <-ch:
		require.ErrorIs(t, resp.err, errs.ErrTransportClosed)
	default:
		t.Fatal("expected pending request to be rejected")
	}
	require.Equal(t, Closed, tr.State())
}

func TestAdaptOutbound_DirectDialect(t *testing.T) {
	out := adaptOutbound(map[string]any{
		"type":      "leftClick",
		"requestId": "r1",
		"x":         10,
		"y":         20,
	})
	require.Equal(t, "click", out["command"])
	require.Equal(t, "r1", out["requestId"])
	data := out["data"].(map[string]any)
	require.Equal(t, 10, data["x"])
	require.Equal(t, 20, data["y"])
	require.Equal(t, "left", data["button"])
}

func TestAdaptInbound_BrokerDialect(t *testing.T) {
	msg := map[string]any{
		"originalData": map[string]any{
			"requestId": "r1",
			"command":   "click",
		},
		"result": true,
	}
	out := adaptInbound(msg)
	require.Equal(t, "r1", out["requestId"])
	require.Equal(t, true, out["success"])
}

func TestAdaptInbound_ExecUsesOutSlot(t *testing.T) {
	msg := map[string]any{
		"originalData": map[string]any{
			"requestId": "r2",
			"command":   "exec",
		},
		"result": "hello",
	}
	out := adaptInbound(msg)
	require.Equal(t, "hello", out["out"])
}

func TestNextRequestID_IsNoncePrefixedAndMonotonic(t *testing.T) {
	tr := New("ws://unused", DialectBroker, "boot-nonce", nil)
	first := tr.nextRequestID()
	second := tr.nextRequestID()
	require.Equal(t, "boot-nonce-1", first)
	require.Equal(t, "boot-nonce-2", second)
}
