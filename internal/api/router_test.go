package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/rcourtman/pulse-xen/internal/errors"
	"github.com/rcourtman/pulse-xen/internal/monitoring"
	"github.com/rcourtman/pulse-xen/internal/websocket"
	"github.com/rcourtman/pulse-xen/internal/xapitest"
	"github.com/rcourtman/pulse-xen/pkg/xenapi"
)

const (
	refAlpha = "OpaqueRef:vm-a"
	refBeta  = "OpaqueRef:vm-b"
	refDom0  = "OpaqueRef:dom0"
)

type testEnv struct {
	pool     *xapitest.Server
	registry *monitoring.Registry
	hub      *websocket.Hub
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pool := xapitest.NewServer()
	t.Cleanup(pool.Close)
	pool.SetVM(refBeta, xapitest.VMRecord("uuid-b", "beta", "Halted", false, false))
	pool.SetVM(refAlpha, xapitest.VMRecord("uuid-a", "alpha", "Running", false, false))
	pool.SetVM(refDom0, xapitest.VMRecord("uuid-dom0", "Control domain on host1", "Running", true, false))
	pool.SetVM("OpaqueRef:tmpl", xapitest.VMRecord("uuid-tmpl", "Debian 12 template", "Halted", false, true))

	client, err := xenapi.NewClient(xenapi.ClientConfig{Host: pool.Host()})
	require.NoError(t, err)
	registry := monitoring.NewRegistry(client, monitoring.Options{
		InventoryInterval: 10 * time.Millisecond,
		EventInterval:     10 * time.Millisecond,
		MetricsInterval:   10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	hub := websocket.NewHub(nil)
	go hub.Run(ctx)

	require.NoError(t, registry.Bootstrap(ctx, xapitest.DefaultUser, xapitest.DefaultPassword))
	server := httptest.NewServer(NewRouter(registry, hub, "v1.2.3"))

	t.Cleanup(func() {
		server.Close()
		cancel()
		registry.Synchronizer().Stop()
	})
	return &testEnv{pool: pool, registry: registry, hub: hub, server: server}
}

func (e *testEnv) do(t *testing.T, method, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestListVMs(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/vms")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var view InventoryView
	require.NoError(t, json.Unmarshal(body, &view))
	require.Len(t, view.VMs, 2)
	require.Len(t, view.ControlDomains, 1)
	assert.Equal(t, "alpha", view.VMs[0].Name)
	assert.Equal(t, "beta", view.VMs[1].Name)
	assert.True(t, view.VMs[0].Running)
	assert.Equal(t, "Halted", view.VMs[1].PowerState)
	assert.Equal(t, "vm", view.VMs[0].Kind)
	assert.Equal(t, "control_domain", view.ControlDomains[0].Kind)
	assert.Equal(t, "uuid-dom0", view.ControlDomains[0].UUID)
}

func TestListVMsNameFilter(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.do(t, http.MethodGet, "/api/vms?name=be*,Control*")
	var view InventoryView
	require.NoError(t, json.Unmarshal(body, &view))
	require.Len(t, view.VMs, 1)
	assert.Equal(t, "beta", view.VMs[0].Name)
	assert.Len(t, view.ControlDomains, 1)

	_, body = env.do(t, http.MethodGet, "/api/vms?name=nothing*")
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Empty(t, view.VMs)
	assert.Empty(t, view.ControlDomains)
}

func TestParsePatterns(t *testing.T) {
	assert.Nil(t, ParsePatterns())
	assert.Nil(t, ParsePatterns(" , "))
	assert.Equal(t, []string{"web-*", "db?", "dom0"}, ParsePatterns("web-*, db?", "dom0"))
}

func TestGetVM(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/vms/uuid-b")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view VMView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "beta", view.Name)

	resp, body = env.do(t, http.MethodGet, "/api/vms/uuid-tmpl")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, resp.Header.Get("X-Request-ID"), apiErr.RequestID)
}

func TestGetVMRefresh(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/vms/uuid-b")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, env.pool.Calls("VM.get_record"))

	env.pool.SetPowerState(refBeta, "Running")
	resp, body := env.do(t, http.MethodGet, "/api/vms/uuid-b?refresh=true")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var view VMView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "Running", view.PowerState)
	assert.Equal(t, 1, env.pool.Calls("VM.get_record"))

	env.pool.Fail("VM.get_record", xapitest.Failure{Code: "HANDLE_INVALID", Params: []string{"VM", refBeta}})
	resp, body = env.do(t, http.MethodGet, "/api/vms/uuid-b?refresh=1")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "HANDLE_INVALID", apiErr.Code)
}

func TestVMActions(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/vms/uuid-b/start")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "Running", env.pool.PowerState(refBeta))

	resp, _ = env.do(t, http.MethodPost, "/api/vms/uuid-a/stop")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "Halted", env.pool.PowerState(refAlpha))

	shutdowns := env.pool.Calls("VM.clean_shutdown")
	resp, _ = env.do(t, http.MethodPost, "/api/vms/uuid-dom0/stop")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, shutdowns, env.pool.Calls("VM.clean_shutdown"), "control domain must not reach the pool")

	resp, _ = env.do(t, http.MethodPost, "/api/vms/missing/start")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/vms/uuid-b/start")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestVMActionRemoteFailure(t *testing.T) {
	env := newTestEnv(t)
	env.pool.Fail("VM.start", xapitest.Failure{Code: "VM_BAD_POWER_STATE", Params: []string{refBeta, "halted", "running"}})

	resp, body := env.do(t, http.MethodPost, "/api/vms/uuid-b/start")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "VM_BAD_POWER_STATE", apiErr.Code)
	assert.Contains(t, apiErr.ErrorMessage, "uuid-b")
}

func TestStatusAndHealth(t *testing.T) {
	env := newTestEnv(t)

	require.Eventually(t, func() bool {
		return env.registry.Synchronizer().EventToken() != ""
	}, 2*time.Second, 10*time.Millisecond)

	resp, body := env.do(t, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "lab-pool", status["pool"])
	assert.Equal(t, env.pool.Host(), status["host"])
	assert.Equal(t, true, status["eventCursor"])
	assert.Equal(t, float64(2), status["vms"])
	assert.Equal(t, float64(1), status["controlDomains"])
	assert.Equal(t, "v1.2.3", status["version"])
	assert.Equal(t, map[string]any{"inventory": "running", "events": "running", "metrics": "running"}, status["loops"])

	resp, body = env.do(t, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	resp, body = env.do(t, http.MethodGet, "/api/version")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"version":"v1.2.3"}`, string(body))
}

func TestHealthReportsTerminatedLoop(t *testing.T) {
	env := newTestEnv(t)
	env.pool.Fail("rrd_updates", xapitest.Failure{Status: http.StatusInternalServerError})

	require.Eventually(t, func() bool {
		return env.registry.Synchronizer().State(monitoring.LoopMetrics) == monitoring.LoopTerminated
	}, 2*time.Second, 10*time.Millisecond)

	resp, body := env.do(t, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"status":"degraded"}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/metrics")
		return strings.Contains(string(body), "pulse_xen_poll_total") &&
			strings.Contains(string(body), "pulse_xen_http_requests_total")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLiveFeedPushesVMUpdates(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var initial struct {
		Type string        `json:"type"`
		Data InventoryView `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&initial))
	require.Equal(t, websocket.MessageInitialState, initial.Type)
	assert.Len(t, initial.Data.VMs, 2)

	env.pool.SetPowerState(refAlpha, "Paused")

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg struct {
			Type string `json:"type"`
			Data VMView `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg), "no vmUpdate for alpha before deadline")
		if msg.Type == websocket.MessageVMUpdate && msg.Data.UUID == "uuid-a" && msg.Data.PowerState == "Paused" {
			assert.False(t, msg.Data.Running)
			return
		}
	}
}

func TestInfiniteSamplesDoNotBreakViews(t *testing.T) {
	env := newTestEnv(t)
	env.pool.SetRRD([]byte(`{"meta":{"legend":["AVERAGE:vm:uuid-a:cpu0","AVERAGE:vm:uuid-a:memory"]},` +
		`"data":[{"t":1700000000,"values":["Infinity",2048]}]}`))
	require.Eventually(t, func() bool {
		return len(env.registry.Synchronizer().LatestRRD().Latest("vm", "uuid-a")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	resp, body := env.do(t, http.MethodGet, "/api/vms")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var inventory InventoryView
	require.NoError(t, json.Unmarshal(body, &inventory))
	require.Len(t, inventory.VMs, 2)
	assert.Equal(t, map[string]float64{"memory": 2048}, inventory.VMs[0].Metrics)

	resp, body = env.do(t, http.MethodGet, "/api/vms/uuid-a")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var view VMView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.NotContains(t, view.Metrics, "cpu0")

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg struct {
			Type string `json:"type"`
			Data VMView `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg), "no vmUpdate for alpha before deadline")
		if msg.Type == websocket.MessageVMUpdate && msg.Data.UUID == "uuid-a" && len(msg.Data.Metrics) > 0 {
			assert.Equal(t, map[string]float64{"memory": 2048}, msg.Data.Metrics)
			return
		}
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"plain error", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
		{"validation", internalerrors.NewXenError(internalerrors.ErrorTypeValidation, "start", "", nil), http.StatusBadRequest, "invalid_request"},
		{"auth", internalerrors.WrapAuthError("VM.start", "h", nil), http.StatusBadGateway, "upstream_auth"},
		{"timeout", internalerrors.NewXenError(internalerrors.ErrorTypeTimeout, "VM.start", "h", nil), http.StatusGatewayTimeout, "upstream_timeout"},
		{"transport", internalerrors.WrapTransportError("VM.start", "h", nil), http.StatusBadGateway, "upstream_unreachable"},
		{"remote with code", internalerrors.NewXenError(internalerrors.ErrorTypeRemote, "VM.start", "h", nil).WithDescription([]string{"VM_IS_TEMPLATE"}), http.StatusConflict, "VM_IS_TEMPLATE"},
		{"remote without code", internalerrors.WrapRemoteError("VM.start", "h", nil, 500), http.StatusBadGateway, "upstream_error"},
		{"wrapped", fmt.Errorf("start vm x: %w", internalerrors.WrapAuthError("VM.start", "h", nil)), http.StatusBadGateway, "upstream_auth"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, code := statusForError(tc.err)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantCode, code)
		})
	}
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "/"},
		{"/", "/"},
		{"/api/vms", "/api/vms"},
		{"/api/vms/0b6f6c3e-8a38-4c8e-9f7b-2a1f0c9d4e21/start", "/api/vms/:uuid/start"},
		{"/api/vms/uuid-a", "/api/vms/uuid-a"},
		{"/a/b/c/d/e/f", "/a/b/c/d"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, normalizeRoute(tc.in), tc.in)
	}
}
