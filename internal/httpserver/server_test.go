package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EchoPBX/agentweb-bridge/internal/config"
	"github.com/EchoPBX/agentweb-bridge/internal/events"
	"github.com/EchoPBX/agentweb-bridge/internal/hostview"
	"github.com/EchoPBX/agentweb-bridge/internal/monitoring"
	"github.com/EchoPBX/agentweb-bridge/internal/permission"
	"github.com/EchoPBX/agentweb-bridge/internal/syspermission"
	"github.com/EchoPBX/agentweb-bridge/internal/viewclient"
	"github.com/EchoPBX/agentweb-bridge/pkg/sdk"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	srv   *Server
	http  *httptest.Server
	store *syspermission.Store
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Parse([]byte("bridge:\n  close_delay: 50ms\n"))
	require.NoError(t, err)
	cfg.Permissions.Startup = []string{}
	store, err := syspermission.Open(filepath.Join(t.TempDir(), "grants.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus()
	srv := New(cfg, zap.NewNop(), bus, hostview.Deps{
		Store:   store,
		Policy:  permission.DefaultPolicy(),
		Metrics: monitoring.NewMetrics(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, http: ts, store: store, bus: bus}
}

func (f *fixture) wsURL(path string, q url.Values) string {
	u := "ws" + strings.TrimPrefix(f.http.URL, "http") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func getJSON(t *testing.T, u string, into any) int {
	t.Helper()
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInfoWithoutKeys(t *testing.T) {
	f := newFixture(t)
	var info map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, f.http.URL+"/v1/info", &info))
	assert.Equal(t, "agentweb-bridge", info["name"])
	assert.Equal(t, "agentWebBridge", info["objectName"])
	assert.Equal(t, float64(0), info["sessions"])
}

func TestLaunch(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		body, url, notice string
	}{
		{`{"url":"https://app.example.org","token":"t1"}`, "https://app.example.org?AiToken=t1", ""},
		{`{"url":""}`, config.DefaultBaseURL + "?AiToken=" + config.DefaultToken, ""},
		{`{"url":"ftp://x.org"}`, config.DefaultBaseURL + "?AiToken=" + config.DefaultToken, "URL format incorrect, using default URL"},
	}
	for _, c := range cases {
		resp, err := http.Post(f.http.URL+"/v1/launch", "application/json", strings.NewReader(c.body))
		require.NoError(t, err)
		var out struct{ URL, Notice string }
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		resp.Body.Close()
		assert.Equal(t, c.url, out.URL, c.body)
		assert.Equal(t, c.notice, out.Notice, c.body)
	}

	resp, err := http.Post(f.http.URL+"/v1/launch", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnvelopeSchema(t *testing.T) {
	f := newFixture(t)
	var schema map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, f.http.URL+"/v1/schema/envelope", &schema))
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "eventType")
	assert.Contains(t, props, "data")
	assert.Contains(t, schema["required"], "eventType")
}

func TestGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, permission.CapabilityMicrophone, true))

	var grants []syspermission.Grant
	require.Equal(t, http.StatusOK, getJSON(t, f.http.URL+"/v1/grants/", &grants))
	require.Len(t, grants, 1)
	assert.Equal(t, permission.CapabilityMicrophone, grants[0].Capability)

	req, _ := http.NewRequest(http.MethodDelete, f.http.URL+"/v1/grants/microphone", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	ok, err := f.store.Granted(ctx, permission.CapabilityMicrophone)
	require.NoError(t, err)
	assert.False(t, ok)

	req, _ = http.NewRequest(http.MethodDelete, f.http.URL+"/v1/grants/telepathy", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type frameLog struct {
	mu     sync.Mutex
	frames []hostview.Frame
}

func (l *frameLog) add(f hostview.Frame) {
	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()
}

func (l *frameLog) ops() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.frames))
	for _, f := range l.frames {
		out = append(out, f.Op)
	}
	return out
}

func TestBridgeSessionEndToEnd(t *testing.T) {
	f := newFixture(t)
	log := &frameLog{}
	vc := viewclient.New(viewclient.Options{
		URL:     f.wsURL("/v1/bridge", url.Values{"url": {"https://app.example.org"}, "token": {"abc"}}),
		Grant:   true,
		OnFrame: log.add,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- vc.Run(ctx) }()

	require.Eventually(t, func() bool { return contains(log.ops(), hostview.OpLoad) }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.srv.Sessions().Len())
	var sessions []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, f.http.URL+"/v1/sessions", &sessions))
	require.Len(t, sessions, 1)

	require.NoError(t, vc.Send(hostview.Frame{Op: hostview.OpPermissionRequest, ID: "p1", Resources: []string{"audio-capture"}}))
	require.Eventually(t, func() bool { return contains(log.ops(), hostview.OpPermissionResolved) }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, vc.CallNative(sdk.EventClick, map[string]any{"value": "close"}))
	require.NoError(t, <-done)

	ops := log.ops()
	assert.Equal(t, hostview.OpLoad, ops[0])
	assert.Equal(t, []string{hostview.OpSystemPrompt, hostview.OpPermissionResolved, hostview.OpEvaluate, hostview.OpClose}, ops[1:])
	assert.Equal(t, "https://app.example.org?AiToken=abc", log.frames[0].URL)

	ok, err := f.store.Granted(context.Background(), permission.CapabilityMicrophone)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Eventually(t, func() bool { return f.srv.Sessions().Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/v1/events", nil), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription lands shortly after the upgrade, so keep publishing
	// until the first event comes through.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				f.bus.Publish(sdk.Event{Type: "test.ping"})
			case <-stop:
				return
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev sdk.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "test.ping", ev.Type)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func TestInfoRequiresTokenWhenKeysConfigured(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "ops"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPath := filepath.Join(t.TempDir(), "ops.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))

	cfg, err := config.Parse([]byte("auth:\n  jwt_public_keys: [" + certPath + "]\n"))
	require.NoError(t, err)
	srv := New(cfg, zap.NewNop(), events.NewBus(), hostview.Deps{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	assert.Equal(t, http.StatusUnauthorized, getJSON(t, ts.URL+"/v1/info", nil))

	tok, err := gojwt.NewWithClaims(gojwt.SigningMethodRS256, gojwt.MapClaims{"sub": "ops"}).SignedString(key)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/info", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open.
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", nil))
}

func TestReloadSwapsLauncherDefaults(t *testing.T) {
	f := newFixture(t)
	cfg, err := config.Parse([]byte("launcher:\n  default_url: https://next.example.org/home\n  default_token: fresh\n"))
	require.NoError(t, err)
	f.srv.Reload(cfg)

	resp, err := http.Post(f.http.URL+"/v1/launch", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct{ URL string }
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "https://next.example.org/home?AiToken=fresh", out.URL)
}
