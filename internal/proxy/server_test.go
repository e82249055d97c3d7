package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go-replicate-studio/internal/api"
	"go-replicate-studio/internal/models"
	"go-replicate-studio/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstreamCall struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]interface{}
}

type fakeReplicate struct {
	*httptest.Server
	mu    sync.Mutex
	calls []upstreamCall
}

func newFakeReplicate(t *testing.T) *fakeReplicate {
	f := &fakeReplicate{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := upstreamCall{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			json.Unmarshal(raw, &call.Body)
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		f.mu.Unlock()

		if call.Auth != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"detail":"Invalid token."}`)
			return
		}
		get := f.URL + "/v1/predictions/p1"
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
			fmt.Fprintf(w, `{"id":"p1","status":"canceled"}`)
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id":"p1","status":"starting","urls":{"get":%q,"cancel":%q}}`, get, get+"/cancel")
		default:
			fmt.Fprintf(w, `{"id":"p1","status":"succeeded","output":["https://x/img.png"],"logs":"Using seed: 777\nstep 1"}`)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeReplicate) Calls() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

func newTestProxy(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, auth string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestClientThroughProxy(t *testing.T) {
	upstream := newFakeReplicate(t)
	proxy := newTestProxy(t, Options{ReplicateBaseURL: upstream.URL + "/v1"})
	client := api.NewClient(proxy.URL, "good-key", proxy.Client())
	ctx := context.Background()

	pred, handle, err := client.Submit(ctx, models.SubmitBody{
		Model: "black-forest-labs/flux-dev",
		Input: map[string]interface{}{"prompt": "a cat"},
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", pred.ID)
	assert.Equal(t, upstream.URL+"/v1/predictions/p1", handle.GetURL)

	got, err := client.Get(ctx, handle.GetURL)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	require.NotNil(t, got.ExtractedSeed)
	assert.Equal(t, int64(777), *got.ExtractedSeed)

	require.NoError(t, client.Cancel(ctx, handle.CancelURL))

	calls := upstream.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "/v1/models/black-forest-labs/flux-dev/predictions", calls[0].Path)
	assert.Equal(t, map[string]interface{}{"prompt": "a cat"}, calls[0].Body["input"])
	assert.Equal(t, "Bearer good-key", calls[0].Auth)
	assert.Equal(t, http.MethodGet, calls[1].Method)
	assert.Equal(t, "/v1/predictions/p1/cancel", calls[2].Path)
}

func TestVersionedSubmitAndLegacyKey(t *testing.T) {
	upstream := newFakeReplicate(t)
	proxy := newTestProxy(t, Options{ReplicateBaseURL: upstream.URL + "/v1"})

	status, out := postJSON(t, proxy.URL+api.ReplicateRoute, "", map[string]interface{}{
		"apiKey": "good-key",
		"body":   map[string]interface{}{"version": "abc123", "input": map[string]interface{}{"prompt": "x"}},
	})
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "p1", out["id"])

	calls := upstream.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/v1/predictions", calls[0].Path)
	assert.Equal(t, "abc123", calls[0].Body["version"])
}

func TestReplicateRouteRejects(t *testing.T) {
	upstream := newFakeReplicate(t)
	proxy := newTestProxy(t, Options{ReplicateBaseURL: upstream.URL + "/v1"})
	route := proxy.URL + api.ReplicateRoute

	tests := []struct {
		name   string
		auth   string
		body   interface{}
		status int
	}{
		{"missing key", "", map[string]string{"getUrl": upstream.URL + "/v1/predictions/p1"}, http.StatusUnauthorized},
		{"foreign host", "good-key", map[string]string{"getUrl": "http://169.254.169.254/latest/meta-data"}, http.StatusBadRequest},
		{"outside base path", "good-key", map[string]string{"getUrl": upstream.URL + "/admin"}, http.StatusBadRequest},
		{"dot segments", "good-key", map[string]string{"cancelUrl": upstream.URL + "/v1/../admin"}, http.StatusBadRequest},
		{"empty envelope", "good-key", map[string]string{}, http.StatusBadRequest},
		{"model without owner", "good-key", map[string]interface{}{"body": map[string]interface{}{"model": "flux", "input": map[string]interface{}{}}}, http.StatusBadRequest},
		{"upstream auth failure relayed", "bad-key", map[string]string{"getUrl": upstream.URL + "/v1/predictions/p1"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := postJSON(t, route, tt.auth, tt.body)
			assert.Equal(t, tt.status, status)
		})
	}
	// Only the relayed auth failure reached the upstream.
	assert.Len(t, upstream.Calls(), 1)
}

func TestSpliceSeed(t *testing.T) {
	assert.JSONEq(t, `{"logs":"Using seed: 42","extractedSeed":42}`, string(spliceSeed([]byte(`{"logs":"Using seed: 42"}`))))
	assert.Equal(t, `{"logs":"no seed"}`, string(spliceSeed([]byte(`{"logs":"no seed"}`))))
	assert.Equal(t, `[1,2]`, string(spliceSeed([]byte(`[1,2]`))))
}

func TestTelemetryRoute(t *testing.T) {
	store, err := telemetry.OpenStore(filepath.Join(t.TempDir(), "telemetry.sqlite"))
	require.NoError(t, err)
	defer store.Close()
	proxy := newTestProxy(t, Options{ReplicateBaseURL: "https://api.replicate.com/v1", Telemetry: store, TelemetrySalt: "salt"})
	route := proxy.URL + api.TelemetryRoute

	status, out := postJSON(t, route, "", models.TelemetryRecord{RequestID: "r1", UserHash: "abc", FinalStatus: "succeeded"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), out["id"])

	status, out = postJSON(t, route, "", models.TelemetryRecord{RequestID: "r2"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["skipped"])

	status, out = postJSON(t, route, "", map[string]interface{}{"requestId": "r3", "apiKey": "secret"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), out["id"])

	recent, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	for _, rec := range recent {
		assert.NotEqual(t, "secret", rec.UserHash)
		assert.NotEmpty(t, rec.UserHash)
	}

	// Through the client-side flusher.
	res, err := telemetry.NewHTTPFlusher(route, proxy.Client()).Flush(context.Background(), models.TelemetryRecord{RequestID: "r4", UserHash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.ID)
}

func TestTelemetryRouteWithoutStoreSkips(t *testing.T) {
	proxy := newTestProxy(t, Options{ReplicateBaseURL: "https://api.replicate.com/v1"})
	_, out := postJSON(t, proxy.URL+api.TelemetryRoute, "", models.TelemetryRecord{UserHash: "abc"})
	assert.Equal(t, true, out["skipped"])
}

func TestPexelsRoute(t *testing.T) {
	var gotAuth, gotPerPage, gotQuery string
	pexels := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPerPage = r.URL.Query().Get("per_page")
		gotQuery = r.URL.Query().Get("query")
		fmt.Fprint(w, `{"photos":[{"id":1,"width":10,"height":20,"src":{"large":"https://p/1.jpg"}}]}`)
	}))
	defer pexels.Close()

	proxy := newTestProxy(t, Options{ReplicateBaseURL: "https://api.replicate.com/v1", PexelsBaseURL: pexels.URL, PexelsApiKey: "px"})
	client := api.NewClient(proxy.URL, "", proxy.Client())

	photos, err := client.SearchReferences(context.Background(), "harbour fog", 500)
	require.NoError(t, err)
	require.Len(t, photos, 1)
	assert.Equal(t, "https://p/1.jpg", photos[0].Src.Large)
	assert.Equal(t, "px", gotAuth)
	assert.Equal(t, "80", gotPerPage)
	assert.Equal(t, "harbour fog", gotQuery)

	unconfigured := newTestProxy(t, Options{ReplicateBaseURL: "https://api.replicate.com/v1"})
	_, err = api.NewClient(unconfigured.URL, "", unconfigured.Client()).SearchReferences(context.Background(), "x", 1)
	assert.Error(t, err)
}

func TestHealthAndCORS(t *testing.T) {
	proxy := newTestProxy(t, Options{ReplicateBaseURL: "https://api.replicate.com/v1"})

	resp, err := http.Get(proxy.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodOptions, proxy.URL+api.ReplicateRoute, nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{ReplicateBaseURL: "not a url"})
	assert.Error(t, err)
}

func TestStartLocal(t *testing.T) {
	s, err := New(Options{ReplicateBaseURL: "https://api.replicate.com/v1"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base, err := s.StartLocal(ctx)
	require.NoError(t, err)
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
