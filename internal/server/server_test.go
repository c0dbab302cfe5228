package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btt-go/btt-sync/internal/coord"
	"github.com/btt-go/btt-sync/internal/fleet"
	"github.com/btt-go/btt-sync/internal/metrics"
	"github.com/btt-go/btt-sync/internal/publish"
	"github.com/btt-go/btt-sync/internal/resource"
)

type managerFixture struct {
	handler http.Handler
	store   *coord.Client
	fleet   *fleet.Fleet
	src     string
}

func newManagerFixture(t *testing.T) managerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store := coord.NewClient(coord.Options{Addr: mr.Addr()}, nil)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	src := t.TempDir()
	gw := publish.New(store, publish.Options{Root: "/config-center", SourceDir: src}, m)
	f := fleet.New(store, fleet.Options{Root: "/config-center", TTL: 5 * time.Second})

	return managerFixture{
		handler: NewManagerHandler(gw, f, reg),
		store:   store,
		fleet:   f,
		src:     src,
	}
}

func do(t *testing.T, h http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestManager_PublishJSONBody(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.src, "order.properties"), []byte("order.a=1\n"), 0o644))

	rec := do(t, f.handler, http.MethodPost, "/config/add", "application/json",
		`{"resourceName":"order","node":"/node-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[publishResponse](t, rec)
	assert.Contains(t, resp.Message, "/config-center/node-1/order.properties")
	assert.Empty(t, resp.Error)

	n, err := f.store.Read(context.Background(), "/config-center/node-1/order.properties")
	require.NoError(t, err)
	p, err := coord.DecodePayload(n.Data)
	require.NoError(t, err)
	assert.Equal(t, "order.a=1\n", p.Content)
}

func TestManager_PublishJSONWithCharset(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.src, "order.properties"), []byte("order.a=1\n"), 0o644))

	rec := do(t, f.handler, http.MethodPost, "/config/add", "application/json; charset=utf-8",
		`{"resourceName":"order","node":"node-2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ok, err := f.store.Exists(context.Background(), "/config-center/node-2/order.properties")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_PublishQueryParams(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(f.src, "order.properties"), []byte("order.a=1\n"), 0o644))

	rec := do(t, f.handler, http.MethodPost, "/config/update?name=order.properties", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ok, err := f.store.Exists(ctx, "/config-center/listener/order.properties")
	require.NoError(t, err)
	assert.True(t, ok)

	rec = do(t, f.handler, http.MethodPost, "/config/del?name=order", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ok, err = f.store.Exists(ctx, "/config-center/listener/order.properties")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_PublishErrors(t *testing.T) {
	f := newManagerFixture(t)

	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"unknown action", "/config/rename?name=order", "", http.StatusBadRequest},
		{"missing name", "/config/add", "", http.StatusBadRequest},
		{"missing source", "/config/add?name=absent", "", http.StatusNotFound},
		{"malformed body", "/config/add", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := ""
			if tt.body != "" {
				ct = "application/json"
			}
			rec := do(t, f.handler, http.MethodPost, tt.target, ct, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[publishResponse](t, rec).Error)
		})
	}
}

func TestManager_Nodes(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	rec := do(t, f.handler, http.MethodGet, "/config/nodes", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	r, err := f.fleet.Register(ctx, fleet.Member{Name: "node-1", IP: "10.0.0.1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(ctx) })

	rec = do(t, f.handler, http.MethodGet, "/config/nodes", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"server.name":"node-1","server.ip":"10.0.0.1"}]`, rec.Body.String())
}

func TestManager_Content(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.store.Write(context.Background(), "/config-center/node-1/order.properties",
		[]byte(`{"content":"a=1","fileName":"order.properties"}`), coord.ModePersistent)
	require.NoError(t, err)

	rec := do(t, f.handler, http.MethodPost, "/config/content", "application/json",
		`{"node":"node-1","path":"/order.properties/"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[contentResponse](t, rec)
	assert.Equal(t, "/node-1/order.properties", resp.Path)
	assert.JSONEq(t, `{"content":"a=1","fileName":"order.properties"}`, resp.Data)

	rec = do(t, f.handler, http.MethodPost, "/config/content", "application/json",
		`{"node":"node-1","path":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, f.handler, http.MethodPost, "/config/content", "application/json",
		`{"node":"node-1","path":"../../etc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, f.handler, http.MethodPost, "/config/content", "application/json", `{"path":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManager_MetricsAndHealth(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.src, "order.properties"), []byte("a=1\n"), 0o644))
	do(t, f.handler, http.MethodPost, "/config/add?name=order", "", "")

	rec := do(t, f.handler, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `btt_sync_publish_total{action="add",result="success"} 1`)

	rec = do(t, f.handler, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNode_Resources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "order.properties"), []byte("order.timeout=30\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.properties"), []byte("app.name=btt\n"), 0o644))

	cache, err := resource.New(resource.Options{Dir: dir, DefaultPrefix: "config"}, nil)
	require.NoError(t, err)
	require.NoError(t, cache.Load(context.Background()))

	ready := make(chan struct{})
	h := NewNodeHandler(cache, ready, prometheus.NewRegistry())

	rec := do(t, h, http.MethodGet, "/resources", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"config":{"app.name":"btt"},"order":{"order.timeout":"30"}}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/resources/order.timeout", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, keyResponse{Key: "order.timeout", Value: "30"}, decode[keyResponse](t, rec))

	rec = do(t, h, http.MethodGet, "/resources/order.retry", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	close(ready)
	rec = do(t, h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ready := make(chan struct{})
	close(ready)
	srv := New("", NewNodeHandler(nil, ready, prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_DisabledWaitsForContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, New("", http.NotFoundHandler()).Run(ctx))
}
