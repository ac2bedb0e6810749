package ota

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, image []byte, cfg ServerConfig) (*Server, *Signal, string) {
	t.Helper()

	cfg.Addr = "127.0.0.1:0"
	cfg.Logger = quietLogger()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	sig := NewSignal()
	srv := NewServer(cfg, image, sig)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Close() })

	return srv, sig, "http://" + srv.Addr().String()
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestServer_ServesFirmware(t *testing.T) {
	image := make([]byte, 1024)
	sum := md5.Sum(image)

	reg := prometheus.NewRegistry()
	srv, sig, base := startServer(t, image, ServerConfig{Path: DefaultPath, Metrics: NewMetrics(reg)})

	resp, body := get(t, base+DefaultPath)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1024), resp.ContentLength)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.True(t, resp.Close, "response must close the connection")

	served := md5.Sum(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), hex.EncodeToString(served[:]))
	assert.True(t, sig.IsSet())

	select {
	case <-srv.Done():
	case <-time.After(time.Second):
		t.Fatal("serve loop did not exit after completion")
	}
	assert.NoError(t, srv.Err())
	assert.Equal(t, float64(1024), testutil.ToFloat64(srv.cfg.Metrics.BytesServed))
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.cfg.Metrics.Completed))
}

func TestServer_Headers(t *testing.T) {
	image := []byte("firmware-bytes")
	srv := NewServer(ServerConfig{Logger: quietLogger()}, image, NewSignal())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultPath, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "14", rec.Header().Get("Content-Length"))
	assert.Equal(t, "close", rec.Header().Get("Connection"))
	assert.Equal(t, image, rec.Body.Bytes())
}

func TestServer_OtherPathsNotFound(t *testing.T) {
	sig := NewSignal()
	srv := NewServer(ServerConfig{Logger: quietLogger()}, []byte{1, 2, 3}, sig)

	for _, path := range []string{"/", "/index.html", "/firmware.bin.bak", "/firmware.bin?x=1", "/other/firmware.bin"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	assert.False(t, sig.IsSet())
}

func TestServer_MethodNotAllowed(t *testing.T) {
	sig := NewSignal()
	srv := NewServer(ServerConfig{Logger: quietLogger()}, []byte{1}, sig)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, DefaultPath, nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.False(t, sig.IsSet())
}

func TestServer_SecondRequestRejected(t *testing.T) {
	sig := NewSignal()
	srv := NewServer(ServerConfig{Logger: quietLogger()}, []byte{1, 2}, sig)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, sig.IsSet())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultPath, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, sig.IsSet(), "signal is never reset")
}

func TestServer_CustomPath(t *testing.T) {
	_, sig, base := startServer(t, []byte("abc"), ServerConfig{Path: "/ota/light.bin"})

	resp, _ := get(t, base+DefaultPath)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, sig.IsSet())

	resp, body := get(t, base+"/ota/light.bin")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("abc"), body)
	assert.True(t, sig.IsSet())
}

func TestServer_ServeTimeout(t *testing.T) {
	srv, sig, _ := startServer(t, []byte{1}, ServerConfig{MaxServe: 100 * time.Millisecond})

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop ignored MaxServe")
	}
	assert.ErrorIs(t, srv.Err(), ErrServeTimeout)
	assert.False(t, sig.IsSet())
}

func TestServer_CloseWithinPollInterval(t *testing.T) {
	srv, _, base := startServer(t, []byte{1}, ServerConfig{PollInterval: 50 * time.Millisecond})

	start := time.Now()
	require.NoError(t, srv.Close())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.NoError(t, srv.Err())

	// Idempotent.
	require.NoError(t, srv.Close())

	_, err := http.Get(base + DefaultPath)
	assert.Error(t, err, "listener must be closed after teardown")
}

func TestServer_StartTwice(t *testing.T) {
	srv, _, _ := startServer(t, []byte{1}, ServerConfig{})
	assert.Error(t, srv.Start(context.Background()))
}

func TestServer_CloseBeforeStart(t *testing.T) {
	srv := NewServer(ServerConfig{Logger: quietLogger()}, []byte{1}, NewSignal())
	assert.NoError(t, srv.Close())
}

func TestMetrics_RequestCodes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	_, _, base := startServer(t, []byte{1}, ServerConfig{Metrics: m})

	get(t, base+"/missing")
	get(t, base+DefaultPath)

	// The access log runs after the body has been written.
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Requests.WithLabelValues("404")) == 1 &&
			testutil.ToFloat64(m.Requests.WithLabelValues("200")) == 1
	}, time.Second, 10*time.Millisecond)
}
