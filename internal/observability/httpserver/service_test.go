package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "datawatch/pkg/logx"
)

func testSources() Sources {
	return Sources{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "datawatch_up 1\n")
		}),
		Schedules: func() any { return []map[string]string{{"source": "COINBASE", "state": "armed"}} },
		Variables: func() []string { return []string{"token"} },
	}
}

func get(t *testing.T, h http.Handler, target, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	s := New(Config{}, testSources(), logx.Nop())
	h := s.routes(Config{Pprof: true})

	rec := get(t, h, "/schedules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `[{"source":"COINBASE","state":"armed"}]`, rec.Body.String())

	assert.JSONEq(t, `["token"]`, get(t, h, "/variables", "").Body.String())
	assert.Equal(t, "datawatch_up 1\n", get(t, h, "/metrics", "").Body.String())
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", "").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/broker", "").Code)
}

func TestPprofDisabledAndCustomPrefix(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Sources{}, logx.Nop())
	assert.Equal(t, http.StatusNotFound, get(t, s.routes(Config{}), "/debug/pprof/", "").Code)

	h := s.routes(Config{Pprof: true, PprofPrefix: "ops/prof"})
	assert.Equal(t, http.StatusOK, get(t, h, "/ops/prof/", "").Code)
	assert.Equal(t, http.StatusPermanentRedirect, get(t, h, "/ops/prof", "").Code)
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{}, testSources(), logx.Nop())
	h := s.routes(Config{Token: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/schedules", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/schedules", "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/schedules?token=wrong", "s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/schedules", "s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/schedules?token=s3cret", "").Code)
	// liveness stays open without a token
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", "").Code)
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	var ready error = errors.New("scheduler stopped")
	s := New(Config{}, Sources{Ready: func() error { return ready }}, logx.Nop())
	h := s.routes(Config{})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz", "").Code)
	ready = nil
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz", "").Code)
}

func TestFires(t *testing.T) {
	t.Parallel()
	var gotSource string
	var gotLimit int
	s := New(Config{}, Sources{Fires: func(_ context.Context, source string, limit int) (any, error) {
		gotSource, gotLimit = source, limit
		return []map[string]string{{"source": source, "outcome": "ok"}}, nil
	}}, logx.Nop())
	h := s.routes(Config{})

	rec := get(t, h, "/fires?source=TD_AUTH&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"source":"TD_AUTH","outcome":"ok"}]`, rec.Body.String())
	assert.Equal(t, "TD_AUTH", gotSource)
	assert.Equal(t, 5, gotLimit)

	get(t, h, "/fires", "")
	assert.Equal(t, "", gotSource)
	assert.Equal(t, 50, gotLimit)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/fires?limit=-1", "").Code)
}

func TestFiresDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Sources{Fires: func(context.Context, string, int) (any, error) {
		return nil, ErrNotConfigured
	}}, logx.Nop())
	assert.Equal(t, http.StatusNotFound, get(t, s.routes(Config{}), "/fires", "").Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:80":   true,
		"[::1]:9464":     true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.5:9464":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServeAndStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, testSources(), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Equal(t, "", s.Addr())
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	err := s.serveOnce(context.Background())
	assert.ErrorContains(t, err, "insecure bind")
}
