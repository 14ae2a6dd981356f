package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datawatch/internal/task/job"
)

func TestFetchGetWithHeaders(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, []string{"a", "b"}, r.Header.Values("X-Multi"))
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	at := time.Unix(1700000000, 0)
	c := New(Config{}, WithClock(func() time.Time { return at }))
	resp, err := c.Fetch(context.Background(), Request{
		Method:  job.MethodGet,
		URL:     srv.URL + "/x?apikey=secret",
		Headers: []job.Header{{Name: "X-Multi", Value: "a"}, {Name: "X-Multi", Value: "b"}, {Name: "Authorization", Value: "Bearer t"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.True(t, resp.Received.Equal(at))
}

func TestFetchPostIsForm(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	_, err := New(Config{}).Fetch(context.Background(), Request{
		Method: job.MethodPost,
		URL:    srv.URL,
		Body:   "grant_type=refresh_token&refresh_token=abc",
	})
	require.NoError(t, err)
}

func TestFetchNon2xxIsTransportError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{}).Fetch(context.Background(), Request{URL: srv.URL + "?key=secret"})
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, te.Status)
	assert.ErrorIs(t, err, ErrStatus)
	assert.NotContains(t, err.Error(), "secret")
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(Config{}).Fetch(context.Background(), Request{URL: srv.URL, Timeout: 50 * time.Millisecond})
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.True(t, te.Timeout(), "got %v", err)
}

func TestFetchConnectionRefused(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), Request{URL: url})
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Zero(t, te.Status)
}

func TestFetchBodyLimit(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 64))
	}))
	defer srv.Close()

	_, err := New(Config{MaxBodyBytes: 16}).Fetch(context.Background(), Request{URL: srv.URL})
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestFetchRateLimitHonorsContext(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := New(Config{RateLimit: 0.001, Burst: 1})
	_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Fetch(ctx, Request{URL: srv.URL})
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
}
