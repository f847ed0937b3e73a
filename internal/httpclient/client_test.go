package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{Service: "test", BaseURL: srv.URL, Token: "tok", RateLimit: 1000, RateBurst: 100})
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Get("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	c := newTestClient(t, r)

	resp, err := c.Get(context.Background(), "/flaky", nil)
	require.NoError(t, err)
	var body struct{ OK bool }
	require.NoError(t, resp.JSON(&body))
	assert.True(t, body.OK)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	})
	c := newTestClient(t, r)

	resp, err := c.Get(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	require.NotNil(t, resp)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Get("/down", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := newTestClient(t, r)

	_, err := c.Get(context.Background(), "/down", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	assert.Equal(t, int32(4), calls.Load())
}

func TestSendJSON(t *testing.T) {
	r := chi.NewRouter()
	r.Patch("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "42", chi.URLParam(r, "id"))
		assert.Equal(t, "yes", r.URL.Query().Get("q"))
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, r)

	resp, err := c.SendJSON(context.Background(), http.MethodPatch, "/things/42", map[string][]string{"q": {"yes"}}, map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestResolve(t *testing.T) {
	c := New(Config{BaseURL: "https://api.example.com/"})
	assert.Equal(t, "https://api.example.com/a/b", c.resolve("/a/b"))
	assert.Equal(t, "https://other.example.com/x", c.resolve("https://other.example.com/x"))
	assert.Equal(t, "https://api.example.com/", c.resolve(""))
}

func TestHTTPError_TruncatesBody(t *testing.T) {
	body := make([]byte, 2000)
	for i := range body {
		body[i] = 'x'
	}
	err := &HTTPError{StatusCode: 500, Method: "GET", URL: "u", Body: body}
	assert.Less(t, len(err.Error()), 600)
	assert.True(t, err.Retryable())
	assert.False(t, (&HTTPError{StatusCode: 400}).Retryable())
}
