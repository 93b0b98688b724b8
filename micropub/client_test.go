package micropub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient creates a Client pointed at the given httptest server.
func newTestClient(srv *httptest.Server, token string) *Client {
	return NewClient(srv.Client(), srv.URL, token)
}

func TestDo_SetsBearerTokenAndAccept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, "tok123")
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestDo_EncodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "config", r.URL.Query().Get("q"))
		w.Write([]byte(`{"media-endpoint":"https://media.example.com/upload"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, "t")
	resp, err := c.Do(context.Background(), NewConfigRequest())
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com/upload", MediaEndpointFromConfig(resp.Body))
}

func TestDo_URLOverrideTakesPrecedence(t *testing.T) {
	hit := false
	override := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.Write([]byte(`{}`))
	}))
	defer override.Close()

	main := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("main endpoint should not be called")
	}))
	defer main.Close()

	c := newTestClient(main, "t")
	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, URL: override.URL})
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestDo_TransportFailureIsServiceError(t *testing.T) {
	c := NewClient(&http.Client{Timeout: 50 * time.Millisecond}, "http://127.0.0.1:1", "t")
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindService))
}

func TestResponseErr_NilForSuccess(t *testing.T) {
	r := &Response{Status: 201, Header: http.Header{}}
	assert.Nil(t, r.Err())
}

func TestResponseErr_AuthStatuses(t *testing.T) {
	for _, status := range []int{401, 403} {
		r := &Response{Status: status, Header: http.Header{}}
		err := r.Err()
		require.NotNil(t, err)
		assert.Equal(t, KindAuth, err.Kind)
	}
}

func TestResponseErr_RateLimitCarriesRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "60")
	r := &Response{Status: 429, Header: h}
	err := r.Err()
	require.NotNil(t, err)
	assert.Equal(t, KindRateLimit, err.Kind)
	assert.Equal(t, 60, err.RetryAfter)
}

func TestResponseErr_ServiceFor5xx(t *testing.T) {
	r := &Response{Status: 502, Header: http.Header{}, Body: []byte(`{"error":"bad gateway"}`)}
	err := r.Err()
	require.NotNil(t, err)
	assert.Equal(t, KindService, err.Kind)
	assert.Contains(t, err.Message, "bad gateway")
}

func TestRetryAfterSeconds_HTTPDate(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))
	r := &Response{Status: 429, Header: h}
	secs := r.RetryAfterSeconds()
	assert.Greater(t, secs, 80)
	assert.LessOrEqual(t, secs, 91)
}

func TestRetryAfterSeconds_AbsentIsZero(t *testing.T) {
	r := &Response{Status: 429, Header: http.Header{}}
	assert.Equal(t, 0, r.RetryAfterSeconds())
}

func TestResponseJSON_MalformedBodyIsSchemaError(t *testing.T) {
	r := &Response{Status: 200, Header: http.Header{}, Body: []byte(`{"url": `)}
	_, err := r.JSON()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSchema))
}

func TestResponseJSON_EmptyBodyIsNotAnError(t *testing.T) {
	r := &Response{Status: 200, Header: http.Header{}, Body: nil}
	res, err := r.JSON()
	require.NoError(t, err)
	assert.False(t, res.Exists())
}

func TestNewSectionRequest(t *testing.T) {
	req := NewSectionRequest("post", "published")
	assert.Equal(t, url.Values{
		"q":           {"source"},
		"post-type":   {"post"},
		"post-status": {"published"},
	}, req.Query)
}
