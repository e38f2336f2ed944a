package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticToken is a TokenSource returning a fixed token.
type staticToken string

func (s staticToken) Token() (string, error) {
	return string(s), nil
}

// noSleep replaces the retry delay in tests.
func noSleep(_ context.Context, _ time.Duration) error {
	return nil
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewClient(server.URL, server.Client(), staticToken("test-token"), nil)
	c.sleepFunc = noSleep

	return c
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth, gotAgent string

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		w.Write([]byte(`{}`))
	}))

	var out struct{}
	require.NoError(t, c.getJSON(context.Background(), "/organizations", nil, &out))
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, userAgent, gotAgent)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls int

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.Write([]byte(`{"ok":true}`))
	}))

	var out struct {
		OK bool `json:"ok"`
	}

	require.NoError(t, c.getJSON(context.Background(), "/x", nil, &out))
	assert.True(t, out.OK)
	assert.Equal(t, 3, calls)
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad"}`))
	}))

	var out struct{}
	err := c.getJSON(context.Background(), "/x", nil, &out)

	require.ErrorIs(t, err, ErrBadRequest)
	assert.Equal(t, 1, calls)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "bad")
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))

	var out struct{}
	err := c.getJSON(context.Background(), "/x", nil, &out)

	require.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, maxRetries+1, calls)
}

func TestClientStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
	}

	for _, tt := range tests {
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		var out struct{}
		err := c.getJSON(context.Background(), "/x", nil, &out)
		require.ErrorIs(t, err, tt.want)
	}
}

func TestClientRespectsContextCancellation(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out struct{}
	err := c.getJSON(ctx, "/x", nil, &out)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryBackoffHonorsRetryAfter(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"7"}},
	}

	assert.Equal(t, 7*time.Second, retryBackoff(resp, 0))
}

func TestCalcBackoffCapped(t *testing.T) {
	for attempt := range 20 {
		b := calcBackoff(attempt)
		assert.Positive(t, b)
		assert.LessOrEqual(t, b, time.Duration(float64(maxBackoff)*(1+jitterFraction)))
	}
}
