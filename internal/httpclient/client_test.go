package httpclient_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmwl/worklist-server/internal/httpclient"
)

// newTestServer creates a new test server with keep-alives disabled.
// This prevents flaky tests when running in parallel, as closing a server
// with keep-alives enabled can affect other tests sharing the HTTP transport.
func newTestServer(handler http.Handler) *httptest.Server {
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server
}

func TestNewDefaultClient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		timeout time.Duration
	}{
		{
			name:    "create client with custom timeout",
			timeout: 5 * time.Second,
		},
		{
			name:    "create client with zero timeout uses default",
			timeout: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := httpclient.NewDefaultClient(tt.timeout)

			require.NotNil(t, client, "client should not be nil")
		})
	}
}

func TestDefaultClient_Get(t *testing.T) {
	t.Parallel()

	var receivedUserAgent string
	var receivedAccept string

	mockServer := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedUserAgent = r.Header.Get("User-Agent")
		receivedAccept = r.Header.Get("Accept")

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message": "success"}`))
	}))
	defer mockServer.Close()

	client := httpclient.NewDefaultClient(30 * time.Second)

	data, err := client.Get(context.Background(), mockServer.URL)

	require.NoError(t, err)
	assert.Equal(t, []byte(`{"message": "success"}`), data)
	assert.Equal(t, "worklist-server/1.0", receivedUserAgent, "User-Agent header should be set correctly")
	assert.Equal(t, "application/json", receivedAccept, "Accept header should be set correctly")
}

func TestDefaultClient_Get_HTTPErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
	}{
		{name: "not found", statusCode: http.StatusNotFound},
		{name: "unauthorized", statusCode: http.StatusUnauthorized},
		{name: "server error", statusCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mockServer := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer mockServer.Close()

			client := httpclient.NewDefaultClient(30 * time.Second)

			_, err := client.Get(context.Background(), mockServer.URL)

			require.Error(t, err)
			assert.Contains(t, err.Error(), fmt.Sprintf("HTTP %d", tt.statusCode))
		})
	}
}

func TestDefaultClient_PostForm(t *testing.T) {
	t.Parallel()

	var receivedContentType string
	var receivedForm url.Values

	mockServer := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedContentType = r.Header.Get("Content-Type")
		require.NoError(t, r.ParseForm())
		receivedForm = r.PostForm

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer mockServer.Close()

	client := httpclient.NewDefaultClient(30 * time.Second)

	form := url.Values{}
	form.Set("content", "record")
	form.Set("format", "json")

	data, err := client.PostForm(context.Background(), mockServer.URL, form)

	require.NoError(t, err)
	assert.Equal(t, []byte(`[]`), data)
	assert.Equal(t, "application/x-www-form-urlencoded", receivedContentType)
	assert.Equal(t, "record", receivedForm.Get("content"))
	assert.Equal(t, "json", receivedForm.Get("format"))
}

func TestDefaultClient_BasicAuth(t *testing.T) {
	t.Parallel()

	mockServer := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "booker" || pass != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`ok`))
	}))
	defer mockServer.Close()

	authed := httpclient.NewDefaultClient(30*time.Second, httpclient.WithBasicAuth("booker", "hunter2"))
	data, err := authed.Get(context.Background(), mockServer.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)

	anonymous := httpclient.NewDefaultClient(30 * time.Second)
	_, err = anonymous.Get(context.Background(), mockServer.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestDefaultClient_Get_ContextCancellation(t *testing.T) {
	t.Parallel()

	mockServer := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	client := httpclient.NewDefaultClient(30 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Get(ctx, mockServer.URL)
	require.Error(t, err)
}
