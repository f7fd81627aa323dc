package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func clientFor(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return New(u.Hostname(), u.Port())
}

func TestPush(t *testing.T) {
	var gotMethod, gotPath, gotContentType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	err := c.Push(context.Background(), "find_stale_keys", []byte("stale_key_num{} 1\n"))
	require.NoError(t, err)

	require.Equal(t, http.MethodPut, gotMethod)
	require.Equal(t, "/metrics/job/find_stale_keys", gotPath)
	require.Equal(t, "application/octet-stream", gotContentType)
	require.Equal(t, "stale_key_num{} 1\n", gotBody)
}

func TestPushNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such job", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	err := c.Push(context.Background(), "find_stale_keys", []byte("x 1\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "400")
	require.Contains(t, err.Error(), "no such job")
}

func TestFromEnvRequiresHost(t *testing.T) {
	t.Setenv("GATEWAY_HOST", "")
	_, err := FromEnv()
	require.Error(t, err)

	t.Setenv("GATEWAY_HOST", "push.internal")
	t.Setenv("GATEWAY_PORT", "")
	c, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "http://push.internal:9091", c.baseURL)
}
