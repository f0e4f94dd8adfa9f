package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProbe(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		opts      []ProbeOption
		reachable bool
	}{
		{name: "ok", status: http.StatusOK, reachable: true},
		{name: "redirect within default range", status: http.StatusFound, reachable: true},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "narrowed range rejects redirect", status: http.StatusFound, opts: []ProbeOption{WithAccept(200, 299)}},
		{name: "narrowed range accepts created", status: http.StatusCreated, opts: []ProbeOption{WithAccept(200, 299)}, reachable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "no-store", r.Header.Get("Cache-Control"))
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := server.Client()
			client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
			opts := append([]ProbeOption{WithProbeClient(client)}, tt.opts...)

			result := NewHTTPProbe(server.URL, time.Second, opts...).Check(context.Background())
			assert.Equal(t, tt.reachable, result.Reachable, result.Message)
			assert.False(t, result.CheckedAt.IsZero())
		})
	}
}

func TestHTTPProbe_Header(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "anon" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	assert.False(t, NewHTTPProbe(server.URL, time.Second).Check(context.Background()).Reachable)
	assert.True(t, NewHTTPProbe(server.URL, time.Second, WithHeader("apikey", "anon")).Check(context.Background()).Reachable)
}

func TestHTTPProbe_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPProbe(server.URL, 50*time.Millisecond).Check(context.Background())
	assert.False(t, result.Reachable)
	assert.Contains(t, result.Message, "backend unreachable")
}

func TestHTTPProbe_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	assert.False(t, NewHTTPProbe(url, time.Second).Check(context.Background()).Reachable)
}

func TestDialProbe(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	probe, err := NewDialProbe(server.URL, time.Second)
	require.NoError(t, err)
	assert.True(t, probe.Check(context.Background()).Reachable)
	assert.Equal(t, CheckTypeTCP, probe.Type())
}

func TestDialAddress(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "http://backend.local:8788/rest/v1", want: "backend.local:8788"},
		{url: "https://project.example.co", want: "project.example.co:443"},
		{url: "http://localhost", want: "localhost:80"},
		{url: "/relative/only", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := dialAddress(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewChecker(t *testing.T) {
	c, err := NewChecker(CheckTypeHTTP, "http://localhost/health", time.Second)
	require.NoError(t, err)
	assert.Equal(t, CheckTypeHTTP, c.Type())

	c, err = NewChecker(CheckTypeTCP, "http://localhost:9", time.Second)
	require.NoError(t, err)
	assert.Equal(t, CheckTypeTCP, c.Type())

	_, err = NewChecker("exec", "http://localhost", time.Second)
	assert.Error(t, err)
}

func TestConnectivity_Apply(t *testing.T) {
	now := time.Now()
	c := newConnectivity(now)

	assert.False(t, c.apply(Result{Message: "refused", CheckedAt: now}, 2))
	assert.True(t, c.Online)

	later := now.Add(time.Second)
	assert.True(t, c.apply(Result{Message: "refused", CheckedAt: later}, 2))
	assert.False(t, c.Online)
	assert.Equal(t, later, c.Since)

	assert.True(t, c.apply(Result{Reachable: true, CheckedAt: later.Add(time.Second)}, 2))
	assert.Zero(t, c.Failures)
}
