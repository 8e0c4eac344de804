package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestServer(t *testing.T) *Server {
	server, err := NewServer(ServerOptions{
		Port:               3000,
		Host:               "0.0.0.0",
		RegistryPath:       filepath.Join(t.TempDir(), "registry.json"),
		RateLimitPerMinute: 100,
		DefaultTimeout:     30 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { server.limiter.Stop() })
	return server
}

func okHandler(ctx context.Context, params WebhookParams) (WebhookResponse, error) {
	return WebhookResponse{Status: http.StatusOK}, nil
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestNewServer(t *testing.T) {
	server := createTestServer(t)
	assert.NotNil(t, server.endpoints)
	assert.NotNil(t, server.limiter)
	assert.NotNil(t, server.metrics)
}

func TestNewServerDefaults(t *testing.T) {
	server, err := NewServer(ServerOptions{RegistryPath: filepath.Join(t.TempDir(), "registry.json")}, zerolog.Nop())
	require.NoError(t, err)
	defer server.limiter.Stop()

	assert.Equal(t, 3000, server.opts.Port)
	assert.Equal(t, "0.0.0.0", server.opts.Host)
	assert.Equal(t, 100, server.opts.RateLimitPerMinute)
	assert.Equal(t, 30*time.Second, server.opts.DefaultTimeout)
}

func TestRegisterWebhook(t *testing.T) {
	server := createTestServer(t)

	require.NoError(t, server.RegisterWebhook(WebhookConfig{
		Path:    "/hooks/test",
		Method:  http.MethodPost,
		Handler: okHandler,
	}))

	ep := server.lookup("/hooks/test", http.MethodPost)
	require.NotNil(t, ep)
	assert.Equal(t, "/hooks/test", ep.Path)
	assert.Equal(t, http.MethodPost, ep.Method)
}

func TestRegisterWebhookRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  WebhookConfig
		wantErr string
	}{
		{
			name:    "path without leading slash",
			config:  WebhookConfig{Path: "no-slash", Method: http.MethodPost, Handler: okHandler},
			wantErr: "must start with /",
		},
		{
			name:    "unsupported method",
			config:  WebhookConfig{Path: "/hooks/test", Method: "TRACE", Handler: okHandler},
			wantErr: "invalid HTTP method",
		},
		{
			name:    "nil handler",
			config:  WebhookConfig{Path: "/hooks/test", Method: http.MethodPost},
			wantErr: "handler is required",
		},
	}

	server := createTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := server.RegisterWebhook(tt.config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUnregisterWebhook(t *testing.T) {
	server := createTestServer(t)

	require.NoError(t, server.RegisterWebhook(WebhookConfig{
		Path:    "/hooks/test",
		Method:  http.MethodPost,
		Handler: okHandler,
	}))

	assert.True(t, server.UnregisterWebhook("/hooks/test", http.MethodPost))
	assert.Nil(t, server.lookup("/hooks/test", http.MethodPost))

	assert.False(t, server.UnregisterWebhook("/hooks/never-registered", http.MethodPost))
}

func TestListWebhooks(t *testing.T) {
	server := createTestServer(t)

	for _, cfg := range []WebhookConfig{
		{Path: "/hooks/one", Method: http.MethodPost, Handler: okHandler},
		{Path: "/hooks/two", Method: http.MethodGet, Handler: okHandler},
	} {
		require.NoError(t, server.RegisterWebhook(cfg))
	}

	assert.Len(t, server.ListWebhooks(), 2)
}

func TestListWebhooksRedactsSecrets(t *testing.T) {
	server := createTestServer(t)

	require.NoError(t, server.RegisterWebhook(WebhookConfig{
		Path:    "/hooks/test",
		Method:  http.MethodPost,
		Secret:  "my-secret-key",
		Handler: okHandler,
	}))

	entries := server.ListWebhooks()
	require.Len(t, entries, 1)
	assert.Equal(t, "[REDACTED]", entries[0].Secret)
}

func TestHandleHealth(t *testing.T) {
	server := createTestServer(t)

	w := httptest.NewRecorder()
	server.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotNil(t, body["uptime"])
	assert.NotNil(t, body["webhookCount"])

	w = httptest.NewRecorder()
	server.handleHealth(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestDispatchSuccess(t *testing.T) {
	server := createTestServer(t)

	called := false
	require.NoError(t, server.RegisterWebhook(WebhookConfig{
		Path:   "/hooks/test",
		Method: http.MethodPost,
		Handler: func(ctx context.Context, params WebhookParams) (WebhookResponse, error) {
			called = true
			return WebhookResponse{
				Status: http.StatusOK,
				Body:   map[string]string{"message": "success"},
			}, nil
		},
	}))

	w := httptest.NewRecorder()
	server.dispatch(w, postJSON("/hooks/test", `{"test":"data"}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
	assert.JSONEq(t, `{"message":"success"}`, w.Body.String())
}

func TestDispatchDefaultsStatusToOK(t *testing.T) {
	server := createTestServer(t)

	require.NoError(t, server.RegisterWebhook(WebhookConfig{
		Path:   "/hooks/test",
		Method: http.MethodPost,
		Handler: func(ctx context.Context, params WebhookParams) (WebhookResponse, error) {
			return WebhookResponse{Body: map[string]string{"ok": "yes"}}, nil
		},
	}))

	w := httptest.NewRecorder()
	server.dispatch(w, httptest.NewRequest(http.MethodPost, "/hooks/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDispatchUnknownEndpoint(t *testing.T) {
	server := createTestServer(t)

	w := httptest.NewRecorder()
	server.dispatch(w, httptest.NewRequest(http.MethodPost, "/hooks/never-registered", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDispatchSignature(t *testing.T) {
	newSignedServer := func(t *testing.T) (*Server, *bool) {
		server := createTestServer(t)
		called := false
		require.NoError(t, server.RegisterWebhook(WebhookConfig{
			Path:               "/hooks/test",
			Method:             http.MethodPost,
			Secret:             "my-secret",
			SignatureHeader:    "X-Toolplane-Signature",
			SignatureAlgorithm: "sha256",
			Handler: func(ctx context.Context, params WebhookParams) (WebhookResponse, error) {
				called = true
				return WebhookResponse{Status: http.StatusOK}, nil
			},
		}))
		return server, &called
	}
	const body = `{"test":"data"}`

	t.Run("valid signature admits", func(t *testing.T) {
		server, called := newSignedServer(t)
		req := postJSON("/hooks/test", body)
		req.Header.Set("X-Toolplane-Signature", computeHMACSHA256(body, "my-secret"))

		w := httptest.NewRecorder()
		server.dispatch(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, *called)
	})

	t.Run("wrong signature rejected", func(t *testing.T) {
		server, called := newSignedServer(t)
		req := postJSON("/hooks/test", body)
		req.Header.Set("X-Toolplane-Signature", "sha256=deadbeef")

		w := httptest.NewRecorder()
		server.dispatch(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.False(t, *called)
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		server, called := newSignedServer(t)

		w := httptest.NewRecorder()
		server.dispatch(w, postJSON("/hooks/test", body))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.False(t, *called)
	})

	t.Run("default header is used when unset", func(t *testing.T) {
		server := createTestServer(t)
		require.NoError(t, server.RegisterWebhook(WebhookConfig{
			Path:    "/hooks/default-header",
			Method:  http.MethodPost,
			Secret:  "my-secret",
			Handler: okHandler,
		}))

		req := postJSON("/hooks/default-header", body)
		req.Header.Set(defaultSignatureHeader, computeHMACSHA256(body, "my-secret"))

		w := httptest.NewRecorder()
		server.dispatch(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestDispatchRateLimit(t *testing.T) {
	server, err := NewServer(ServerOptions{
		RegistryPath:       filepath.Join(t.TempDir(), "registry.json"),
		RateLimitPerMinute: 2,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer server.limiter.Stop()

	require.NoError(t, server.RegisterWebhook(WebhookConfig{
		Path:    "/hooks/test",
		Method:  http.MethodPost,
		Handler: okHandler,
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/hooks/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		server.dispatch(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, send().Code)
	}

	w := send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestDispatchWhileDraining(t *testing.T) {
	server := createTestServer(t)
	server.draining.Store(true)

	w := httptest.NewRecorder()
	server.dispatch(w, httptest.NewRequest(http.MethodPost, "/hooks/test", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestClientIP(t *testing.T) {
	server := createTestServer(t)
	tests := []struct {
		name    string
		prepare func(*http.Request)
		want    string
	}{
		{
			name:    "forwarded-for wins and takes the first hop",
			prepare: func(r *http.Request) { r.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.1") },
			want:    "192.168.1.1",
		},
		{
			name:    "real-ip is the second choice",
			prepare: func(r *http.Request) { r.Header.Set("X-Real-IP", "192.168.1.2") },
			want:    "192.168.1.2",
		},
		{
			name:    "socket address is the fallback",
			prepare: func(r *http.Request) { r.RemoteAddr = "192.168.1.3:12345" },
			want:    "192.168.1.3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.prepare(req)
			assert.Equal(t, tt.want, server.clientIP(req))
		})
	}
}

func TestParseParams(t *testing.T) {
	server := createTestServer(t)

	t.Run("json body with headers and query", func(t *testing.T) {
		raw := []byte(`{"key":"value","num":123}`)
		req := httptest.NewRequest(http.MethodPost, "/hooks/test?param1=value1&param2=value2", bytes.NewBuffer(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Custom-Header", "custom-value")

		params, err := server.parseParams(req, raw)
		require.NoError(t, err)
		assert.NotNil(t, params.Body)
		assert.Equal(t, "custom-value", params.Headers["X-Custom-Header"])
		assert.Equal(t, "value1", params.Query["param1"])
		assert.Equal(t, "value2", params.Query["param2"])
	})

	t.Run("form body decodes to a map", func(t *testing.T) {
		raw := []byte("key1=value1&key2=value2")
		req := httptest.NewRequest(http.MethodPost, "/hooks/test", bytes.NewBuffer(raw))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		params, err := server.parseParams(req, raw)
		require.NoError(t, err)
		fields, ok := params.Body.(map[string]string)
		require.True(t, ok)
		assert.Equal(t, "value1", fields["key1"])
		assert.Equal(t, "value2", fields["key2"])
	})

	t.Run("unknown content type stays raw", func(t *testing.T) {
		raw := []byte("plain text payload")
		req := httptest.NewRequest(http.MethodPost, "/hooks/test", bytes.NewBuffer(raw))
		req.Header.Set("Content-Type", "text/plain")

		params, err := server.parseParams(req, raw)
		require.NoError(t, err)
		assert.Equal(t, "plain text payload", params.Body)
	})

	t.Run("malformed json is an error", func(t *testing.T) {
		raw := []byte(`{"broken`)
		req := httptest.NewRequest(http.MethodPost, "/hooks/test", bytes.NewBuffer(raw))
		req.Header.Set("Content-Type", "application/json")

		_, err := server.parseParams(req, raw)
		assert.Error(t, err)
	})
}

func TestInvokeHandlerTimeout(t *testing.T) {
	server := createTestServer(t)

	slow := func(ctx context.Context, params WebhookParams) (WebhookResponse, error) {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
		return WebhookResponse{Status: http.StatusOK}, nil
	}

	resp, err := server.invokeHandler(context.Background(), slow, WebhookParams{}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
}

func TestDispatchTracksMetrics(t *testing.T) {
	server := createTestServer(t)

	require.NoError(t, server.RegisterWebhook(WebhookConfig{
		Path:    "/hooks/test",
		Method:  http.MethodPost,
		Handler: okHandler,
	}))

	w := httptest.NewRecorder()
	server.dispatch(w, httptest.NewRequest(http.MethodPost, "/hooks/test", nil))

	metrics := server.GetMetrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, "/hooks/test", metrics[0].Path)
	assert.Equal(t, "POST", metrics[0].Method)
	assert.Equal(t, int64(1), metrics[0].TotalRequests)
}

func TestRegistryPersistence(t *testing.T) {
	registryPath := filepath.Join(t.TempDir(), "registry.json")

	server, err := NewServer(ServerOptions{RegistryPath: registryPath}, zerolog.Nop())
	require.NoError(t, err)
	defer server.limiter.Stop()

	require.NoError(t, server.RegisterWebhook(WebhookConfig{
		Path:        "/hooks/test",
		Method:      http.MethodPost,
		Secret:      "persist-secret",
		Timeout:     10 * time.Second,
		Description: "persistence check",
		Handler:     okHandler,
	}))

	data, err := os.ReadFile(registryPath)
	require.NoError(t, err)

	var registry WebhookRegistry
	require.NoError(t, json.Unmarshal(data, &registry))
	assert.Equal(t, 1, registry.Version)
	require.Len(t, registry.Webhooks, 1)
	assert.Equal(t, "/hooks/test", registry.Webhooks[0].Path)
	assert.Equal(t, http.MethodPost, registry.Webhooks[0].Method)
	assert.Equal(t, "persist-secret", registry.Webhooks[0].Secret, "the persisted catalog keeps real secrets for restart")
	assert.Equal(t, int64(10000), registry.Webhooks[0].Timeout)
}
