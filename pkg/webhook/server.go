package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcfield/toolplane/internal/observability"
)

// Server terminates signed callbacks from external collaborators
// (policy oracles, bridge data sources, approval consoles) and routes
// them to registered handlers. Every endpoint is independently
// configured: its own secret, signature header, and timeout.
type Server struct {
	opts      ServerOptions
	httpSrv   *http.Server
	logger    zerolog.Logger
	limiter   *RateLimiter
	metrics   *MetricsTracker
	startedAt time.Time

	mu        sync.RWMutex
	endpoints map[string]*WebhookConfig // keyed by method:path

	draining atomic.Bool
	inflight sync.WaitGroup
}

// withDefaults fills unset options. The registry file lands under the
// user's home directory when no path is configured.
func (o ServerOptions) withDefaults() (ServerOptions, error) {
	if o.Port == 0 {
		o.Port = 3000
	}
	if o.Host == "" {
		o.Host = "0.0.0.0"
	}
	if o.RateLimitPerMinute == 0 {
		o.RateLimitPerMinute = 100
	}
	if o.DefaultTimeout == 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.RegistryPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return o, fmt.Errorf("resolve home directory for webhook registry: %w", err)
		}
		o.RegistryPath = filepath.Join(home, ".toolplane", "webhooks", "registry.json")
	}
	return o, nil
}

// NewServer builds an ingress server and restores the persisted
// endpoint catalog. Handlers are code, not data: endpoints only
// come alive once RegisterWebhook attaches one.
func NewServer(options ServerOptions, logger zerolog.Logger) (*Server, error) {
	opts, err := options.withDefaults()
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:      opts,
		logger:    logger,
		limiter:   NewRateLimiter(opts.RateLimitPerMinute),
		metrics:   NewMetricsTracker(),
		endpoints: make(map[string]*WebhookConfig),
		startedAt: time.Now(),
	}
	s.restoreRegistry()
	return s, nil
}

// Handler returns the HTTP handler serving the health check and all
// registered endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.dispatch)
	return mux
}

// Start serves until the listener closes. A clean shutdown via Stop
// returns nil.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Str("host", s.opts.Host).
		Int("port", s.opts.Port).
		Msg("Starting webhook server")

	err := s.httpSrv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests, bounded by a 30s ceiling, then closes
// the listener.
func (s *Server) Stop() error {
	s.draining.Store(true)
	s.logger.Info().Msg("Shutting down webhook server")

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Webhook drain timed out, closing anyway")
	}

	s.limiter.Stop()

	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown webhook server: %w", err)
	}
	s.logger.Info().Msg("Webhook server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	count := len(s.endpoints)
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"uptime":       time.Since(s.startedAt).Seconds(),
		"webhookCount": count,
		"timestamp":    time.Now().UnixMilli(),
	})
}

// dispatch is the single entry point for every endpoint: admission,
// endpoint lookup, signature verification, then the handler.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	began := time.Now()

	if s.draining.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.inflight.Add(1)
	defer s.inflight.Done()

	ip := s.clientIP(r)
	if !s.admit(w, r, ip) {
		return
	}

	ep := s.lookup(r.URL.Path, r.Method)
	if ep == nil {
		s.logger.Debug().
			Str("path", r.URL.Path).
			Str("method", r.Method).
			Msg("No endpoint registered")
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to read request body")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if !s.authenticate(w, r, ep, body, ip) {
		return
	}

	params, err := s.parseParams(r, body)
	if err != nil {
		s.logger.Error().Err(err).Str("path", ep.Path).Msg("Failed to parse request")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	timeout := ep.Timeout
	if timeout == 0 {
		timeout = s.opts.DefaultTimeout
	}
	resp, err := s.invokeHandler(r.Context(), ep.Handler, params, timeout)

	elapsed := time.Since(began).Milliseconds()
	s.metrics.Track(ep.Path, ep.Method, err == nil, float64(elapsed))

	if err != nil {
		s.logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", ip).
			Int64("duration", elapsed).
			Msg("Webhook request failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.logger.Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("ip", ip).
		Int64("duration", elapsed).
		Int("status", resp.Status).
		Msg("Webhook request completed")
	s.respond(w, resp)
}

// admit enforces the per-IP sliding window. Denials carry a Retry-After
// hint.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, ip string) bool {
	if s.limiter.CheckLimit(ip) {
		return true
	}
	retryAfter := s.limiter.GetRetryAfter(ip)
	s.logger.Warn().
		Str("ip", ip).
		Str("path", r.URL.Path).
		Int("retryAfter", retryAfter).
		Msg("Rate limit exceeded")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
	return false
}

// authenticate checks the request signature when the endpoint carries a
// secret. Missing and invalid signatures are both recorded to the
// security audit trail.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, ep *WebhookConfig, body []byte, ip string) bool {
	if ep.Secret == "" {
		return true
	}

	header := ep.SignatureHeader
	if header == "" {
		header = defaultSignatureHeader
	}
	algorithm := ep.SignatureAlgorithm
	if algorithm == "" {
		algorithm = "sha256"
	}

	signature := r.Header.Get(header)
	outcome := ""
	switch {
	case signature == "":
		outcome = "missing"
	case !verifySignature(string(body), signature, ep.Secret, algorithm):
		outcome = "denied"
	default:
		return true
	}

	s.logger.Warn().
		Str("path", ep.Path).
		Str("ip", ip).
		Str("outcome", outcome).
		Msg("Webhook signature rejected")
	observability.RecordSecurityAudit(r.Context(), "webhook.signature", ip, outcome, map[string]interface{}{
		"path": ep.Path,
	})
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

// parseParams splits the request into headers, query parameters, and a
// body decoded by content type: JSON documents, form maps, anything
// else as a raw string.
func (s *Server) parseParams(r *http.Request, body []byte) (WebhookParams, error) {
	params := WebhookParams{
		Headers: make(map[string]string),
		Query:   make(map[string]string),
	}
	for key, values := range r.Header {
		if len(values) > 0 {
			params.Headers[key] = values[0]
		}
	}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params.Query[key] = values[0]
		}
	}

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		if len(body) > 0 {
			var doc interface{}
			if err := json.Unmarshal(body, &doc); err != nil {
				return params, fmt.Errorf("parse JSON body: %w", err)
			}
			params.Body = doc
		}
	case strings.Contains(contentType, "application/x-www-form-urlencoded"):
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return params, fmt.Errorf("parse form body: %w", err)
		}
		fields := make(map[string]string, len(form))
		for key, values := range form {
			if len(values) > 0 {
				fields[key] = values[0]
			}
		}
		params.Body = fields
	default:
		params.Body = string(body)
	}
	return params, nil
}

type handlerResult struct {
	resp WebhookResponse
	err  error
}

// invokeHandler runs the handler under its timeout. A handler that
// overruns gets a 504 response; its goroutine is abandoned with a
// cancelled context.
func (s *Server) invokeHandler(parent context.Context, handler WebhookHandler, params WebhookParams, timeout time.Duration) (WebhookResponse, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		resp, err := handler(ctx, params)
		done <- handlerResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		s.logger.Error().Dur("timeout", timeout).Msg("Webhook handler timed out")
		return WebhookResponse{
			Status: http.StatusGatewayTimeout,
			Body:   map[string]string{"error": "Gateway Timeout"},
		}, nil
	}
}

// respond writes the handler's response. An unset status means 200.
func (s *Server) respond(w http.ResponseWriter, resp WebhookResponse) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Body == nil {
		w.WriteHeader(status)
		return
	}
	s.writeJSON(w, status, resp.Body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// clientIP prefers proxy headers over the socket address, so denials
// and audit records name the real caller behind a reverse proxy.
func (s *Server) clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) lookup(path, method string) *WebhookConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[method+":"+path]
}

// RegisterWebhook adds an endpoint and persists the updated catalog.
func (s *Server) RegisterWebhook(config WebhookConfig) error {
	if !strings.HasPrefix(config.Path, "/") {
		return fmt.Errorf("webhook path must start with /")
	}
	switch config.Method {
	case http.MethodPost, http.MethodGet, http.MethodPut, http.MethodDelete:
	default:
		return fmt.Errorf("invalid HTTP method: %s", config.Method)
	}
	if config.Handler == nil {
		return fmt.Errorf("webhook handler is required")
	}

	s.mu.Lock()
	s.endpoints[config.Method+":"+config.Path] = &config
	s.mu.Unlock()

	s.logger.Info().
		Str("path", config.Path).
		Str("method", config.Method).
		Msg("Webhook registered")
	s.persistRegistry()
	return nil
}

// UnregisterWebhook removes an endpoint, reporting whether it existed.
func (s *Server) UnregisterWebhook(path, method string) bool {
	key := method + ":" + path

	s.mu.Lock()
	_, existed := s.endpoints[key]
	delete(s.endpoints, key)
	s.mu.Unlock()

	if existed {
		s.logger.Info().
			Str("path", path).
			Str("method", method).
			Msg("Webhook unregistered")
		s.persistRegistry()
	}
	return existed
}

// catalog snapshots the endpoint set as registry entries. Secrets are
// included only when asked for; listings never carry them.
func (s *Server) catalog(withSecrets bool) []WebhookRegistryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]WebhookRegistryEntry, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		entry := WebhookRegistryEntry{
			Path:               ep.Path,
			Method:             ep.Method,
			SignatureHeader:    ep.SignatureHeader,
			SignatureAlgorithm: ep.SignatureAlgorithm,
			Timeout:            ep.Timeout.Milliseconds(),
			Description:        ep.Description,
		}
		if ep.Secret != "" {
			entry.Secret = "[REDACTED]"
			if withSecrets {
				entry.Secret = ep.Secret
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// ListWebhooks returns the registered endpoints with secrets redacted.
func (s *Server) ListWebhooks() []WebhookRegistryEntry {
	return s.catalog(false)
}

// GetMetrics returns per-endpoint request metrics.
func (s *Server) GetMetrics() []WebhookMetrics {
	return s.metrics.GetMetrics()
}

// GetMetricsForWebhook returns metrics for one endpoint, nil when it
// has seen no traffic.
func (s *Server) GetMetricsForWebhook(path, method string) *WebhookMetrics {
	return s.metrics.GetMetricsForWebhook(path, method)
}

// restoreRegistry reads the persisted catalog. Entries describe what
// was registered before; they carry no handlers, so they serve as an
// operator-facing record until code re-registers each endpoint.
func (s *Server) restoreRegistry() {
	data, err := os.ReadFile(s.opts.RegistryPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error().Err(err).Msg("Failed to read webhook registry")
		}
		return
	}

	var registry WebhookRegistry
	if err := json.Unmarshal(data, &registry); err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse webhook registry")
		return
	}
	s.logger.Info().
		Int("endpoints", len(registry.Webhooks)).
		Msg("Loaded webhook registry; handlers attach on registration")
}

// persistRegistry writes the catalog atomically: temp file, then
// rename.
func (s *Server) persistRegistry() {
	registry := WebhookRegistry{
		Version:     1,
		Webhooks:    s.catalog(true),
		LastUpdated: time.Now().UnixMilli(),
	}

	data, err := json.MarshalIndent(registry, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal webhook registry")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.RegistryPath), 0755); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create webhook registry directory")
		return
	}

	tmp := s.opts.RegistryPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		s.logger.Error().Err(err).Str("file", tmp).Msg("Failed to write webhook registry")
		return
	}
	if err := os.Rename(tmp, s.opts.RegistryPath); err != nil {
		s.logger.Error().Err(err).Str("file", s.opts.RegistryPath).Msg("Failed to replace webhook registry")
	}
}
