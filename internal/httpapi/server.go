package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/storysync/internal/channel"
	"github.com/agentworkforce/storysync/internal/storysync"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	// Token guards every /v1 route when set. The channel route also accepts
	// it as ?token= for browser clients that cannot set headers.
	Token string
	// AllowedOrigins lists extra host patterns allowed to open the channel
	// from a browser. Same-host origins are always allowed.
	AllowedOrigins  []string
	WebhookSecret   string
	WebhookMaxSkew  time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	InboundBuffer   int
	Logger          Logger
}

type Server struct {
	manager     *storysync.Manager
	mux         *channel.Mux
	cfg         ServerConfig
	rateLimiter *rateLimiter
	replayMu    sync.Mutex
	replaySeen  map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(manager *storysync.Manager, mux *channel.Mux) *Server {
	return NewServerWithConfig(manager, mux, ServerConfig{})
}

func NewServerWithConfig(manager *storysync.Manager, mux *channel.Mux, cfg ServerConfig) *Server {
	if cfg.WebhookMaxSkew == 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		manager:     manager,
		mux:         mux,
		cfg:         cfg,
		rateLimiter: limiter,
		replaySeen:  map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}
	if r.URL.Path == "/v1/internal/invalidate" && r.Method == http.MethodPost {
		s.handleWebhookInvalidate(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	mutating := false
	switch {
	case len(parts) == 2 && parts[1] == "stories" && r.Method == http.MethodGet:
		route = "stories"
	case len(parts) == 3 && parts[1] == "refs" && r.Method == http.MethodGet:
		route = "ref"
	case len(parts) == 2 && parts[1] == "channel" && r.Method == http.MethodGet:
		route = "channel"
	case len(parts) == 2 && parts[1] == "invalidate" && r.Method == http.MethodPost:
		route, mutating = "invalidate", true
	case len(parts) == 2 && parts[1] == "selection" && r.Method == http.MethodPost:
		route, mutating = "selection", true
	case len(parts) == 2 && parts[1] == "jump" && r.Method == http.MethodPost:
		route, mutating = "jump", true
	case len(parts) == 4 && parts[1] == "stories" && parts[3] == "args" && r.Method == http.MethodPost:
		route, mutating = "update_args", true
	case len(parts) == 4 && parts[1] == "stories" && parts[3] == "args" && r.Method == http.MethodDelete:
		route, mutating = "reset_args", true
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if authErr := authorizeToken(authorizationFor(r, route == "channel"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if mutating {
		if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "stories":
		writeJSON(w, http.StatusOK, s.manager.View())
	case "ref":
		s.handleRef(w, parts[2], correlationID)
	case "channel":
		s.handleChannel(w, r, correlationID)
	case "invalidate":
		s.handleInvalidate(w, r, correlationID)
	case "selection":
		s.handleSelection(w, r, correlationID)
	case "jump":
		s.handleJump(w, r, correlationID)
	case "update_args":
		s.handleUpdateArgs(w, r, parts[2], correlationID)
	case "reset_args":
		s.handleResetArgs(w, r, parts[2], correlationID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	view := s.manager.View()
	local, refs := s.mux.Connected()
	if refs == nil {
		refs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"storiesStatus":  view.Status,
		"localConnected": local,
		"refsConnected":  refs,
	})
}

func (s *Server) handleRef(w http.ResponseWriter, refID, correlationID string) {
	ref, ok := s.manager.Ref(refID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown ref: "+refID, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// handleChannel upgrades to a websocket and attaches it to the mux as the
// local preview, or as the ref named by ?ref=.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request, correlationID string) {
	source := channel.LocalSource()
	if refID := strings.TrimSpace(r.URL.Query().Get("ref")); refID != "" {
		if _, ok := s.manager.Ref(refID); !ok {
			writeError(w, http.StatusNotFound, "not_found", "unknown ref: "+refID, correlationID)
			return
		}
		source = channel.RefSource(refID)
	}
	conn, err := channel.Accept(w, r, channel.WebSocketOptions{
		InboundBuffer:  s.cfg.InboundBuffer,
		OriginPatterns: s.cfg.AllowedOrigins,
		Logger:         s.cfg.Logger,
	})
	if err != nil {
		// Accept has already written the failure response.
		s.logf("channel accept failed: %v", err)
		return
	}
	if err := s.mux.Attach(source, conn); err != nil {
		_ = conn.Close()
		s.logf("channel attach failed: %v", err)
	}
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.manager.Invalidate(r.Context()); err != nil {
		writeManagerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "correlationId": correlationID})
}

// handleWebhookInvalidate lets a build pipeline trigger a refetch with an
// HMAC-signed request instead of a bearer token.
func (s *Server) handleWebhookInvalidate(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.cfg.WebhookSecret == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	timestamp := r.Header.Get("X-Storysync-Timestamp")
	signature := r.Header.Get("X-Storysync-Signature")
	now := time.Now().UTC()
	if authErr := verifyWebhookHMAC(s.cfg.WebhookSecret, timestamp, signature, body, now, s.cfg.WebhookMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusConflict, "replay", "webhook already processed", correlationID)
		return
	}
	s.handleInvalidate(w, r, correlationID)
}

type selectionRequest struct {
	KindOrID string `json:"kindOrId"`
	Name     string `json:"name,omitempty"`
	RefID    string `json:"refId,omitempty"`
}

// handleSelection accepts an empty body or an empty kindOrId: both resolve
// relative to the current story.
func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req selectionRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	req.KindOrID = strings.TrimSpace(req.KindOrID)
	if err := s.manager.SelectStory(r.Context(), req.KindOrID, req.Name, req.RefID); err != nil {
		writeManagerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.View())
}

type jumpRequest struct {
	Target    string `json:"target"`
	Direction int    `json:"direction"`
}

func (s *Server) handleJump(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req jumpRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Direction != 1 && req.Direction != -1 {
		writeError(w, http.StatusBadRequest, "bad_request", "direction must be 1 or -1", correlationID)
		return
	}
	var err error
	switch req.Target {
	case "", "story":
		err = s.manager.JumpToStory(r.Context(), req.Direction)
	case "component":
		err = s.manager.JumpToComponent(r.Context(), req.Direction)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "target must be story or component", correlationID)
		return
	}
	if err != nil {
		writeManagerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.View())
}

type updateArgsRequest struct {
	RefID string         `json:"refId,omitempty"`
	Args  map[string]any `json:"args"`
}

func (s *Server) handleUpdateArgs(w http.ResponseWriter, r *http.Request, storyID, correlationID string) {
	var req updateArgsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Args == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "args is required", correlationID)
		return
	}
	if err := s.manager.UpdateArgs(r.Context(), storyID, req.RefID, req.Args); err != nil {
		writeManagerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent", "correlationId": correlationID})
}

func (s *Server) handleResetArgs(w http.ResponseWriter, r *http.Request, storyID, correlationID string) {
	query := r.URL.Query()
	var names []string
	for _, raw := range query["name"] {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	if err := s.manager.ResetArgs(r.Context(), storyID, query.Get("ref"), names); err != nil {
		writeManagerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent", "correlationId": correlationID})
}

func writeManagerError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, storysync.ErrStoryNotFound), errors.Is(err, storysync.ErrUnknownRef):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, storysync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, channel.ErrUnknownTarget):
		writeError(w, http.StatusConflict, "not_connected", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for replayKey, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.replaySeen[key] = now.Add(s.cfg.WebhookMaxSkew)
	return true
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
