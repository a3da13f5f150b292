// Package api implements the relay's HTTP surface (§6.1): request signature
// verification, API-key gating, and JSON handlers wired to the agent,
// lifecycle, and group engines.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/admp/relay/internal/agent"
	"github.com/admp/relay/internal/authn"
	"github.com/admp/relay/internal/clock"
	"github.com/admp/relay/internal/config"
	"github.com/admp/relay/internal/cryptoutil"
	"github.com/admp/relay/internal/envelope"
	"github.com/admp/relay/internal/events"
	"github.com/admp/relay/internal/group"
	"github.com/admp/relay/internal/lifecycle"
	"github.com/admp/relay/internal/logging"
	"github.com/admp/relay/internal/store"
	"github.com/admp/relay/internal/webhook"
)

// IdempotencyHeader carries the caller-supplied dedup token for sends (§3
// "Idempotency key").
const IdempotencyHeader = "Idempotency-Key"

// Server exposes the relay's HTTP API over the wired engines.
type Server struct {
	mux    *http.ServeMux
	server *http.Server

	authn   *authn.Authenticator
	lc      *lifecycle.Engine
	grp     *group.Engine
	ag      *agent.Engine
	disp    *webhook.Dispatcher
	bus     *events.Bus
	cfg     *config.Config
	clock   clock.Clock
	log     *logging.Logger
	limiter *authn.RateLimiter

	upgrader websocket.Upgrader
}

// New builds a Server with all routes registered. bus feeds the optional
// websocket inbox stream; it may be nil to disable that endpoint. disp may
// be nil to disable the webhook-attempts visibility endpoint.
func New(a *authn.Authenticator, lc *lifecycle.Engine, grp *group.Engine, ag *agent.Engine, disp *webhook.Dispatcher, bus *events.Bus, cfg *config.Config, clk clock.Clock, log *logging.Logger) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		authn:   a,
		lc:      lc,
		grp:     grp,
		ag:      ag,
		disp:    disp,
		bus:     bus,
		cfg:     cfg,
		clock:   clk,
		log:     log,
		limiter: authn.NewRateLimiter(clk),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Subject-signature verification already authenticates the
			// caller before the handshake; this relay serves agents, not
			// browsers, so no cross-origin browser check applies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux.HandleFunc("POST /agents/register", s.apiKeyGated(s.handleRegister))
	s.mux.Handle("DELETE /agents/{id}", s.signed("id", s.handleDeregister))
	s.mux.Handle("POST /agents/{id}/heartbeat", s.signed("id", s.handleHeartbeat))
	s.mux.Handle("POST /agents/{id}/rotate-key", s.signed("id", s.handleRotateKey))
	s.mux.Handle("POST /agents/{id}/webhook", s.signed("id", s.handleSetWebhook))
	s.mux.Handle("GET /agents/{id}/webhook", s.signed("id", s.handleGetWebhook))
	s.mux.Handle("DELETE /agents/{id}/webhook", s.signed("id", s.handleDeleteWebhook))
	s.mux.Handle("GET /agents/{id}/inbox/stats", s.signed("id", s.handleInboxStats))
	s.mux.Handle("GET /agents/{id}/inbox/stream", s.signed("id", s.handleInboxStream))

	s.mux.HandleFunc("POST /agents/{to}/messages", s.apiKeyGated(s.handleSend))
	s.mux.Handle("POST /agents/{id}/inbox/pull", s.signed("id", s.handlePull))
	s.mux.Handle("POST /agents/{id}/messages/{mid}/ack", s.signed("id", s.handleAck))
	s.mux.Handle("POST /agents/{id}/messages/{mid}/nack", s.signed("id", s.handleNack))
	s.mux.Handle("POST /agents/{id}/messages/{mid}/reply", s.signed("id", s.handleReply))
	s.mux.HandleFunc("GET /messages/{mid}/status", s.apiKeyGated(s.handleMessageStatus))
	s.mux.HandleFunc("GET /agents/{id}", s.apiKeyGated(s.handleGetAgent))
	s.mux.HandleFunc("GET /agents", s.apiKeyGated(s.handleListAgents))
	s.mux.HandleFunc("GET /admin/config", s.apiKeyGated(s.handleAdminConfig))
	s.mux.HandleFunc("POST /agents/{id}/approve", s.apiKeyGated(s.handleApproveAgent))
	s.mux.Handle("GET /agents/{id}/webhook/attempts", s.signed("id", s.handleWebhookAttempts))

	s.mux.Handle("POST /groups", s.signed("", s.handleCreateGroup))
	s.mux.Handle("GET /groups/{id}", s.signed("", s.handleGetGroup))
	s.mux.Handle("POST /groups/{id}/join", s.signed("", s.handleJoinGroup))
	s.mux.Handle("POST /groups/{id}/leave", s.signed("", s.handleLeaveGroup))
	s.mux.Handle("POST /groups/{id}/messages", s.signed("", s.handlePostGroupMessage))
	s.mux.Handle("GET /groups/{id}/messages", s.signed("", s.handleListGroupMessages))
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info("admp relay listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// signed wraps a handler with request-signature verification (§4.3).
// subjectParam, when non-empty, names the path parameter the signer must
// match; group endpoints pass "" since membership, not path identity, gates
// the operation.
func (s *Server) signed(subjectParam string, h func(w http.ResponseWriter, r *http.Request, caller *store.Agent)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject := ""
		if subjectParam != "" {
			subject = r.PathValue(subjectParam)
		}
		caller, aerr := s.authn.VerifyRequestSignature(r.Context(), r.Header.Get("Signature"), r.Method, r.URL.RequestURI(), cryptoutil.HeaderLookup(r.Header), subject)
		if aerr != nil {
			writeAuthError(w, aerr)
			return
		}
		if !s.limiter.Allow(caller.ID, r.Pattern) {
			writeError(w, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded")
			return
		}
		h(w, r, caller)
	}
}

// apiKeyGated wraps a handler with the optional shared-secret front door
// (§4.3 item 7). When REQUIRE_HTTP_SIGNATURES is set, a Signature header is
// mandatory even here: the API-key gate alone is not enough (§6.5).
func (s *Server) apiKeyGated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RequireHTTPSignatures && r.Header.Get("Signature") == "" {
			writeAuthError(w, &authn.Error{Kind: authn.FailureMissingSignature, Message: "this deployment requires a Signature header on every request"})
			return
		}
		if aerr := s.authn.CheckAPIKey(r.Header.Get("X-Api-Key")); aerr != nil {
			writeAuthError(w, aerr)
			return
		}
		if !s.limiter.Allow(r.RemoteAddr, r.Pattern) {
			writeError(w, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded")
			return
		}
		h(w, r)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID          string `json:"agent_id"`
		Kind             string `json:"kind"`
		PublicKey        string `json:"public_key,omitempty"`
		RegistrationMode string `json:"registration_mode"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	var pub []byte
	if req.PublicKey != "" {
		decoded, err := cryptoutil.DecodeBase64(req.PublicKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "public_key must be base64")
			return
		}
		pub = decoded
	}
	imported := req.RegistrationMode == "imported"

	a, secret, err := s.ag.Register(r.Context(), req.AgentID, req.Kind, pub, imported)
	if err != nil {
		writeAgentError(w, err)
		return
	}

	resp := map[string]interface{}{
		"agent_id":          a.ID,
		"public_key":        cryptoutil.EncodeBase64(a.Keys[0].PublicKey),
		"registration_mode": a.RegistrationMode,
	}
	if secret != nil {
		resp["secret_key"] = cryptoutil.EncodeBase64(secret)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	if err := s.ag.Deregister(r.Context(), caller.ID); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	if err := s.ag.Heartbeat(r.Context(), caller.ID); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	var req struct {
		PublicKey string `json:"public_key,omitempty"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	var pub []byte
	if req.PublicKey != "" {
		decoded, derr := cryptoutil.DecodeBase64(req.PublicKey)
		if derr != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "public_key must be base64")
			return
		}
		pub = decoded
	}

	secret, err := s.ag.RotateKey(r.Context(), caller.ID, pub)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	resp := map[string]interface{}{"status": "rotated"}
	if secret != nil {
		resp["secret_key"] = cryptoutil.EncodeBase64(secret)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	var req store.WebhookConfig
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.ag.SetWebhook(r.Context(), caller.ID, &req); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	wh, err := s.ag.GetWebhook(r.Context(), caller.ID)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	if wh == nil {
		writeJSON(w, http.StatusOK, map[string]any{"webhook": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": wh.URL})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	if err := s.ag.ClearWebhook(r.Context(), caller.ID); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInboxStats(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	stats, err := s.lc.Stats(r.Context(), caller.ID)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleInboxStream upgrades to a websocket and pushes DeliveryEvents for
// caller.ID as they're published, supplementing (not replacing) pull.
func (s *Server) handleInboxStream(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, "not_found", "inbox streaming is not enabled")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("inbox stream upgrade failed", "agent", caller.ID, "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.bus.Subscribe(caller.ID)
	defer cancel()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if werr := conn.WriteJSON(evt.Record); werr != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	to := r.PathValue("to")
	var env envelope.Envelope
	if !decodeJSON(w, r, &env) {
		return
	}
	env.To = to

	messageID, deduped, err := s.lc.Send(r.Context(), &env, r.Header.Get(IdempotencyHeader))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	status := http.StatusCreated
	outcome := "accepted"
	if deduped {
		status = http.StatusOK
		outcome = "deduped"
	}
	writeJSON(w, status, map[string]string{"message_id": messageID, "status": outcome})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	var req struct {
		VisibilityTimeoutMS int64 `json:"visibility_timeout_ms,omitempty"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	vis := time.Duration(req.VisibilityTimeoutMS) * time.Millisecond
	if vis <= 0 {
		vis = s.cfg.DefaultVisibilityTimeout()
	}

	rec, err := s.lc.Pull(r.Context(), caller.ID, vis)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	mid := r.PathValue("mid")
	if err := s.lc.Ack(r.Context(), caller.ID, mid); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acked"})
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	mid := r.PathValue("mid")
	var req struct {
		DelayMS     int64 `json:"delay_ms,omitempty"`
		DeadLetter  bool  `json:"dead_letter,omitempty"`
		MaxAttempts int   `json:"max_attempts,omitempty"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	opts := store.NackOptions{
		Delay:       time.Duration(req.DelayMS) * time.Millisecond,
		DeadLetter:  req.DeadLetter,
		MaxAttempts: req.MaxAttempts,
	}
	if err := s.lc.Nack(r.Context(), caller.ID, mid, opts); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "nacked"})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	mid := r.PathValue("mid")
	var env envelope.Envelope
	if !decodeJSON(w, r, &env) {
		return
	}
	env.From = caller.ID

	messageID, deduped, err := s.lc.Reply(r.Context(), caller.ID, mid, &env)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	status := http.StatusCreated
	outcome := "accepted"
	if deduped {
		status = http.StatusOK
		outcome = "deduped"
	}
	writeJSON(w, status, map[string]string{"message_id": messageID, "status": outcome})
}

func (s *Server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	mid := r.PathValue("mid")
	rec, err := s.lc.Status(r.Context(), mid)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.ag.Get(r.Context(), id)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.ag.List(r.Context())
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Values())
}

// handleApproveAgent implements the operator-side half of §4.3 item 8: a
// shadow agent stays unaddressable until this is called. It is gated by the
// same API-key front door as the rest of the admin surface, not by the
// agent's own request signature — an unapproved agent cannot self-approve.
func (s *Server) handleApproveAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ag.Approve(r.Context(), id); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "approved": true})
}

func (s *Server) handleWebhookAttempts(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	if s.disp == nil {
		writeError(w, http.StatusNotFound, "not_found", "webhook attempt visibility is not enabled")
		return
	}
	attempts, err := s.disp.AttemptsForAgent(r.Context(), caller.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	var req struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		AccessType     string `json:"access_type"`
		JoinKey        string `json:"join_key,omitempty"`
		HistoryVisible bool   `json:"history_visible,omitempty"`
		MaxMembers     int    `json:"max_members,omitempty"`
		MessageTTLSec  int64  `json:"message_ttl_sec,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	g := store.Group{
		ID:             req.ID,
		Name:           req.Name,
		AccessType:     req.AccessType,
		HistoryVisible: req.HistoryVisible,
		MaxMembers:     req.MaxMembers,
		MessageTTLSec:  req.MessageTTLSec,
	}
	if req.JoinKey != "" {
		g.JoinKeyHash = cryptoutil.HashJoinKey(req.JoinKey)
	}
	if err := s.grp.Create(r.Context(), &g, caller.ID); err != nil {
		writeGroupError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	id := r.PathValue("id")
	g, members, err := s.grp.Get(r.Context(), id)
	if err != nil {
		writeGroupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": g, "members": members})
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	id := r.PathValue("id")
	var req struct {
		Key string `json:"key,omitempty"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if err := s.grp.Join(r.Context(), id, caller.ID, req.Key); err != nil {
		writeGroupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	id := r.PathValue("id")
	if err := s.grp.Leave(r.Context(), id, caller.ID); err != nil {
		writeGroupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handlePostGroupMessage(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	id := r.PathValue("id")
	var env envelope.Envelope
	if !decodeJSON(w, r, &env) {
		return
	}
	messageID, err := s.grp.Post(r.Context(), id, caller.ID, &env)
	if err != nil {
		writeGroupError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message_id": messageID, "status": "accepted"})
}

func (s *Server) handleListGroupMessages(w http.ResponseWriter, r *http.Request, caller *store.Agent) {
	id := r.PathValue("id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.grp.ListHistory(r.Context(), id, caller.ID, limit)
	if err != nil {
		writeGroupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": entries})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "validation_error", "request body is required")
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeAuthError(w http.ResponseWriter, err *authn.Error) {
	code := "unauthorized"
	if err.Kind == authn.FailureSubjectMismatch || err.Kind == authn.FailureAgentNotApproved {
		code = "forbidden"
	}
	writeError(w, err.Kind.Status(), code, err.Message)
}

func writeAgentError(w http.ResponseWriter, err *agent.Error) {
	status, code := statusAndCode(string(err.Kind))
	writeError(w, status, code, err.Message)
}

func writeLifecycleError(w http.ResponseWriter, err *lifecycle.Error) {
	status, code := statusAndCode(string(err.Kind))
	writeError(w, status, code, err.Message)
}

func writeGroupError(w http.ResponseWriter, err *group.Error) {
	status, code := statusAndCode(string(err.Kind))
	writeError(w, status, code, err.Message)
}

// statusAndCode maps the shared §7 taxonomy bucket names to an HTTP status
// and the wire error code (§6.1).
func statusAndCode(kind string) (int, string) {
	switch kind {
	case "validation":
		return http.StatusBadRequest, "validation_error"
	case "authorization":
		return http.StatusForbidden, "forbidden"
	case "conflict":
		return http.StatusConflict, "conflict"
	case "not_found":
		return http.StatusNotFound, "not_found"
	case "gone":
		return http.StatusGone, "gone"
	case "resource":
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
