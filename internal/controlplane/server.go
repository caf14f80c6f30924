// Package controlplane implements the Control Plane (C7): an HTTP/SSE
// surface for listing agents, reading status, injecting triggers, and
// tailing logs (spec §4.7, §6.3). Handlers only borrow read-only status
// snapshots and enqueue Triggers into a target Host's inbox — they never
// synchronously invoke on_trigger.
//
// Grounded on the corpus's Will-Luck-Docker-Sentinel/internal/web/server.go
// (method-pattern http.ServeMux, Go 1.22+ route syntax) and
// internal/web/sse.go (flusher-based SSE loop), rebound from container
// status to agent status and generalized from one big Dependencies bag to
// the narrow Registry this runtime needs.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentcore/runtime/internal/envelope"
	"github.com/agentcore/runtime/internal/logbuffer"
	"github.com/agentcore/runtime/internal/router"
	"github.com/agentcore/runtime/internal/signing"
	"github.com/agentcore/runtime/public/agent"
)

// Deps bundles what the control plane needs to serve its routes.
type Deps struct {
	Registry *Registry
	Signer   *signing.Service

	// ControlPlaneIdentity is the signing key id used to author injected
	// "send" envelopes. The key is created lazily by the signing service
	// on first use, the same as any agent identity.
	ControlPlaneIdentity string
	// MessageKind is the envelope.Kind stamped on injected send envelopes.
	MessageKind envelope.Kind

	// InjectTimeout bounds how long an injected Trigger's Block delivery
	// waits for inbox space before falling back to drop (spec §4.3).
	InjectTimeout time.Duration
	// TickSettle is how long POST /agents/{id}/tick waits after injecting
	// before reporting the agent's status, giving the Host's run loop a
	// chance to process it. Best-effort: the Host API has no synchronous
	// "wait for this Trigger to finish" handshake, so the reported status
	// may still reflect the tick in flight under load.
	TickSettle time.Duration

	MetricsEnabled bool
}

// Server is the control plane's HTTP server.
type Server struct {
	deps   Deps
	mux    *http.ServeMux
	server *http.Server
}

// NewServer constructs a Server with every route registered.
func NewServer(deps Deps) *Server {
	if deps.InjectTimeout <= 0 {
		deps.InjectTimeout = 5 * time.Second
	}
	if deps.TickSettle <= 0 {
		deps.TickSettle = 100 * time.Millisecond
	}
	if deps.ControlPlaneIdentity == "" {
		deps.ControlPlaneIdentity = "control-plane"
	}
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// Handler returns the server's root http.Handler, for use with httptest
// or a custom http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on addr and blocks until it
// returns an error (including http.ErrServerClosed on graceful Shutdown).
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
		IdleTimeout:  120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.deps.MetricsEnabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}
	s.mux.HandleFunc("GET /agents", s.handleListAgents)
	s.mux.HandleFunc("GET /agents/{id}/status", s.handleAgentStatus)
	s.mux.HandleFunc("POST /agents/{id}/send", s.handleAgentSend)
	s.mux.HandleFunc("POST /agents/{id}/tick", s.handleAgentTick)
	s.mux.HandleFunc("GET /agents/{id}/logs/recent", s.handleLogsRecent)
	s.mux.HandleFunc("GET /agents/{id}/logs/trace", s.handleLogsTrace)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

// statusDTO is the JSON wire shape for agent.Status (spec §6.3); kept
// separate from public/agent.Status since that type carries no json tags
// by design — it is an internal runtime model, not a wire format.
type statusDTO struct {
	Kind           string  `json:"kind"`
	ActiveSessions int     `json:"active_sessions,omitempty"`
	JobID          string  `json:"job_id,omitempty"`
	Progress       float64 `json:"progress,omitempty"`
	PausedReason   string  `json:"paused_reason,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	Recoverable    bool    `json:"recoverable,omitempty"`
}

func toStatusDTO(st agent.Status) statusDTO {
	return statusDTO{
		Kind:           st.Kind.String(),
		ActiveSessions: st.ActiveSessions,
		JobID:          st.JobID,
		Progress:       st.Progress,
		PausedReason:   st.PausedReason,
		ErrorMessage:   st.ErrorMessage,
		Recoverable:    st.Recoverable,
	}
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	h, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(h.Status()))
}

func (s *Server) handleAgentSend(w http.ResponseWriter, r *http.Request) {
	h, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	env, err := s.signEnvelope(string(body))
	if err != nil {
		sendsInjectedTotal.WithLabelValues("sign_error").Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	delivered, _ := h.Enqueue(r.Context(), router.Trigger{Kind: router.TriggerMessage, Envelope: env}, router.Block, s.deps.InjectTimeout)
	if !delivered {
		sendsInjectedTotal.WithLabelValues("dropped").Inc()
		writeError(w, http.StatusServiceUnavailable, "agent inbox full")
		return
	}
	sendsInjectedTotal.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) signEnvelope(payload string) (*envelope.Envelope, error) {
	pub, err := s.deps.Signer.PubKey(s.deps.ControlPlaneIdentity)
	if err != nil {
		return nil, fmt.Errorf("controlplane: pubkey: %w", err)
	}
	env, err := envelope.New(pub.Hex(), time.Now().Unix(), s.deps.MessageKind, nil, payload)
	if err != nil {
		return nil, fmt.Errorf("controlplane: build envelope: %w", err)
	}
	canon, err := env.CanonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("controlplane: canonicalize: %w", err)
	}
	sig, err := s.deps.Signer.Sign(s.deps.ControlPlaneIdentity, canon)
	if err != nil {
		return nil, fmt.Errorf("controlplane: sign: %w", err)
	}
	return env.WithSignature(sig.Hex()), nil
}

func (s *Server) handleAgentTick(w http.ResponseWriter, r *http.Request) {
	h, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	trigger := router.Trigger{Kind: router.TriggerExternalEvent, ExternalKind: "manual_tick"}
	delivered, _ := h.Enqueue(r.Context(), trigger, router.Block, s.deps.InjectTimeout)
	if !delivered {
		ticksInjectedTotal.WithLabelValues("dropped").Inc()
		writeError(w, http.StatusServiceUnavailable, "agent inbox full")
		return
	}
	ticksInjectedTotal.WithLabelValues("accepted").Inc()

	select {
	case <-time.After(s.deps.TickSettle):
	case <-r.Context().Done():
	}
	writeJSON(w, http.StatusOK, toStatusDTO(h.Status()))
}

func (s *Server) handleLogsRecent(w http.ResponseWriter, r *http.Request) {
	h, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	bus := h.Logs()
	if bus == nil {
		writeJSON(w, http.StatusOK, []logbuffer.Record{})
		return
	}
	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid n")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, bus.Recent(n))
}

func (s *Server) handleLogsTrace(w http.ResponseWriter, r *http.Request) {
	h, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	bus := h.Logs()
	if bus == nil {
		writeError(w, http.StatusServiceUnavailable, "agent has no log bus configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := bus.Subscribe()
	defer cancel()
	traceSubscribersActive.Inc()
	defer traceSubscribersActive.Dec()

	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				log.Printf("controlplane: marshal trace record: %v", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
