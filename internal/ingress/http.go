// Package ingress exposes the HTTP endpoint the page observer talks to:
// observation events arrive on POST /api/v1/events, the pending
// confirmation surface is polled on GET /api/v1/prompt and resolved by a
// confirm-result event.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
	"github.com/starwreckntx/mergeguard/internal/gate"
	"github.com/starwreckntx/mergeguard/internal/logger"
)

// Observer event types accepted on the events endpoint.
const (
	TypeTrigger         = "trigger"
	TypeResourceViewed  = "resource-viewed"
	TypeResourceChanged = "resource-changed"
	TypeSectionViewed   = "section-viewed"
	TypeEngagement      = "engagement"
	TypeReviewMarked    = "review-marked"
	TypeConfirmResult   = "confirm-result"
)

// StatusReporter is the read-only view the status endpoint needs.
type StatusReporter interface {
	Status() map[string]any
}

// HTTPServer exposes the observer-facing HTTP API.
type HTTPServer struct {
	gate      *gate.Gate
	presenter *HTTPPresenter
	replays   *ReplayBuffer
	dedupe    *Dedupe
	status    StatusReporter
	server    *http.Server
}

func NewHTTPServer(port int, g *gate.Gate, presenter *HTTPPresenter, replays *ReplayBuffer, dedupe *Dedupe, status StatusReporter) *HTTPServer {
	mux := http.NewServeMux()
	s := &HTTPServer{
		gate:      g,
		presenter: presenter,
		replays:   replays,
		dedupe:    dedupe,
		status:    status,
		server: &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/prompt", s.handlePrompt)
	mux.HandleFunc("/api/v1/replay", s.handleReplay)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	return s
}

// Start starts the HTTP server in a goroutine.
func (s *HTTPServer) Start() {
	go func() {
		slog.Info("Starting HTTP ingress server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	}()
}

// Stop stops the HTTP server gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type eventRequest struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id"`
	SectionID  string          `json:"section_id"`
	ActiveMs   int64           `json:"active_ms"`
	ScrollPct  float64         `json:"scroll_pct"`
	Candidate  *gate.Candidate `json:"candidate"`
	Outcome    *gate.Outcome   `json:"outcome"`
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The observer retries deliveries; duplicates ack without re-running
	// the event. Confirm-results are exempt: Resolve is already a no-op
	// when no surface is waiting.
	if req.ID != "" && req.Type != TypeConfirmResult {
		if err := s.dedupe.Observe(req.ID); errors.Is(err, guardErrors.ErrDuplicateEvent) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "id": req.ID})
			return
		}
	}

	switch req.Type {
	case TypeTrigger:
		ctx := logger.WithResourceID(r.Context(), req.Candidate.ResourceID)
		disposition, err := s.gate.HandleTrigger(ctx, *req.Candidate)
		switch {
		case errors.Is(err, guardErrors.ErrGateBusy):
			// A surface is already open; the observer keeps the action
			// suppressed and retries nothing.
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"disposition": disposition.String()})
		case err != nil:
			slog.Error("Trigger handling failed", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, map[string]any{"disposition": disposition.String()})
		}
		return

	case TypeResourceViewed:
		s.gate.HandleResourceViewed(r.Context(), req.ResourceID)
	case TypeResourceChanged:
		s.gate.HandleResourceChanged(r.Context(), req.ResourceID)
	case TypeSectionViewed:
		s.gate.HandleSectionViewed(req.ResourceID, req.SectionID)
	case TypeEngagement:
		s.gate.HandleEngagement(req.ResourceID, req.ActiveMs, req.ScrollPct)
	case TypeReviewMarked:
		s.gate.HandleReviewMarked(req.ResourceID)
	case TypeConfirmResult:
		if !s.presenter.Resolve(*req.Outcome) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "stale"})
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "id": req.ID})
}

// validate is the structural check on an observer event before dispatch.
func (req *eventRequest) validate() error {
	switch req.Type {
	case "":
		return fmt.Errorf("type is required: %w", guardErrors.ErrInvalidInput)
	case TypeTrigger:
		if req.Candidate == nil {
			return fmt.Errorf("candidate is required for trigger events: %w", guardErrors.ErrInvalidInput)
		}
	case TypeConfirmResult:
		if req.Outcome == nil {
			return fmt.Errorf("outcome is required for confirm-result events: %w", guardErrors.ErrInvalidInput)
		}
	case TypeResourceViewed, TypeResourceChanged, TypeSectionViewed, TypeEngagement, TypeReviewMarked:
		if req.ResourceID == "" {
			return fmt.Errorf("resource_id is required: %w", guardErrors.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("unknown event type %q: %w", req.Type, guardErrors.ErrInvalidInput)
	}
	return nil
}

// handlePrompt returns the confirmation surface awaiting an outcome, or
// 204 when no flow is open.
func (s *HTTPServer) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	prompt := s.presenter.Pending()
	if prompt == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

// handleReplay pops the next queued replay instruction, or 204 when none
// is pending.
func (s *HTTPServer) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	candidate, ok := s.replays.Next()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, candidate)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := map[string]any{"state": string(s.gate.CurrentState())}
	if s.status != nil {
		for key, value := range s.status.Status() {
			status[key] = value
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
