package delta

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/ostapchuk/crmsync/internal/auth"
	"github.com/ostapchuk/crmsync/internal/record"
)

// response is the pull endpoint's wire shape.
type response struct {
	LastUpdatedAt *string                `json:"lastUpdatedAt"`
	Payload       []json.RawMessage      `json:"payload"`
	Reassignments []*record.Reassignment `json:"reassignments,omitempty"`
}

// Handler serves the cursor-delta pull endpoint:
//
//	GET /sync/{entity}?lastUpdatedAt=<cursor>
//
// The caller's principal is derived from the bearer credential on every
// request; no session is kept between requests.
type Handler struct {
	service  *Service
	verifier *auth.Verifier
	logger   *log.Logger
	mux      *http.ServeMux
}

// NewHandler creates the pull endpoint handler.
// If logger is nil, log.Default() is used.
func NewHandler(service *Service, verifier *auth.Verifier, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{
		service:  service,
		verifier: verifier,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sync/{entity}", h.handleFetch)
	h.mux = mux

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
	principal, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	var cursor *time.Time
	if raw := r.URL.Query().Get("lastUpdatedAt"); raw != "" {
		t, err := record.ParseTimestamp(raw)
		if err != nil {
			http.Error(w, "invalid lastUpdatedAt cursor", http.StatusBadRequest)
			return
		}
		cursor = &t
	}

	delta, err := h.service.FetchDelta(r.Context(), r.PathValue("entity"), principal, cursor)
	if err != nil {
		if errors.Is(err, ErrUnknownEntity) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		// Retryable: the client must keep its old cursor.
		h.logger.Printf("Fetch delta failed: %v", err)
		http.Error(w, "fetch failed, retry with the same cursor", http.StatusInternalServerError)
		return
	}

	resp := response{
		Payload:       delta.Entities,
		Reassignments: delta.Reassignments,
	}
	if resp.Payload == nil {
		resp.Payload = []json.RawMessage{}
	}
	if delta.NewCursor != nil {
		s := record.FormatTimestamp(*delta.NewCursor)
		resp.LastUpdatedAt = &s
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Printf("Failed to encode delta response: %v", err)
	}
}
