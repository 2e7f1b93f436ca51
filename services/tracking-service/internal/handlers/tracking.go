package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tareqmahmud/libraryfeed/events"
	"github.com/tareqmahmud/libraryfeed/services/tracking-service/internal/tracking"
)

// Handler serves the tracking read API consumed by the reporting/admin
// layer. Records come back ordered by occurred_at, most recent last.
type Handler struct {
	store tracking.Store
}

func New(store tracking.Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) GetTracking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	kind := events.EntityKind(strings.TrimSpace(r.URL.Query().Get("entity_kind")))
	entityID := strings.TrimSpace(r.URL.Query().Get("entity_id"))
	if !events.ValidEntityKind(kind) {
		http.Error(w, "invalid entity_kind", http.StatusBadRequest)
		return
	}
	if entityID == "" {
		http.Error(w, "missing entity_id", http.StatusBadRequest)
		return
	}

	records, err := h.store.ListByEntity(r.Context(), kind, entityID)
	if err != nil {
		http.Error(w, "failed to load tracking records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []tracking.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}
