package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tareqmahmud/libraryfeed/events"
	"github.com/tareqmahmud/libraryfeed/services/catalog-service/internal/producer"
)

type eventPublisher interface {
	Publish(ctx context.Context, evt events.ChangeEvent) error
}

// Handler exposes the post-commit mutation hook called by the CRUD layer.
// The caller only reports what changed; event identity and timestamps are
// assigned here.
type Handler struct {
	publisher eventPublisher
	logger    *slog.Logger
}

func New(publisher eventPublisher, logger *slog.Logger) *Handler {
	return &Handler{publisher: publisher, logger: logger}
}

func (h *Handler) MutationHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EventType  string         `json:"event_type"`
		EntityKind string         `json:"entity_kind"`
		EntityID   string         `json:"entity_id"`
		Payload    map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	eventType := events.EventType(strings.TrimSpace(req.EventType))
	kind := events.EntityKind(strings.TrimSpace(req.EntityKind))
	entityID := strings.TrimSpace(req.EntityID)
	if !events.ValidEventType(eventType) {
		http.Error(w, "invalid event_type", http.StatusBadRequest)
		return
	}
	if !events.ValidEntityKind(kind) {
		http.Error(w, "invalid entity_kind", http.StatusBadRequest)
		return
	}
	if entityID == "" {
		http.Error(w, "missing entity_id", http.StatusBadRequest)
		return
	}

	evt := events.New(eventType, kind, entityID, req.Payload)
	if err := h.publisher.Publish(r.Context(), evt); err != nil {
		var pubErr *producer.PublishError
		if errors.As(err, &pubErr) {
			h.logger.Error("change event lost", "event_id", evt.EventID, "err", err, "alert", true)
			http.Error(w, "event transport unavailable", http.StatusBadGateway)
			return
		}
		h.logger.Error("publish failed", "event_id", evt.EventID, "err", err)
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"event_id":    evt.EventID,
		"occurred_at": evt.OccurredAt,
	})
}
