package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v32/github"
	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/repositories"
)

// maxPayloadBytes caps an inbound webhook body; the forge's own documented
// payload ceiling is well under this.
const maxPayloadBytes = 25 << 20

// HTTPHandler adapts the Ingestor to the inbound webhook endpoint and the
// replay API. Header names and extraction follow go-github's helpers.
type HTTPHandler struct {
	ingestor *Ingestor
	logger   *zap.Logger
}

// NewHTTPHandler returns the webhook HTTP surface over ing.
func NewHTTPHandler(ing *Ingestor, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{ingestor: ing, logger: logger.Named("webhook.http")}
}

// Mount registers the webhook routes on r.
func (h *HTTPHandler) Mount(r chi.Router) {
	r.Post("/webhooks/github", h.Receive)
	r.Post("/webhooks/replay/{deliveryID}", h.Replay)
}

// Receive is POST /webhooks/github.
func (h *HTTPHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"validationErrors": []string{"failed to read request body"},
		})
		return
	}
	defer r.Body.Close()

	delivery := Delivery{
		EventType:  github.WebHookType(r),
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
		Signature:  r.Header.Get("X-Hub-Signature-256"),
		Payload:    body,
	}

	result, err := h.ingestor.Process(r.Context(), delivery)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"validationErrors": vErr.Errors,
			})
			return
		}
		h.logger.Error("webhook processing failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Replay is POST /webhooks/replay/{deliveryID}. It reuses the stored
// payload for the named delivery, subject to the attempt cap. The caller
// authenticates with the webhook shared secret by signing the delivery
// ID the same way the forge signs inbound payloads.
func (h *HTTPHandler) Replay(w http.ResponseWriter, r *http.Request) {
	deliveryID := chi.URLParam(r, "deliveryID")
	if deliveryID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"validationErrors": []string{"delivery id is required"},
		})
		return
	}

	if err := h.ingestor.AuthorizeReplay(deliveryID, r.Header.Get("X-Hub-Signature-256")); err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"validationErrors": vErr.Errors,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": err.Error(),
		})
		return
	}

	result, err := h.ingestor.Replay(r.Context(), deliveryID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{
			"success": false,
			"message": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
