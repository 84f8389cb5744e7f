package webhook

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/logging"
)

// Handler is the HTTP webhook surface. One route: POST <mount>/{bridge}.
type Handler struct {
	entry *Entry
	cfg   config.WebhookConfig
}

// NewHandler wraps an entry.
func NewHandler(entry *Entry, cfg config.WebhookConfig) *Handler {
	return &Handler{entry: entry, cfg: cfg}
}

// Mux returns a ServeMux with the webhook route mounted.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST "+strings.TrimRight(h.cfg.MountPath, "/")+"/{bridge}", h)
	return mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridge")

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.ReadTimeout)
	defer cancel()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize))
	if err != nil {
		var mbe *http.MaxBytesError
		if stderrors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, errors.ReasonTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, errors.ReasonBodyReadFailed)
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, errors.ReasonInvalidJSON)
		return
	}

	res, err := h.entry.RouteWebhook(ctx, bridgeID, &Request{HTTP: r, Body: body}, nil)
	if err != nil {
		status, reason := statusFor(ctx, err)
		if status == http.StatusInternalServerError {
			logging.Warn("Webhook routing failed",
				zap.String("bridge_id", bridgeID),
				zap.Error(err),
			)
		}
		writeError(w, status, reason)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res.Kind})
}

// statusFor maps entry errors onto the webhook surface's status codes.
func statusFor(ctx context.Context, err error) (int, string) {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout, errors.ReasonTimeout
	}
	if stderrors.Is(err, errors.ErrInvalidSignature) {
		return http.StatusUnauthorized, errors.ReasonInvalidSignature
	}

	switch reasonOf(err) {
	case errors.ReasonBridgeNotFound:
		return http.StatusNotFound, errors.ReasonBridgeNotFound
	case errors.ReasonBridgeDisabled:
		return http.StatusForbidden, errors.ReasonBridgeDisabled
	case errors.ReasonMissingAdapter:
		return http.StatusInternalServerError, errors.ReasonMissingAdapter
	case errors.ReasonTimeout:
		return http.StatusRequestTimeout, errors.ReasonTimeout
	case errors.ReasonInvalidJSON:
		return http.StatusBadRequest, errors.ReasonInvalidJSON
	}

	var pd *errors.PolicyDenied
	if stderrors.As(err, &pd) {
		return http.StatusUnprocessableEntity, "policy_denied"
	}
	var sd *errors.SecurityDenied
	if stderrors.As(err, &sd) {
		return http.StatusUnprocessableEntity, sd.Reason
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
