package stripehook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/xraph/credits"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

type webhookResponse struct {
	Received bool   `json:"received"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ServeHTTP reads the body, verifies the Stripe-Signature header and
// applies the event. Processing failures answer 500 so Stripe retries;
// duplicates, stale and unmatched events answer 200.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, webhookResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "missing Stripe signature"})
		return
	}

	outcome, err := h.Handle(r.Context(), payload, sigHeader)
	switch {
	case errors.Is(err, ErrInvalidSignature):
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "invalid Stripe signature"})
	case errors.Is(err, credits.ErrWebhookStale):
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Reason: credits.WebhookReasonStale})
	case err != nil:
		h.logger.Error("stripehook: webhook processing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: "processing failed"})
	default:
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Reason: outcome.Reason})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // response already committed
}
