package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

const maxListenerBody = 1 << 20

// ListenerHandler is a receiving endpoint for local testing of callbacks.
// It answers 403 when the signature does not match the raw body, 400 for a
// body that is not JSON, and 200 otherwise.
func ListenerHandler(logger *slog.Logger, secret string) http.Handler {
	logger = logger.With("component", "webhook-listener")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxListenerBody))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if !VerifySignature(secret, body, r.Header.Get(SignatureHeader)) {
			logger.Warn("signature mismatch", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.WriteHeader(http.StatusForbidden)
			return
		}

		var p payload
		if err := json.Unmarshal(body, &p); err != nil {
			logger.Warn("invalid JSON payload", "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		logger.Info("webhook received", "job_id", p.JobID, "status", p.Status, "result", string(p.Result))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Webhook Accepted"))
	})
}
