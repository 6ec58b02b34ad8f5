package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/slack-go/slack"

	"github.com/pipebridge/slack-approval/internal/logging"
)

/* SlackSignatureMiddleware authenticates inbound Slack requests. The
 * expected signature is recomputed over the raw body with the shared
 * signing secret and the request timestamp header; the verifier also
 * rejects timestamps outside its freshness window, which blocks replays.
 * This gate runs before any payload parsing. */
func SlackSignatureMiddleware(signingSecret string, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "Failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			verifier, err := slack.NewSecretsVerifier(r.Header, signingSecret)
			if err != nil {
				logger.Warn("Rejected unverifiable Slack request", map[string]interface{}{
					"error":      err.Error(),
					"request_id": GetRequestID(r.Context()),
				})
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if _, err := verifier.Write(body); err != nil {
				http.Error(w, "Failed to verify request", http.StatusInternalServerError)
				return
			}

			if err := verifier.Ensure(); err != nil {
				logger.Warn("Rejected Slack request with bad signature", map[string]interface{}{
					"request_id": GetRequestID(r.Context()),
				})
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
