package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pipebridge/slack-approval/internal/logging"
)

const signingSecret = "8f742231b10e8888abcd99yyyzzz85a5"

func sign(secret, body string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%d:%s", ts, body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func signedRequest(body, secret string, ts int64) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/slack/interactions", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("X-Slack-Request-Timestamp", strconv.FormatInt(ts, 10))
	r.Header.Set("X-Slack-Signature", sign(secret, body, ts))
	return r
}

func testLogger() *logging.Logger {
	return logging.NewLogger("error", "text", "stderr")
}

func TestSlackSignatureMiddleware(t *testing.T) {
	body := "payload=%7B%22type%22%3A%22interactive_message%22%7D"

	var sawBody string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The raw body must still be readable after verification
		sawBody = r.FormValue("payload")
		w.WriteHeader(http.StatusOK)
	})
	handler := SlackSignatureMiddleware(signingSecret, testLogger())(next)

	t.Run("valid signature", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, signedRequest(body, signingSecret, time.Now().Unix()))

		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		if sawBody == "" {
			t.Error("Expected downstream handler to read the form payload")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, signedRequest(body, "another-secret", time.Now().Unix()))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", w.Code)
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		r := signedRequest(body, signingSecret, time.Now().Unix())
		r.Body = http.NoBody
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", w.Code)
		}
	})

	t.Run("stale timestamp", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, signedRequest(body, signingSecret, time.Now().Add(-time.Hour).Unix()))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401 for replayed timestamp, got %d", w.Code)
		}
	})

	t.Run("missing headers", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/slack/interactions", strings.NewReader(body))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401 for unsigned request, got %d", w.Code)
		}
	})
}
