package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestWindowLimitExceeded_RoundsRetryAfterUp(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		want       int64
	}{
		{"zero becomes one", 0, 1},
		{"negative becomes one", -time.Second, 1},
		{"sub-second rounds up", 200 * time.Millisecond, 1},
		{"exact seconds", 3 * time.Second, 3},
		{"fraction rounds up", 3*time.Second + time.Millisecond, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WindowLimitExceeded(10, 0, time.Now(), tt.retryAfter)
			if got.RetryAfter != tt.want {
				t.Errorf("RetryAfter = %d, want %d", got.RetryAfter, tt.want)
			}
		})
	}
}

func TestAbortWithRateLimit_SetsRetryAfterHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	AbortWithRateLimit(c, WindowLimitExceeded(10, 0, time.Unix(100, 0), 42*time.Second))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "42" {
		t.Errorf("Retry-After = %q, want 42", got)
	}
	var body RateLimitError
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.RetryAfter != 42 || body.Limit != 10 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestMissingCapability(t *testing.T) {
	if got := MissingCapability("queue"); got != "queue not configured" {
		t.Errorf("MissingCapability = %q", got)
	}
}

func TestAbortHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		abort  func(c *gin.Context, message string, details map[string]interface{})
		status int
	}{
		{"bad request", AbortWithBadRequest, http.StatusBadRequest},
		{"unauthorized", AbortWithUnauthorized, http.StatusUnauthorized},
		{"internal", AbortWithInternal, http.StatusInternalServerError},
		{"unavailable", AbortWithUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			tt.abort(c, "queue not configured", map[string]interface{}{"kind": "cleanup"})

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if !c.IsAborted() {
				t.Error("context not aborted")
			}
			var body APIError
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Error != "queue not configured" || body.Details["kind"] != "cleanup" {
				t.Errorf("body = %+v", body)
			}
		})
	}
}
