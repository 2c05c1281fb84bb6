package errors

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimitError represents a standardized 429 Too Many Requests response.
type RateLimitError struct {
	Error      string    `json:"error"`
	Limit      int64     `json:"limit"`
	Remaining  int64     `json:"remaining"`
	ResetsAt   time.Time `json:"resets_at"`
	RetryAfter int64     `json:"retry_after"`
}

// AbortWithRateLimit sends a 429 response with the RateLimitError and aborts the request.
// The Retry-After header carries the same value as the body, in whole seconds.
func AbortWithRateLimit(c *gin.Context, err *RateLimitError) {
	c.Header("Retry-After", strconv.FormatInt(err.RetryAfter, 10))
	c.Header("X-RateLimit-Limit", strconv.FormatInt(err.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(err.Remaining, 10))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, err)
}

// WindowLimitExceeded creates a RateLimitError for a sliding window quota.
// retryAfter is rounded up to whole seconds and never below one.
func WindowLimitExceeded(limit, remaining int64, resetsAt time.Time, retryAfter time.Duration) *RateLimitError {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &RateLimitError{
		Error:      "rate limit exceeded",
		Limit:      limit,
		Remaining:  remaining,
		ResetsAt:   resetsAt,
		RetryAfter: secs,
	}
}
