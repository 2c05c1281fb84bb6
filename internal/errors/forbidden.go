package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ForbiddenReason represents machine-readable reason codes for 403 errors.
type ForbiddenReason string

const (
	// Request origin
	ReasonOriginNotAllowed ForbiddenReason = "origin_not_allowed"

	// Access Control
	ReasonNotCleanupAdmin ForbiddenReason = "not_cleanup_admin"
	ReasonUserMismatch    ForbiddenReason = "user_mismatch"
)

// ForbiddenError represents a standardized 403 Forbidden response.
type ForbiddenError struct {
	Error     string                 `json:"error"`             // Technical error message (for logs)
	UIMessage string                 `json:"uiMessage"`         // User-friendly message (for UI display)
	Reason    ForbiddenReason        `json:"reason"`            // Machine-readable reason code
	Details   map[string]interface{} `json:"details,omitempty"` // Optional context data
}

// NewForbiddenError creates a new ForbiddenError with the given parameters.
func NewForbiddenError(reason ForbiddenReason, errorMsg, uiMessage string, details map[string]interface{}) *ForbiddenError {
	return &ForbiddenError{
		Error:     errorMsg,
		UIMessage: uiMessage,
		Reason:    reason,
		Details:   details,
	}
}

// AbortWithForbidden sends a 403 response with the ForbiddenError and aborts the request.
func AbortWithForbidden(c *gin.Context, err *ForbiddenError) {
	c.AbortWithStatusJSON(http.StatusForbidden, err)
}

// OriginNotAllowed creates a ForbiddenError for a cross-origin browser request.
func OriginNotAllowed(origin string) *ForbiddenError {
	return NewForbiddenError(
		ReasonOriginNotAllowed,
		"Forbidden: request origin is not allowed",
		"This request must come from the application.",
		map[string]interface{}{
			"origin": origin,
		},
	)
}

// NotCleanupAdmin creates a ForbiddenError for users that may not trigger retention cleanup.
func NotCleanupAdmin() *ForbiddenError {
	return NewForbiddenError(
		ReasonNotCleanupAdmin,
		"Forbidden: cleanup requires an administrator",
		"You don't have permission to run data cleanup.",
		nil,
	)
}

// UserMismatch creates a ForbiddenError when a payload names a different user than the session.
func UserMismatch(chatID string) *ForbiddenError {
	return NewForbiddenError(
		ReasonUserMismatch,
		"Forbidden: payload user does not match session",
		"You don't have permission to access this chat.",
		map[string]interface{}{
			"chat_id": chatID,
		},
	)
}
