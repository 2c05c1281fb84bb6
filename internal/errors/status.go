package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func abort(c *gin.Context, status int, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(status, NewAPIError(message, details))
}

// AbortWithBadRequest rejects a malformed or invalid request with 400.
func AbortWithBadRequest(c *gin.Context, message string, details map[string]interface{}) {
	abort(c, http.StatusBadRequest, message, details)
}

// AbortWithUnauthorized rejects a request whose credentials are missing or invalid with 401.
func AbortWithUnauthorized(c *gin.Context, message string, details map[string]interface{}) {
	abort(c, http.StatusUnauthorized, message, details)
}

// AbortWithInternal answers 500. Configuration gaps use MissingCapability for the message.
func AbortWithInternal(c *gin.Context, message string, details map[string]interface{}) {
	abort(c, http.StatusInternalServerError, message, details)
}

// AbortWithUnavailable answers 503 when a backing service is unreachable and the caller may retry.
func AbortWithUnavailable(c *gin.Context, message string, details map[string]interface{}) {
	abort(c, http.StatusServiceUnavailable, message, details)
}
