package errors

// APIError represents a simple standardized error response.
// Used for 400, 401, 413, 500 and 503 answers; 403 and 429 have their own shapes.
type APIError struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewAPIError creates a new APIError with the given message and optional details.
func NewAPIError(message string, details map[string]interface{}) *APIError {
	return &APIError{
		Error:   message,
		Details: details,
	}
}

// MissingCapability builds the message used when a deployment lacks a required
// piece of configuration, e.g. "queue not configured".
func MissingCapability(name string) string {
	return name + " not configured"
}
