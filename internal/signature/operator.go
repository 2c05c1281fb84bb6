package signature

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// OperatorHeader is the alternative header for the operator shared secret.
const OperatorHeader = "X-Workflow-Secret"

// OperatorToken returns the secret presented by r, from a Bearer Authorization header or
// X-Workflow-Secret, or "" when neither is present.
func OperatorToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(OperatorHeader))
}

// MatchesSecret compares presented with configured in constant time.
// An empty configured secret never matches.
func MatchesSecret(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
