package dispatch

import (
	"errors"
	"net/http"

	"github.com/eternisai/enchanted-workflows/internal/auth"
	apierrors "github.com/eternisai/enchanted-workflows/internal/errors"
	"github.com/eternisai/enchanted-workflows/internal/signature"
)

// Class is the trust category of an inbound workflow request.
type Class string

const (
	ClassCallback Class = "callback"
	ClassOperator Class = "operator"
	ClassEndUser  Class = "end_user"
	ClassRejected Class = "rejected"
)

// Classification is the result of Classify. Status and Error are set for rejected requests;
// Forbidden is set instead of Error for 403s.
type Classification struct {
	Class         Class
	Status        int
	Error         string
	Forbidden     *apierrors.ForbiddenError
	SessionCookie string
}

func rejected(status int, msg string) Classification {
	return Classification{Class: ClassRejected, Status: status, Error: msg}
}

// Classifier decides how a request authenticates. It performs no I/O.
type Classifier struct {
	verifier       *signature.Verifier
	operatorSecret string
	publicBaseURL  string
	appOrigins     []string
	cookieName     string
}

func NewClassifier(verifier *signature.Verifier, operatorSecret, publicBaseURL string, appOrigins []string, cookieName string) *Classifier {
	if cookieName == "" {
		cookieName = "__session"
	}
	return &Classifier{
		verifier:       verifier,
		operatorSecret: operatorSecret,
		publicBaseURL:  publicBaseURL,
		appOrigins:     appOrigins,
		cookieName:     cookieName,
	}
}

// Classify inspects r, whose raw body is body, arriving on path.
//
// A signature header always means a queue callback, and a callback is never downgraded to
// another class when it cannot be verified.
func (cl *Classifier) Classify(r *http.Request, path string, body []byte) Classification {
	if token := r.Header.Get(signature.HeaderName); token != "" {
		expected := ""
		if cl.publicBaseURL != "" {
			expected = cl.publicBaseURL + path
		}

		err := cl.verifier.Verify(token, body, expected)
		switch {
		case err == nil:
			return Classification{Class: ClassCallback}
		case errors.Is(err, signature.ErrKeysNotConfigured):
			return rejected(http.StatusInternalServerError, signature.ErrKeysNotConfigured.Error())
		default:
			return rejected(http.StatusUnauthorized, signature.ErrInvalidSignature.Error())
		}
	}

	if presented := signature.OperatorToken(r); presented != "" && signature.MatchesSecret(cl.operatorSecret, presented) {
		return Classification{Class: ClassOperator}
	}

	cookie := auth.SessionCookie(r, cl.cookieName)
	if cookie == "" {
		return rejected(http.StatusUnauthorized, "authentication required")
	}
	if !auth.OriginAllowed(r, cl.appOrigins) {
		return Classification{Class: ClassRejected, Status: http.StatusForbidden, Forbidden: apierrors.OriginNotAllowed(r.Header.Get("Origin"))}
	}

	return Classification{Class: ClassEndUser, SessionCookie: cookie}
}
