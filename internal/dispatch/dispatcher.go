// Package dispatch serves the workflow endpoints: it authenticates each request and runs the job
// inline, enqueues it for durable execution, or resumes a durable run from a queue callback.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/eternisai/enchanted-workflows/internal/auth"
	"github.com/eternisai/enchanted-workflows/internal/cleanup"
	"github.com/eternisai/enchanted-workflows/internal/config"
	"github.com/eternisai/enchanted-workflows/internal/durable"
	apierrors "github.com/eternisai/enchanted-workflows/internal/errors"
	"github.com/eternisai/enchanted-workflows/internal/logger"
	"github.com/eternisai/enchanted-workflows/internal/metrics"
	"github.com/eternisai/enchanted-workflows/internal/ratelimit"
	"github.com/eternisai/enchanted-workflows/internal/title_generation"
)

const (
	maxRequestBody  = 64 << 10
	maxCallbackBody = 1 << 20
)

// Execution paths reported in metrics.
const (
	pathInline   = "inline"
	pathQueued   = "queued"
	pathCallback = "callback"
	pathRejected = "rejected"
)

// CallbackHandler resumes durable runs from verified queue deliveries.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, kind durable.Kind, body []byte) durable.CallbackResult
}

// Deps are the collaborators of a Dispatcher. Any of Callbacks, Enqueuer, Bridge and Limiter
// may be nil; requests that need a missing one are answered with a 500 naming it.
type Deps struct {
	Registry   *durable.Registry
	Classifier *Classifier
	Callbacks  CallbackHandler
	Enqueuer   durable.Enqueuer
	Bridge     *auth.TokenBridge
	Limiter    ratelimit.Limiter
	Logger     *logger.Logger
	Metrics    metrics.Metrics
}

// Options tune dispatch decisions.
//
// In auto execution mode a configured PublicBaseURL decides whether the deployment is local.
// Without one, a request runs inline only when it names a local host and arrives over loopback.
type Options struct {
	ExecutionMode string
	PublicBaseURL string
	TrustMode     string
	CleanupAdmins []string
}

// Dispatcher routes workflow requests.
type Dispatcher struct {
	deps Deps
	opts Options
	log  *logger.Logger

	// local is the deployment locality derived from PublicBaseURL, nil when it is unset.
	local *bool
}

func New(deps Deps, opts Options) *Dispatcher {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if opts.ExecutionMode == "" {
		opts.ExecutionMode = config.ExecutionAuto
	}
	d := &Dispatcher{
		deps: deps,
		opts: opts,
		log:  deps.Logger.WithComponent("dispatch"),
	}
	if opts.PublicBaseURL != "" {
		local := false
		if u, err := url.Parse(opts.PublicBaseURL); err == nil {
			local = IsLocalHost(u.Host)
		}
		d.local = &local
	}
	return d
}

// RegisterRoutes adds a POST handler for every registered workflow.
func (d *Dispatcher) RegisterRoutes(r gin.IRouter) {
	for _, w := range d.deps.Registry.All() {
		r.POST(w.Path, d.Handler(w))
	}
}

// Handler serves one workflow endpoint.
func (d *Dispatcher) Handler(w durable.Workflow) gin.HandlerFunc {
	endpoint := string(w.Kind)

	return func(c *gin.Context) {
		ctx := logger.WithOperation(c.Request.Context(), endpoint)
		c.Request = c.Request.WithContext(ctx)

		limit := int64(maxRequestBody)
		if c.GetHeader("Upstash-Signature") != "" {
			limit = maxCallbackBody
		}
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, apierrors.NewAPIError("request body too large", nil))
				return
			}
			apierrors.AbortWithBadRequest(c, "failed to read request body", nil)
			return
		}

		cls := d.deps.Classifier.Classify(c.Request, w.Path, body)
		switch cls.Class {
		case ClassCallback:
			d.handleCallback(c, w, body)
		case ClassOperator:
			d.handleOperator(c, w, body)
		case ClassEndUser:
			d.handleEndUser(c, w, body, cls.SessionCookie)
		default:
			d.deps.Metrics.IncDispatch(endpoint, string(ClassRejected), pathRejected)
			d.log.WithContext(ctx).Warn("workflow request rejected",
				slog.String("endpoint", endpoint),
				slog.Int("status", cls.Status))
			if cls.Forbidden != nil {
				apierrors.AbortWithForbidden(c, cls.Forbidden)
				return
			}
			c.AbortWithStatusJSON(cls.Status, apierrors.NewAPIError(cls.Error, nil))
		}
	}
}

func (d *Dispatcher) handleCallback(c *gin.Context, w durable.Workflow, body []byte) {
	d.deps.Metrics.IncDispatch(string(w.Kind), string(ClassCallback), pathCallback)

	if d.deps.Callbacks == nil {
		apierrors.AbortWithInternal(c, apierrors.MissingCapability("workflow callback engine"), nil)
		return
	}

	res := d.deps.Callbacks.HandleCallback(c.Request.Context(), w.Kind, body)
	c.JSON(res.Status, res.Body)
}

func (d *Dispatcher) handleOperator(c *gin.Context, w durable.Workflow, body []byte) {
	payload, err := d.decode(w.Kind, body, "")
	if err != nil {
		apierrors.AbortWithBadRequest(c, err.Error(), nil)
		return
	}

	if d.runInline(c.Request) {
		d.deps.Metrics.IncDispatch(string(w.Kind), string(ClassOperator), pathInline)
		d.execute(c, w, payload)
		return
	}

	d.deps.Metrics.IncDispatch(string(w.Kind), string(ClassOperator), pathQueued)
	d.enqueue(c, w, payload)
}

func (d *Dispatcher) handleEndUser(c *gin.Context, w durable.Workflow, body []byte, cookie string) {
	endpoint := string(w.Kind)
	ctx := c.Request.Context()

	if d.deps.Bridge == nil {
		apierrors.AbortWithInternal(c, apierrors.MissingCapability("session authentication"), nil)
		return
	}
	principal, err := d.deps.Bridge.ExchangeSession(ctx, cookie)
	if err != nil {
		if errors.Is(err, auth.ErrSessionsNotConfigured) || errors.Is(err, auth.ErrIssuerNotConfigured) {
			d.log.WithContext(ctx).Error("session exchange unavailable", slog.String("error", err.Error()))
			apierrors.AbortWithInternal(c, apierrors.MissingCapability("session authentication"), nil)
			return
		}
		apierrors.AbortWithUnauthorized(c, "invalid session", nil)
		return
	}
	auth.SetUserID(c, principal.UserID)
	ctx = c.Request.Context()

	if !d.allowRate(c, endpoint) {
		return
	}

	payload, err := d.decode(w.Kind, body, principal.UserID)
	if err != nil {
		var forbidden *forbiddenError
		if errors.As(err, &forbidden) {
			apierrors.AbortWithForbidden(c, forbidden.err)
			return
		}
		apierrors.AbortWithBadRequest(c, err.Error(), nil)
		return
	}

	if w.Kind == durable.KindCleanup && !slices.Contains(d.opts.CleanupAdmins, principal.UserID) {
		apierrors.AbortWithForbidden(c, apierrors.NotCleanupAdmin())
		return
	}

	if d.runInline(c.Request) {
		d.deps.Metrics.IncDispatch(endpoint, string(ClassEndUser), pathInline)
		d.execute(c, w, payload)
		return
	}

	if d.deps.Enqueuer == nil {
		apierrors.AbortWithInternal(c, apierrors.MissingCapability("queue"), nil)
		return
	}

	// Only a reference to the backend token goes on the queue.
	if p, ok := payload.(title_generation.Payload); ok {
		ref, err := d.deps.Bridge.StoreToken(ctx, principal.AccessToken)
		if err != nil {
			d.log.WithContext(ctx).Error("failed to store access token", slog.String("error", err.Error()))
			apierrors.AbortWithUnavailable(c, "durable execution unavailable", nil)
			return
		}
		p.AuthTokenRef = ref
		payload = p
	}

	d.deps.Metrics.IncDispatch(endpoint, string(ClassEndUser), pathQueued)
	d.enqueue(c, w, payload)
}

// allowRate applies the per-client limit, writing the rejection itself when it returns false.
func (d *Dispatcher) allowRate(c *gin.Context, endpoint string) bool {
	if d.deps.Limiter == nil {
		apierrors.AbortWithInternal(c, apierrors.MissingCapability("rate limiter"), nil)
		return false
	}

	ip, ok := ratelimit.ResolveClientIP(c.Request, d.opts.TrustMode)
	if !ok {
		apierrors.AbortWithBadRequest(c, "unable to determine client address", map[string]interface{}{
			"trust_mode": d.opts.TrustMode,
		})
		return false
	}

	decision, err := d.deps.Limiter.Allow(c.Request.Context(), ratelimit.Key(endpoint, ip.String()))
	if err != nil {
		d.log.WithContext(c.Request.Context()).Error("rate limiter unavailable", slog.String("error", err.Error()))
		apierrors.AbortWithUnavailable(c, "rate limiter unavailable", nil)
		return false
	}
	if !decision.Allowed {
		d.deps.Metrics.IncRateLimited(endpoint)
		apierrors.AbortWithRateLimit(c, apierrors.WindowLimitExceeded(decision.Limit, decision.Remaining, decision.ResetAt, decision.RetryAfter))
		return false
	}

	c.Header("X-RateLimit-Limit", itoa(decision.Limit))
	c.Header("X-RateLimit-Remaining", itoa(decision.Remaining))
	return true
}

type forbiddenError struct {
	err *apierrors.ForbiddenError
}

func (e *forbiddenError) Error() string { return e.err.Error }

// decode validates body for kind. userID is the authenticated end user, or "" for operators.
func (d *Dispatcher) decode(kind durable.Kind, body []byte, userID string) (any, error) {
	switch kind {
	case durable.KindCleanup:
		return cleanup.DecodePayload(body)

	case durable.KindGenerateTitle:
		p, err := title_generation.DecodePayload(body)
		if err != nil {
			return nil, err
		}
		if userID != "" {
			if p.UserID != "" && p.UserID != userID {
				return nil, &forbiddenError{err: apierrors.UserMismatch(p.ChatID)}
			}
			p.UserID = userID
			p.AuthTokenRef = ""
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: unknown workflow kind %q", durable.ErrInvalidPayload, kind)
	}
}

// execute runs the job on the request goroutine and writes its outcome.
func (d *Dispatcher) execute(c *gin.Context, w durable.Workflow, payload any) {
	ctx := c.Request.Context()
	log := d.log.WithContext(ctx)

	raw, err := json.Marshal(payload)
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to encode payload", nil)
		return
	}

	outcome, err := w.Handler(ctx, durable.NewInline(), raw)
	if err != nil {
		if errors.Is(err, durable.ErrInvalidPayload) {
			apierrors.AbortWithBadRequest(c, err.Error(), nil)
			return
		}
		log.Error("inline workflow failed", slog.String("kind", string(w.Kind)), slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "workflow failed", nil)
		return
	}

	d.deps.Metrics.IncJobOutcome(string(w.Kind), outcome.Label())
	log.Info("inline workflow completed",
		slog.String("kind", string(w.Kind)),
		slog.String("result", outcome.Label()))

	status := http.StatusOK
	if outcome.Fatal() {
		status = http.StatusInternalServerError
	}
	c.JSON(status, outcome)
}

func (d *Dispatcher) enqueue(c *gin.Context, w durable.Workflow, payload any) {
	if d.deps.Enqueuer == nil {
		apierrors.AbortWithInternal(c, apierrors.MissingCapability("queue"), nil)
		return
	}

	runID, err := d.deps.Enqueuer.Enqueue(c.Request.Context(), w.Kind, payload)
	if err != nil {
		d.log.WithContext(c.Request.Context()).Error("failed to enqueue workflow",
			slog.String("kind", string(w.Kind)),
			slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "failed to enqueue workflow", nil)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"queued": true, "workflowRunId": runID})
}

// runInline reports whether a request should run on the calling goroutine.
func (d *Dispatcher) runInline(r *http.Request) bool {
	switch d.opts.ExecutionMode {
	case config.ExecutionInline:
		return true
	case config.ExecutionQueue:
		return false
	default:
		if d.local != nil {
			return *d.local
		}
		return IsLocalHost(r.Host) && isLoopbackPeer(r.RemoteAddr)
	}
}

// isLoopbackPeer reports whether the TCP peer address is a loopback address.
func isLoopbackPeer(remoteAddr string) bool {
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return false
	}
	return ap.Addr().Unmap().IsLoopback()
}

// IsLocalHost reports whether host (optionally with a port) names a local development address.
func IsLocalHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))

	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
