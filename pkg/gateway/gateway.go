// Package gateway forwards invocations to deployed functions.
//
// Whether a call is forwarded depends only on the application's state. The
// gateway never calls the provisioner for an application that cannot serve
// traffic; it answers with an outcome the HTTP layer maps to a status code.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fnplane/fnplane/pkg/engine"
	"github.com/fnplane/fnplane/pkg/stores"
	"github.com/fnplane/fnplane/pkg/telemetry"
)

// ErrUpstream is returned (wrapped) when the function could not be reached.
var ErrUpstream = errors.New("upstream function unreachable")

// Outcome is the result of admitting an invocation.
type Outcome string

const (
	// OutcomeForwarded means the call reached the function.
	OutcomeForwarded Outcome = "forwarded"
	// OutcomeGone means the application was deleted or is being deleted.
	OutcomeGone Outcome = "gone"
	// OutcomePermanentlyUnavailable means the last operation failed and a new
	// request is needed before the application serves traffic again.
	OutcomePermanentlyUnavailable Outcome = "permanently_unavailable"
	// OutcomeNotReady means the application is still being provisioned.
	OutcomeNotReady Outcome = "not_ready"
)

// Admit decides the outcome of an invocation from the application alone.
func Admit(app *engine.Application) Outcome {
	switch app.State {
	case engine.StateDeleted, engine.StateDeleteRequested:
		return OutcomeGone
	case engine.StateCreateFailed, engine.StateUpdateFailed, engine.StateDeleteFailed:
		return OutcomePermanentlyUnavailable
	case engine.StateActive:
		if app.InvokeURL == nil || *app.InvokeURL == "" {
			return OutcomeNotReady
		}
		return OutcomeForwarded
	default:
		return OutcomeNotReady
	}
}

// Request is an invocation to forward.
type Request struct {
	Method string
	Header http.Header
	Body   io.Reader
	// Subpath is appended to the function URL.
	Subpath string
	Query   url.Values
}

// Response is what the gateway answers. Body is set only for forwarded
// calls and must be closed by the caller.
type Response struct {
	Outcome    Outcome
	State      engine.State
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ApplicationReader is the read access the gateway needs.
type ApplicationReader interface {
	GetApplication(ctx context.Context, name string) (*engine.Application, error)
}

// Config wires a Gateway.
type Config struct {
	Applications ApplicationReader
	// Timeout bounds a forwarded call. Zero means 30s.
	Timeout time.Duration
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Logger    zerolog.Logger
	Metrics   *telemetry.Metrics
}

// Gateway forwards calls to ACTIVE applications.
type Gateway struct {
	apps    ApplicationReader
	client  *http.Client
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// New creates a gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Applications == nil {
		return nil, fmt.Errorf("application reader is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Gateway{
		apps: cfg.Applications,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
			// Redirects are relayed to the caller.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  telemetry.Component(cfg.Logger, "gateway"),
		metrics: cfg.Metrics,
	}, nil
}

// Invoke forwards req to the root of the application's function URL.
func (g *Gateway) Invoke(ctx context.Context, name string, req *Request) (*Response, error) {
	req.Subpath = ""
	return g.Proxy(ctx, name, req)
}

// Proxy forwards req to the application's function URL joined with
// req.Subpath and req.Query.
func (g *Gateway) Proxy(ctx context.Context, name string, req *Request) (*Response, error) {
	app, err := g.apps.GetApplication(ctx, name)
	if errors.Is(err, stores.ErrNotFound) {
		g.metrics.RecordInvocation("not_found")
		return nil, engine.NewApplicationNotFoundError(name)
	}
	if err != nil {
		g.metrics.RecordInvocation("error")
		return nil, fmt.Errorf("failed to load application %s: %w", name, err)
	}

	outcome := Admit(app)
	if outcome != OutcomeForwarded {
		g.logger.Debug().
			Str("application", name).
			Str("state", string(app.State)).
			Str("outcome", string(outcome)).
			Msg("invocation rejected")
		g.metrics.RecordInvocation(string(outcome))
		return &Response{Outcome: outcome, State: app.State}, nil
	}

	target, err := TargetURL(*app.InvokeURL, req.Subpath, req.Query)
	if err != nil {
		g.metrics.RecordInvocation("error")
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	out, err := http.NewRequestWithContext(ctx, method, target, req.Body)
	if err != nil {
		g.metrics.RecordInvocation("error")
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	copyHeaders(out.Header, req.Header)

	timer := telemetry.NewTimer()
	resp, err := g.client.Do(out)
	if err != nil {
		g.metrics.RecordInvocation("upstream_error")
		g.logger.Warn().Err(err).Str("application", name).Str("target", target).Msg("forward failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstream, name, err)
	}
	g.metrics.RecordForward(resp.StatusCode, timer.Duration())
	g.metrics.RecordInvocation(string(OutcomeForwarded))

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)

	return &Response{
		Outcome:    OutcomeForwarded,
		State:      app.State,
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
	}, nil
}

// TargetURL joins the function URL with subpath and merges query into the
// URL's own query string.
func TargetURL(invokeURL, subpath string, query url.Values) (string, error) {
	u, err := url.Parse(invokeURL)
	if err != nil {
		return "", fmt.Errorf("invalid invoke url %q: %w", invokeURL, err)
	}

	if subpath = strings.TrimPrefix(subpath, "/"); subpath != "" {
		u = u.JoinPath(subpath)
	}

	if len(query) > 0 {
		merged := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				merged.Add(k, v)
			}
		}
		u.RawQuery = merged.Encode()
	}
	return u.String(), nil
}

// hopHeaders apply to a single connection and are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
	for _, f := range dst.Values("Connection") {
		for _, h := range strings.Split(f, ",") {
			dst.Del(strings.TrimSpace(h))
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	dst.Del("Host")
}
