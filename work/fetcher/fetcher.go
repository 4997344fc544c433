package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/ratelimit"
	"golang.org/x/net/proxy"

	"dlhd-proxy/work/config"
	"dlhd-proxy/work/cookies"
	"dlhd-proxy/work/logger"
	"dlhd-proxy/work/metrics"
	"dlhd-proxy/work/solver"
)

// NetworkError is a transport-level fetch failure (connection, timeout).
// HTTP error statuses are not NetworkErrors; they are returned as responses.
type NetworkError struct {
	URL       string
	Transport string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request to %s via %s failed: %v", e.URL, e.Transport, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Response is the transport-agnostic result of a fetch. Callers interpret
// status codes themselves; the fetcher only fails on transport errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// Text returns the response body as a string.
func (r *Response) Text() string { return string(r.Body) }

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error { return json.Unmarshal(r.Body, v) }

// transport identifies which path a request took.
type transport string

const (
	transportDirect transport = "direct"
	transportSolver transport = "flaresolverr"
	transportNone   transport = ""
)

// transportPolicy is the explicit two-attempt plan for one fetch: a primary
// transport, at most one fallback, and the status trigger that switches to
// it. Keeping this a value makes the single-retry guarantee testable.
type transportPolicy struct {
	primary  transport
	fallback transport
	trigger  func(status int) bool
}

func retryOnAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// Fetcher performs upstream GETs, transparently switching between the direct
// HTTP transport and the challenge-solver transport based on cookie validity
// and observed auth failures. One Fetcher owns one HTTP session and one
// cookie store; it is safe for concurrent use.
type Fetcher struct {
	cfg     *config.Config
	client  *http.Client
	solver  *solver.Client
	cookies *cookies.Store
	limiter ratelimit.Limiter

	mu            sync.Mutex
	lastTransport transport
}

// New builds a Fetcher with a tuned transport, optional SOCKS5 egress, and
// an outbound rate limiter.
func New(cfg *config.Config, store *cookies.Store) (*Fetcher, error) {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.Socks5 != "" {
		dialer, err := proxy.SOCKS5("tcp", cfg.Socks5, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("invalid SOCKS5 proxy %q: %w", cfg.Socks5, err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			tr.Proxy = nil
			tr.DialContext = cd.DialContext
		}
	}

	httpClient := &http.Client{Transport: tr}

	return &Fetcher{
		cfg:     cfg,
		client:  httpClient,
		solver:  solver.NewClient(cfg.FlaresolverrURL, httpClient, store, cfg.FlaresolverrTimeout),
		cookies: store,
		limiter: ratelimit.New(cfg.RequestsPerSecond),
	}, nil
}

// Headers synthesizes the request headers every upstream call carries. An
// empty referer defaults to the upstream base URL.
func (f *Fetcher) Headers(referer, origin string) map[string]string {
	if referer == "" {
		referer = f.cfg.UpstreamURL
	}
	headers := map[string]string{
		"Referer":    referer,
		"User-Agent": f.cfg.UserAgent,
	}
	if origin != "" {
		headers["Origin"] = origin
	}
	return headers
}

// Cookies exposes the session cookie store.
func (f *Fetcher) Cookies() *cookies.Store { return f.cookies }

// Fetch GETs url with the given headers, choosing the transport per policy:
// the solver runs first only when it is configured, the hostname is
// protected, and no valid session cookie exists; otherwise the request goes
// direct with exactly one solver retry on 401/403. Non-2xx statuses are
// returned to the caller, never raised.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, headers map[string]string, timeout time.Duration) (*Response, error) {
	f.limiter.Take()

	pol := f.policyFor(rawURL)
	used := pol.primary

	resp, err := f.attempt(ctx, pol.primary, rawURL, headers, timeout)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(string(pol.primary), "network_error").Inc()
		if f.shouldLog(rawURL) {
			logger.Error("{fetcher - Fetch} request to %s via %s failed: %v", rawURL, pol.primary, err)
		}
		return nil, &NetworkError{URL: rawURL, Transport: string(pol.primary), Err: err}
	}

	if pol.fallback != transportNone && pol.trigger != nil && pol.trigger(resp.StatusCode) {
		if f.shouldLog(rawURL) {
			logger.Info("{fetcher - Fetch} switching transport to %s for %s after HTTP %d",
				pol.fallback, rawURL, resp.StatusCode)
		}
		used = pol.fallback
		resp, err = f.attempt(ctx, pol.fallback, rawURL, headers, timeout)
		if err != nil {
			metrics.UpstreamRequests.WithLabelValues(string(pol.fallback), "network_error").Inc()
			return nil, &NetworkError{URL: rawURL, Transport: string(pol.fallback), Err: err}
		}
	}

	f.observeTransportChange(used, rawURL)

	outcome := "ok"
	if resp.StatusCode >= 400 {
		outcome = "http_error"
	}
	metrics.UpstreamRequests.WithLabelValues(string(used), outcome).Inc()

	if f.shouldLog(rawURL) {
		if resp.StatusCode >= 400 {
			logger.Warn("{fetcher - Fetch} request to %s via %s returned HTTP %d", rawURL, used, resp.StatusCode)
		} else {
			logger.Info("{fetcher - Fetch} request to %s via %s succeeded with HTTP %d", rawURL, used, resp.StatusCode)
		}
	}

	return resp, nil
}

// policyFor decides the transport plan for one URL, reading cookie validity
// fresh on every call.
func (f *Fetcher) policyFor(rawURL string) transportPolicy {
	if !f.canUseSolver(rawURL) {
		return transportPolicy{primary: transportDirect}
	}
	if !f.cookies.HasValid(hostnameOf(rawURL), time.Now()) {
		return transportPolicy{primary: transportSolver}
	}
	return transportPolicy{
		primary:  transportDirect,
		fallback: transportSolver,
		trigger:  retryOnAuthStatus,
	}
}

// canUseSolver reports whether the solver transport is available for url:
// an endpoint must be configured and the hostname must be protected.
func (f *Fetcher) canUseSolver(rawURL string) bool {
	if !f.solver.Configured() {
		return false
	}
	return domainMatch(hostnameOf(rawURL), f.cfg.ProtectedDomains)
}

func (f *Fetcher) attempt(ctx context.Context, mode transport, rawURL string, headers map[string]string, timeout time.Duration) (*Response, error) {
	switch mode {
	case transportSolver:
		res, err := f.solver.Solve(ctx, rawURL, headers, timeout)
		if err != nil {
			return nil, err
		}
		header := http.Header{}
		for key, value := range res.Headers {
			// Repeated headers (notably set-cookie) arrive as a JSON array.
			if values, ok := value.([]any); ok {
				for _, v := range values {
					header.Add(key, fmt.Sprint(v))
				}
				continue
			}
			header.Add(key, fmt.Sprint(value))
		}
		return &Response{
			StatusCode: res.Status,
			Header:     header,
			Body:       []byte(res.Body),
			URL:        res.URL,
		}, nil
	default:
		return f.direct(ctx, rawURL, headers, timeout)
	}
}

func (f *Fetcher) direct(ctx context.Context, rawURL string, headers map[string]string, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if cookieHeader := f.cookies.CookieHeader(hostnameOf(rawURL), time.Now()); cookieHeader != "" {
		req.Header.Set("Cookie", cookieHeader)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        finalURL,
	}, nil
}

// observeTransportChange records transitions between transports. The mode is
// tracked only to detect and log switches, not to gate behavior.
func (f *Fetcher) observeTransportChange(used transport, rawURL string) {
	f.mu.Lock()
	previous := f.lastTransport
	f.lastTransport = used
	f.mu.Unlock()

	if previous == transportNone || previous == used {
		return
	}

	metrics.TransportSwitches.WithLabelValues(string(used)).Inc()
	if f.shouldLog(rawURL) {
		logger.Info("{fetcher - observeTransportChange} transport for %s switched to %s", hostnameOf(rawURL), used)
	}
}

func (f *Fetcher) shouldLog(rawURL string) bool {
	return domainMatch(hostnameOf(rawURL), f.cfg.LoggedDomains)
}

func hostnameOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return strings.ToLower(u.Hostname())
	}
	return ""
}

func domainMatch(hostname string, domains []string) bool {
	for _, domain := range domains {
		if strings.HasSuffix(hostname, strings.ToLower(domain)) {
			return true
		}
	}
	return false
}
