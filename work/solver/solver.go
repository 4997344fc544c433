package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dlhd-proxy/work/cookies"
	"dlhd-proxy/work/logger"
)

// Error is a failure talking to the challenge-solver service or an error
// envelope returned by it. The upstream message is surfaced when available.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("solver: %s: %v", e.Message, e.Err)
	}
	return "solver: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Result is the browser session outcome unwrapped from a solver envelope.
type Result struct {
	Status  int
	Body    string
	Headers map[string]any
	URL     string
}

// request.get command payload sent to the solver endpoint.
type commandPayload struct {
	Cmd        string            `json:"cmd"`
	URL        string            `json:"url"`
	MaxTimeout int               `json:"maxTimeout"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// envelope is the solver's JSON response wrapper. Status "ok" carries a
// solution; anything else is an error envelope whose message we surface.
type envelope struct {
	Status   string    `json:"status"`
	Message  string    `json:"message"`
	Solution *solution `json:"solution"`
}

type solution struct {
	Status   int            `json:"status"`
	Response string         `json:"response"`
	Headers  map[string]any `json:"headers"`
	URL      string         `json:"url"`
}

// Client talks to a Flaresolverr-compatible endpoint and persists any session
// cookies the solved browser session produced.
type Client struct {
	endpoint       string
	httpClient     *http.Client
	cookieStore    *cookies.Store
	defaultTimeout time.Duration
}

// NewClient builds a solver client. An empty endpoint produces a client whose
// Solve always fails with a configuration error, which keeps call sites simple.
func NewClient(endpoint string, httpClient *http.Client, store *cookies.Store, defaultTimeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &Client{
		endpoint:       endpoint,
		httpClient:     httpClient,
		cookieStore:    store,
		defaultTimeout: defaultTimeout,
	}
}

// Configured reports whether a solver endpoint is set.
func (c *Client) Configured() bool { return c.endpoint != "" }

// Solve runs a request.get command for targetURL through the solver and
// returns the solved page. Set-Cookie headers from the solution are stored
// under the target's hostname before returning.
func (c *Client) Solve(ctx context.Context, targetURL string, headers map[string]string, timeout time.Duration) (*Result, error) {
	if c.endpoint == "" {
		return nil, &Error{Message: "challenge solver is not configured"}
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	payload := commandPayload{
		Cmd:        "request.get",
		URL:        targetURL,
		MaxTimeout: int(timeout / time.Millisecond),
		Headers:    headers,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Message: "failed to encode solver command", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Message: "failed to build solver request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("request for %s failed", targetURL), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &Error{Message: fmt.Sprintf("request failed with HTTP %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &Error{Message: "invalid solver response", Err: err}
	}

	if env.Status != "ok" {
		message := env.Message
		if message == "" {
			message = "unknown solver error"
		}
		return nil, &Error{Message: message}
	}

	sol := env.Solution
	if sol == nil {
		sol = &solution{}
	}

	c.storeSolutionCookies(targetURL, sol.Headers)

	return &Result{
		Status:  sol.Status,
		Body:    sol.Response,
		Headers: sol.Headers,
		URL:     sol.URL,
	}, nil
}

// storeSolutionCookies persists every Set-Cookie header from a solution into
// the shared cookie store under the target's hostname.
func (c *Client) storeSolutionCookies(targetURL string, headers map[string]any) {
	if c.cookieStore == nil || len(headers) == 0 {
		return
	}

	var raw []string
	for key, value := range headers {
		if !strings.EqualFold(key, "set-cookie") {
			continue
		}
		switch v := value.(type) {
		case string:
			raw = append(raw, v)
		case []any:
			for _, item := range v {
				raw = append(raw, fmt.Sprint(item))
			}
		}
	}
	if len(raw) == 0 {
		return
	}

	hostname := hostOf(targetURL)
	c.cookieStore.StoreSetCookies(hostname, raw, time.Now())
	logger.Debug("{solver - Solve} stored %d cookies for %s", len(raw), hostname)
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return ""
}
