// Package resolver executes the multi-hop channel resolution protocol:
// stream page, embed iframe, auth handshake, server lookup, playlist fetch.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/grafana/regexp"

	"dlhd-proxy/work/config"
	"dlhd-proxy/work/fetcher"
	"dlhd-proxy/work/logger"
	"dlhd-proxy/work/metrics"
	"dlhd-proxy/work/rewrite"
	"dlhd-proxy/work/scrape"
	"dlhd-proxy/work/token"
)

// channelKeyName is the JS constant the embed page defines for its key.
const channelKeyName = "CHANNEL_KEY"

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	portSuffixRe = regexp.MustCompile(`^(https?://[^/]*?):([^/]*)(/.*)?$`)
)

// ProtocolError is a parse or validation failure at one resolution step. It
// aborts the whole resolution; there is no partial playlist output and no
// automatic retry.
type ProtocolError struct {
	Step    string
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// fetchClient is the slice of the adaptive fetcher the resolver drives.
type fetchClient interface {
	Fetch(ctx context.Context, rawURL string, headers map[string]string, timeout time.Duration) (*fetcher.Response, error)
	Headers(referer, origin string) map[string]string
}

// Resolver turns a channel id into a rewritten, client-facing HLS playlist.
type Resolver struct {
	cfg      *config.Config
	fetch    fetchClient
	rewriter *rewrite.Rewriter
	codec    *token.Codec
}

// New builds a Resolver on top of the shared fetcher and token codec.
func New(cfg *config.Config, fetch fetchClient, rewriter *rewrite.Rewriter, codec *token.Codec) *Resolver {
	return &Resolver{
		cfg:      cfg,
		fetch:    fetch,
		rewriter: rewriter,
		codec:    codec,
	}
}

// Resolve runs the resolution protocol for one channel and returns the
// rewritten playlist text. The steps are strictly sequential; any parse or
// validation failure aborts with a ProtocolError.
func (r *Resolver) Resolve(ctx context.Context, channelID string) (string, error) {

	// Step 1: the stream page carries the player iframe.
	streamPageURL := fmt.Sprintf("%s/stream/stream-%s.php", r.cfg.UpstreamURL, channelID)
	pageResp, err := r.fetch.Fetch(ctx, streamPageURL, r.fetch.Headers("", ""), 0)
	if err != nil {
		return "", err
	}
	sourceURL, err := scrape.ExtractIframeSrc(pageResp.Text())
	if err != nil {
		return "", r.protoErr("iframe", "failed to find source URL for channel %s", channelID)
	}

	// Step 2: the embed page defines the channel key constant.
	embedResp, err := r.fetch.Fetch(ctx, sourceURL, r.fetch.Headers(streamPageURL, ""), 0)
	if err != nil {
		return "", err
	}
	channelKey, err := scrape.ExtractConst(channelKeyName, embedResp.Text())
	if err != nil {
		return "", r.protoErr("channel_key", "%v", err)
	}
	logger.Info("{resolver - Resolve} resolved channel %s to source %s with key %s", channelID, sourceURL, channelKey)

	// Step 3: decode the obfuscated auth bundle.
	bundle, err := scrape.DecodeBundle(embedResp.Text())
	if err != nil {
		return "", r.protoErr("bundle", "%v", err)
	}

	// Step 4: normalize the auth host out of the bundle.
	authBase, err := normalizeAuthHost(bundle.Host)
	if err != nil {
		return "", r.protoErr("auth_host", "%v", err)
	}

	// Step 5: timed auth handshake; anything but 200 kills the resolution.
	authRef := &url.URL{
		Path:     "auth.php",
		RawQuery: fmt.Sprintf("channel_id=%s&ts=%s&rnd=%s&sig=%s", channelKey, bundle.TS, bundle.Rnd, bundle.Sig),
	}
	authRequestURL := authBase.ResolveReference(authRef).String()
	logger.Debug("{resolver - Resolve} requesting auth for channel %s from %s", channelID, authRequestURL)
	authResp, err := r.fetch.Fetch(ctx, authRequestURL, r.fetch.Headers(sourceURL, ""), 0)
	if err != nil {
		return "", err
	}
	if authResp.StatusCode != 200 {
		return "", r.protoErr("auth", "failed to get auth response for channel %s: HTTP %d", channelID, authResp.StatusCode)
	}

	// Step 6: server lookup on the iframe's own host.
	iframeURL, err := url.Parse(sourceURL)
	if err != nil {
		return "", r.protoErr("server_lookup", "invalid source URL %q: %v", sourceURL, err)
	}
	lookupURL := fmt.Sprintf("%s://%s/server_lookup.php?channel_id=%s", iframeURL.Scheme, iframeURL.Host, channelKey)
	logger.Debug("{resolver - Resolve} fetching server key for channel %s from %s", channelID, lookupURL)
	lookupResp, err := r.fetch.Fetch(ctx, lookupURL, r.fetch.Headers(sourceURL, ""), 0)
	if err != nil {
		return "", err
	}
	var lookup struct {
		ServerKey string `json:"server_key"`
	}
	if err := lookupResp.JSON(&lookup); err != nil {
		return "", r.protoErr("server_lookup", "invalid server lookup response: %v", err)
	}
	if lookup.ServerKey == "" {
		return "", r.protoErr("server_lookup", "no server key found in response")
	}

	// Step 7: validate the server key and derive the CDN base.
	serverBase, serverKey, err := serverBaseFor(lookup.ServerKey)
	if err != nil {
		return "", r.protoErr("server_key", "%v", err)
	}

	// Step 8: fetch the real playlist, carrying the encoded iframe referer.
	serverURL := joinURL(serverBase, fmt.Sprintf("%s/%s/mono.m3u8", serverKey, channelKey))
	playlistResp, err := r.fetch.Fetch(ctx, serverURL, r.fetch.Headers(percentEncode(sourceURL), ""), 0)
	if err != nil {
		return "", err
	}
	logger.Info("{resolver - Resolve} retrieved playlist for channel %s from %s (auth host %s)",
		channelID, serverURL, authBase.Host)

	// Step 9: hand off to the rewriter.
	metrics.ResolutionsTotal.Inc()
	return r.rewriter.Rewrite(playlistResp.Text(), playlistResp.URL, sourceURL), nil
}

// Key recovers the decryption-key URL and referer host from their opaque
// tokens and fetches the key bytes on the caller's behalf.
func (r *Resolver) Key(ctx context.Context, urlToken, hostToken string) ([]byte, error) {
	keyURL, err := r.codec.Decrypt(urlToken)
	if err != nil {
		return nil, fmt.Errorf("invalid key token: %w", err)
	}
	host, err := r.codec.Decrypt(hostToken)
	if err != nil {
		return nil, fmt.Errorf("invalid host token: %w", err)
	}

	resp, err := r.fetch.Fetch(ctx, keyURL, r.fetch.Headers(host+"/", host), 60*time.Second)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("failed to get key: HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// ContentURL recovers the upstream URL hidden in a content token.
func (r *Resolver) ContentURL(tok string) (string, error) {
	return r.codec.Decrypt(tok)
}

// ContentToken encodes an upstream URL as an opaque content token, the
// inverse of ContentURL.
func (r *Resolver) ContentToken(rawURL string) string {
	return r.codec.Encrypt(rawURL)
}

func (r *Resolver) protoErr(step, format string, v ...any) error {
	metrics.ResolutionErrors.WithLabelValues(step).Inc()
	err := &ProtocolError{Step: step, Message: fmt.Sprintf(format, v...)}
	logger.Error("{resolver - Resolve} %s", err.Message)
	return err
}

// normalizeAuthHost cleans up the bundle's host field. All whitespace is
// stripped first; a port-like suffix that still contains digits is assumed
// to be a mangled numeric port and gets stripped, but a colon followed by no
// digits at all is rejected.
func normalizeAuthHost(raw string) (*url.URL, error) {
	cleaned := whitespaceRe.ReplaceAllString(strings.TrimSpace(raw), "")
	u, err := url.Parse(cleaned)
	if err != nil {
		stripped, ok := stripMangledPort(cleaned)
		if !ok {
			return nil, fmt.Errorf("invalid auth host %q: port must be numeric", raw)
		}
		logger.Warn("{resolver - normalizeAuthHost} auth host %q contained a malformed port; stripping port and retrying", raw)
		u, err = url.Parse(stripped)
		if err != nil {
			return nil, fmt.Errorf("invalid auth host %q: port must be numeric", raw)
		}
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid auth host %q: missing scheme or hostname", raw)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// stripMangledPort drops a port suffix that contains digits mixed with junk.
// A port with no digits at all is not considered a mangled port and the
// caller should fail instead.
func stripMangledPort(raw string) (string, bool) {
	m := portSuffixRe.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	if !strings.ContainsAny(m[2], "0123456789") {
		return "", false
	}
	return m[1] + m[3], true
}

// serverBaseFor maps a server key to its CDN base URL. The literal key
// "top1/cdn" lives on a fixed host; everything else derives its own host
// from the key.
func serverBaseFor(rawKey string) (*url.URL, string, error) {
	cleaned := strings.TrimSpace(rawKey)
	if strings.Contains(cleaned, ":") {
		return nil, "", fmt.Errorf("invalid server key %q: unexpected characters in hostname", rawKey)
	}
	serverKey := strings.Trim(cleaned, " /")
	if serverKey == "" {
		return nil, "", fmt.Errorf("invalid server key %q: missing scheme or hostname", rawKey)
	}

	var base string
	if serverKey == "top1/cdn" {
		base = "https://top1.newkso.ru/"
	} else {
		base = fmt.Sprintf("https://%snew.newkso.ru/", serverKey)
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, "", fmt.Errorf("invalid server key %q: missing scheme or hostname", rawKey)
	}
	return u, serverKey, nil
}

func joinURL(base *url.URL, ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return base.String() + ref
	}
	return base.ResolveReference(r).String()
}

// percentEncode escapes a URL for use inside a referer header, keeping path
// slashes intact.
func percentEncode(s string) string {
	escaped := url.QueryEscape(s)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	return strings.ReplaceAll(escaped, "%2F", "/")
}
