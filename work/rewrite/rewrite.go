package rewrite

import (
	"net/url"
	"path"
	"strings"

	"github.com/grafana/regexp"

	"dlhd-proxy/work/config"
	"dlhd-proxy/work/token"
)

// hlsExtensions are the asset types that are always tunneled through the
// proxy regardless of the proxy-content policy flag.
var hlsExtensions = map[string]bool{
	".m3u8": true,
	".ts":   true,
	".aac":  true,
	".vtt":  true,
	".m4s":  true,
	".m4a":  true,
	".mp4":  true,
	".mp3":  true,
}

var uriAttrRe = regexp.MustCompile(`URI="(.*?)"`)

// Rewriter rewrites HLS playlist text so that key and content URIs point at
// this service's own endpoints instead of the upstream CDN.
type Rewriter struct {
	cfg   *config.Config
	codec *token.Codec
}

// NewRewriter builds a Rewriter using the given codec for opaque URL tokens.
func NewRewriter(cfg *config.Config, codec *token.Codec) *Rewriter {
	return &Rewriter{cfg: cfg, codec: codec}
}

// Rewrite processes playlist line by line, preserving order and terminating
// with a trailing newline. Key directives become /key/<token>/<token> paths
// encoding the key URL and the referer host; content URIs become /content/
// paths when the proxy-content policy or their extension demands it. The
// policy flag is read fresh on every call.
func (rw *Rewriter) Rewrite(playlist, sourceURL, refererURL string) string {
	base, _ := url.Parse(sourceURL)
	refererHost := hostOf(refererURL)
	proxyAll := rw.cfg.ProxyContent

	lines := strings.Split(strings.TrimSuffix(playlist, "\n"), "\n")
	rewritten := make([]string, 0, len(lines))

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			rewritten = append(rewritten, rw.rewriteKeyLine(line, base, refererHost))
		case strings.HasPrefix(line, "#"):
			rewritten = append(rewritten, rw.rewriteDirectiveLine(line, base, proxyAll))
		case strings.TrimSpace(line) == "":
			rewritten = append(rewritten, line)
		default:
			rewritten = append(rewritten, rw.rewriteContentURI(line, base, proxyAll))
		}
	}

	return strings.Join(rewritten, "\n") + "\n"
}

// rewriteKeyLine substitutes the URI of an #EXT-X-KEY directive with a
// two-segment proxy path so the key endpoint can recover both the key URL
// and the referer host without re-deriving them.
func (rw *Rewriter) rewriteKeyLine(line string, base *url.URL, refererHost string) string {
	m := uriAttrRe.FindStringSubmatch(line)
	if m == nil {
		return line
	}
	resolved := resolveAgainst(base, m[1])
	proxied := rw.cfg.PublicURL + "/key/" + rw.codec.Encrypt(resolved) + "/" + rw.codec.Encrypt(refererHost)
	return strings.Replace(line, m[1], proxied, 1)
}

// rewriteDirectiveLine handles any non-key directive carrying a URI
// attribute (#EXT-X-MEDIA, #EXT-X-MAP, ...). Lines without a URI pass
// through unchanged.
func (rw *Rewriter) rewriteDirectiveLine(line string, base *url.URL, proxyAll bool) string {
	m := uriAttrRe.FindStringSubmatch(line)
	if m == nil {
		return line
	}
	resolved := resolveAgainst(base, m[1])
	if proxyAll || isHLSPath(resolved) {
		resolved = rw.cfg.PublicURL + "/content/" + rw.codec.Encrypt(resolved)
	}
	return strings.Replace(line, m[1], resolved, 1)
}

// rewriteContentURI handles a bare URI line, absolute or relative.
func (rw *Rewriter) rewriteContentURI(line string, base *url.URL, proxyAll bool) string {
	resolved := resolveAgainst(base, line)
	if proxyAll || isHLSPath(resolved) {
		return rw.cfg.PublicURL + "/content/" + rw.codec.Encrypt(resolved)
	}
	return resolved
}

// resolveAgainst resolves uri relative to the source playlist URL. Absolute
// URIs and unparseable input are returned untouched.
func resolveAgainst(base *url.URL, uri string) string {
	parsed, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return uri
	}
	if parsed.IsAbs() || base == nil {
		return parsed.String()
	}
	return base.ResolveReference(parsed).String()
}

func isHLSPath(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return hlsExtensions[strings.ToLower(path.Ext(u.Path))]
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Host
	}
	return ""
}
