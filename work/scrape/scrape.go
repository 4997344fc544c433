package scrape

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/grafana/regexp"
)

// The upstream embed pages are semi-structured HTML/JS that changes without
// notice. Every extraction lives here as a standalone function returning a
// typed result or an explicit error, so format drift is patched in one place.

var (
	iframeSrcRe     = regexp.MustCompile(`iframe src="(.*?)" width`)
	channelAnchorRe = regexp.MustCompile(`(?s)href="/watch\.php\?id=(\d+)"[^>]*>\s*<div class="card__title">(.*?)</div>`)
	atobVarFmt      = `var\s+%s\s*=\s*atob\(["'](.*?)["']\)`
	constFmt        = `const\s+%s\s*=\s*"(.*?)";`
	base64BlobRe    = regexp.MustCompile(`[A-Za-z0-9+/=]{40,}`)
)

// Bundle is the decoded auth material embedded in an iframe page.
type Bundle struct {
	TS   string
	Sig  string
	Rnd  string
	Host string
}

// ChannelAnchor is one channel link scraped from the directory page.
type ChannelAnchor struct {
	ID    string
	Title string
}

// ExtractIframeSrc returns the src of the player iframe on a stream page.
func ExtractIframeSrc(content string) (string, error) {
	m := iframeSrcRe.FindStringSubmatch(content)
	if m == nil {
		return "", fmt.Errorf("no source URL found in stream page")
	}
	return m[1], nil
}

// ExtractConst returns the value of a `const NAME = "...";` declaration.
// The last occurrence wins: the upstream page sometimes redefines the key.
func ExtractConst(name, content string) (string, error) {
	re, err := regexp.Compile(fmt.Sprintf(constFmt, regexp.QuoteMeta(name)))
	if err != nil {
		return "", fmt.Errorf("bad constant name %q: %w", name, err)
	}
	matches := re.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("constant %s not found in embed page", name)
	}
	return matches[len(matches)-1][1], nil
}

// ExtractAndDecodeVar locates a `var NAME = atob("...")` declaration and
// returns the base64-decoded value.
func ExtractAndDecodeVar(name, content string) (string, error) {
	re, err := regexp.Compile(fmt.Sprintf(atobVarFmt, regexp.QuoteMeta(name)))
	if err != nil {
		return "", fmt.Errorf("bad variable name %q: %w", name, err)
	}
	m := re.FindStringSubmatch(content)
	if m == nil {
		return "", fmt.Errorf("variable %s not found", name)
	}
	decoded, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		return "", fmt.Errorf("variable %s is not valid base64: %w", name, err)
	}
	return string(decoded), nil
}

// DecodeBundle finds the obfuscated auth bundle inside the embed page and
// decodes it. The bundle is a base64-encoded JSON object whose string fields
// are themselves base64-encoded when they decode cleanly.
func DecodeBundle(content string) (Bundle, error) {
	candidates := []string{strings.TrimSpace(content)}
	candidates = append(candidates, base64BlobRe.FindAllString(content, -1)...)

	for _, candidate := range candidates {
		obj, err := decodeBundleObject(candidate)
		if err != nil {
			continue
		}
		return Bundle{
			TS:   stringField(obj, "b_ts"),
			Sig:  stringField(obj, "b_sig"),
			Rnd:  stringField(obj, "b_rnd"),
			Host: stringField(obj, "b_host"),
		}, nil
	}
	return Bundle{}, fmt.Errorf("no auth bundle found in embed page")
}

// DecodeBundleObject decodes a single base64 bundle candidate into its raw
// field map. Exposed for tests that construct bundles directly.
func DecodeBundleObject(encoded string) (map[string]any, error) {
	return decodeBundleObject(encoded)
}

func decodeBundleObject(encoded string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("bundle is not valid base64: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("bundle is not a JSON object: %w", err)
	}

	// inner string fields are base64 too, unless they don't decode
	for key, value := range obj {
		if s, ok := value.(string); ok {
			if inner, err := base64.StdEncoding.DecodeString(s); err == nil {
				obj[key] = string(inner)
			}
		}
	}
	return obj, nil
}

func stringField(obj map[string]any, key string) string {
	if s, ok := obj[key].(string); ok {
		return s
	}
	return ""
}

// ChannelAnchors scans the directory page for channel detail links, keeping
// the first occurrence of each id. Titles are entity-unescaped and stripped
// of '#' characters.
func ChannelAnchors(content string) []ChannelAnchor {
	matches := channelAnchorRe.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool, len(matches))
	anchors := make([]ChannelAnchor, 0, len(matches))

	for _, m := range matches {
		id, title := m[1], m[2]
		if seen[id] {
			continue
		}
		seen[id] = true
		name := strings.ReplaceAll(html.UnescapeString(strings.TrimSpace(title)), "#", "")
		anchors = append(anchors, ChannelAnchor{ID: id, Title: name})
	}
	return anchors
}
