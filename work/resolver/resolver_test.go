package resolver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dlhd-proxy/work/config"
	"dlhd-proxy/work/fetcher"
	"dlhd-proxy/work/rewrite"
	"dlhd-proxy/work/token"
)

const testUpstream = "https://dlhd.example"

type fetchCall struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// fakeFetch serves canned responses by exact URL and records every call.
type fakeFetch struct {
	responses map[string]*fetcher.Response
	calls     []fetchCall
}

func (f *fakeFetch) Fetch(_ context.Context, rawURL string, headers map[string]string, timeout time.Duration) (*fetcher.Response, error) {
	f.calls = append(f.calls, fetchCall{URL: rawURL, Headers: headers, Timeout: timeout})
	if resp, ok := f.responses[rawURL]; ok {
		if resp.URL == "" {
			resp.URL = rawURL
		}
		return resp, nil
	}
	return nil, fmt.Errorf("unexpected fetch of %s", rawURL)
}

func (f *fakeFetch) Headers(referer, origin string) map[string]string {
	if referer == "" {
		referer = testUpstream
	}
	headers := map[string]string{"Referer": referer, "User-Agent": "test-agent"}
	if origin != "" {
		headers["Origin"] = origin
	}
	return headers
}

func (f *fakeFetch) lastCallTo(t *testing.T, substr string) fetchCall {
	t.Helper()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if strings.Contains(f.calls[i].URL, substr) {
			return f.calls[i]
		}
	}
	t.Fatalf("no call matching %q among %d calls", substr, len(f.calls))
	return fetchCall{}
}

// makeBundle builds the base64 blob an embed page carries: a base64 JSON
// object whose string fields are themselves base64.
func makeBundle(ts, rnd, sig, host string) string {
	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	obj := map[string]string{
		"b_ts":   b64(ts),
		"b_rnd":  b64(rnd),
		"b_sig":  b64(sig),
		"b_host": b64(host),
	}
	raw, _ := json.Marshal(obj)
	return base64.StdEncoding.EncodeToString(raw)
}

func embedPage(channelKey, bundle string) string {
	return fmt.Sprintf(`<html><script>
const CHANNEL_KEY = "stale-key";
const CHANNEL_KEY = "%s";
var payload = "%s";
</script></html>`, channelKey, bundle)
}

func newTestResolver(t *testing.T, fake *fakeFetch) (*Resolver, *token.Codec) {
	t.Helper()
	codec, err := token.NewCodec(filepath.Join(t.TempDir(), "token.key"))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	cfg := &config.Config{
		UpstreamURL:  testUpstream,
		PublicURL:    "http://proxy.local",
		ProxyContent: true,
	}
	return New(cfg, fake, rewrite.NewRewriter(cfg, codec), codec), codec
}

func TestResolveHappyPath(t *testing.T) {
	const (
		channelKey = "premium123"
		iframeURL  = "https://embed.example.com/premiumtv/daddylivehd.php?id=42"
	)
	bundle := makeBundle("1700000000", "r4nd", "s1g+val", "https://auth.example.com/")

	fake := &fakeFetch{responses: map[string]*fetcher.Response{
		testUpstream + "/stream/stream-42.php": {
			StatusCode: 200,
			Body:       []byte(`<iframe src="` + iframeURL + `" width="100%"></iframe>`),
		},
		iframeURL: {
			StatusCode: 200,
			Body:       []byte(embedPage(channelKey, bundle)),
		},
		"https://auth.example.com/auth.php?channel_id=premium123&ts=1700000000&rnd=r4nd&sig=s1g+val": {
			StatusCode: 200,
			Body:       []byte("ok"),
		},
		"https://embed.example.com/server_lookup.php?channel_id=premium123": {
			StatusCode: 200,
			Body:       []byte(`{"server_key":"wind"}`),
		},
		"https://windnew.newkso.ru/wind/premium123/mono.m3u8": {
			StatusCode: 200,
			Body:       []byte("#EXTM3U\n#EXTINF:4.0,\nsegment0.ts\n"),
		},
	}}

	r, codec := newTestResolver(t, fake)
	out, err := r.Resolve(context.Background(), "42")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	embedCall := fake.lastCallTo(t, "daddylivehd.php")
	if embedCall.Headers["Referer"] != testUpstream+"/stream/stream-42.php" {
		t.Errorf("embed referer = %q", embedCall.Headers["Referer"])
	}

	playlistCall := fake.lastCallTo(t, "mono.m3u8")
	wantReferer := "https%3A//embed.example.com/premiumtv/daddylivehd.php%3Fid%3D42"
	if playlistCall.Headers["Referer"] != wantReferer {
		t.Errorf("playlist referer = %q, want %q", playlistCall.Headers["Referer"], wantReferer)
	}

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	last := lines[len(lines)-1]
	if !strings.HasPrefix(last, "http://proxy.local/content/") {
		t.Fatalf("segment line not proxied: %q", last)
	}
	decoded, err := codec.Decrypt(strings.TrimPrefix(last, "http://proxy.local/content/"))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decoded != "https://windnew.newkso.ru/wind/premium123/segment0.ts" {
		t.Errorf("decoded segment = %q", decoded)
	}
}

func TestResolveTop1CDNServerKey(t *testing.T) {
	const iframeURL = "https://embed.example.com/embed.php?id=7"
	bundle := makeBundle("1", "2", "3", "https://auth.example.com/")

	fake := &fakeFetch{responses: map[string]*fetcher.Response{
		testUpstream + "/stream/stream-7.php": {
			StatusCode: 200,
			Body:       []byte(`<iframe src="` + iframeURL + `" width="640"></iframe>`),
		},
		iframeURL: {StatusCode: 200, Body: []byte(embedPage("key7", bundle))},
		"https://auth.example.com/auth.php?channel_id=key7&ts=1&rnd=2&sig=3": {
			StatusCode: 200, Body: []byte("ok"),
		},
		"https://embed.example.com/server_lookup.php?channel_id=key7": {
			StatusCode: 200, Body: []byte(`{"server_key":"top1/cdn"}`),
		},
		"https://top1.newkso.ru/top1/cdn/key7/mono.m3u8": {
			StatusCode: 200, Body: []byte("#EXTM3U\n"),
		},
	}}

	r, _ := newTestResolver(t, fake)
	if _, err := r.Resolve(context.Background(), "7"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fake.lastCallTo(t, "top1.newkso.ru/top1/cdn/key7/mono.m3u8")
}

func TestResolveMissingIframe(t *testing.T) {
	fake := &fakeFetch{responses: map[string]*fetcher.Response{
		testUpstream + "/stream/stream-9.php": {StatusCode: 200, Body: []byte("<html>nothing here</html>")},
	}}
	r, _ := newTestResolver(t, fake)

	_, err := r.Resolve(context.Background(), "9")
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	if !strings.Contains(perr.Message, "source URL") {
		t.Errorf("message = %q", perr.Message)
	}
}

func TestResolveAuthHostPortHandling(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		wantErr string
		// when the port is recoverable the auth call must land here
		wantAuthURL string
	}{
		{
			name:    "non-numeric port fails",
			host:    "https://auth.example.com:notaport/path",
			wantErr: "port",
		},
		{
			name:        "digit-bearing mangled port is stripped",
			host:        "https://auth.example.com:443x/",
			wantAuthURL: "https://auth.example.com/auth.php?channel_id=k&ts=1&rnd=2&sig=3",
		},
		{
			name:    "missing scheme fails",
			host:    "auth.example.com/path",
			wantErr: "scheme",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const iframeURL = "https://embed.example.com/embed.php?id=1"
			bundle := makeBundle("1", "2", "3", tt.host)
			fake := &fakeFetch{responses: map[string]*fetcher.Response{
				testUpstream + "/stream/stream-1.php": {
					StatusCode: 200,
					Body:       []byte(`<iframe src="` + iframeURL + `" width="640"></iframe>`),
				},
				iframeURL: {StatusCode: 200, Body: []byte(embedPage("k", bundle))},
			}}
			if tt.wantAuthURL != "" {
				fake.responses[tt.wantAuthURL] = &fetcher.Response{StatusCode: 200, Body: []byte("ok")}
				fake.responses["https://embed.example.com/server_lookup.php?channel_id=k"] = &fetcher.Response{
					StatusCode: 200, Body: []byte(`{"server_key":"wind"}`),
				}
				fake.responses["https://windnew.newkso.ru/wind/k/mono.m3u8"] = &fetcher.Response{
					StatusCode: 200, Body: []byte("#EXTM3U\n"),
				}
			}

			r, _ := newTestResolver(t, fake)
			_, err := r.Resolve(context.Background(), "1")

			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			fake.lastCallTo(t, "auth.php")
		})
	}
}

func TestResolveServerKeyValidation(t *testing.T) {
	tests := []struct {
		name      string
		lookup    string
		wantErr   string
	}{
		{"colon rejected", `{"server_key":" :bad"}`, "unexpected characters"},
		{"empty after trim", `{"server_key":" / "}`, "missing scheme or hostname"},
		{"absent key", `{}`, "no server key"},
		{"bad json", `not json`, "server lookup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const iframeURL = "https://embed.example.com/embed.php?id=2"
			bundle := makeBundle("1", "2", "3", "https://auth.example.com/")
			fake := &fakeFetch{responses: map[string]*fetcher.Response{
				testUpstream + "/stream/stream-2.php": {
					StatusCode: 200,
					Body:       []byte(`<iframe src="` + iframeURL + `" width="640"></iframe>`),
				},
				iframeURL: {StatusCode: 200, Body: []byte(embedPage("k2", bundle))},
				"https://auth.example.com/auth.php?channel_id=k2&ts=1&rnd=2&sig=3": {
					StatusCode: 200, Body: []byte("ok"),
				},
				"https://embed.example.com/server_lookup.php?channel_id=k2": {
					StatusCode: 200, Body: []byte(tt.lookup),
				},
			}}

			r, _ := newTestResolver(t, fake)
			_, err := r.Resolve(context.Background(), "2")
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("err = %v, want ProtocolError", err)
			}
			if !strings.Contains(perr.Message, tt.wantErr) {
				t.Errorf("message = %q, want mention of %q", perr.Message, tt.wantErr)
			}
		})
	}
}

func TestResolveAuthFailureAborts(t *testing.T) {
	const iframeURL = "https://embed.example.com/embed.php?id=3"
	bundle := makeBundle("1", "2", "3", "https://auth.example.com/")
	fake := &fakeFetch{responses: map[string]*fetcher.Response{
		testUpstream + "/stream/stream-3.php": {
			StatusCode: 200,
			Body:       []byte(`<iframe src="` + iframeURL + `" width="640"></iframe>`),
		},
		iframeURL: {StatusCode: 200, Body: []byte(embedPage("k3", bundle))},
		"https://auth.example.com/auth.php?channel_id=k3&ts=1&rnd=2&sig=3": {
			StatusCode: 403, Body: []byte("denied"),
		},
	}}

	r, _ := newTestResolver(t, fake)
	_, err := r.Resolve(context.Background(), "3")
	if err == nil || !strings.Contains(err.Error(), "auth") {
		t.Fatalf("err = %v, want auth failure", err)
	}
	for _, call := range fake.calls {
		if strings.Contains(call.URL, "server_lookup") {
			t.Error("server lookup must not run after a failed auth handshake")
		}
	}
}

func TestKeyFetch(t *testing.T) {
	fake := &fakeFetch{responses: map[string]*fetcher.Response{
		"https://cdn.example.com/path/enc.key": {StatusCode: 200, Body: []byte{1, 2, 3, 4}},
	}}
	r, codec := newTestResolver(t, fake)

	urlToken := codec.Encrypt("https://cdn.example.com/path/enc.key")
	hostToken := codec.Encrypt("embed.example.com")

	body, err := r.Key(context.Background(), urlToken, hostToken)
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if string(body) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("body = %v", body)
	}

	call := fake.lastCallTo(t, "enc.key")
	if call.Headers["Referer"] != "embed.example.com/" {
		t.Errorf("referer = %q", call.Headers["Referer"])
	}
	if call.Headers["Origin"] != "embed.example.com" {
		t.Errorf("origin = %q", call.Headers["Origin"])
	}
	if call.Timeout != 60*time.Second {
		t.Errorf("timeout = %v", call.Timeout)
	}
}

func TestKeyFetchNon200(t *testing.T) {
	fake := &fakeFetch{responses: map[string]*fetcher.Response{
		"https://cdn.example.com/enc.key": {StatusCode: 403, Body: []byte("denied")},
	}}
	r, codec := newTestResolver(t, fake)

	_, err := r.Key(context.Background(), codec.Encrypt("https://cdn.example.com/enc.key"), codec.Encrypt("embed.example.com"))
	if err == nil || !strings.Contains(err.Error(), "failed to get key") {
		t.Fatalf("err = %v", err)
	}
}

func TestKeyRejectsBadTokens(t *testing.T) {
	r, _ := newTestResolver(t, &fakeFetch{responses: map[string]*fetcher.Response{}})
	if _, err := r.Key(context.Background(), "not-a-token", "also-not"); err == nil {
		t.Fatal("expected error for undecodable tokens")
	}
}

func TestContentURLRoundTrip(t *testing.T) {
	r, codec := newTestResolver(t, &fakeFetch{responses: map[string]*fetcher.Response{}})
	tok := codec.Encrypt("https://cdn.example.com/segment.ts")
	got, err := r.ContentURL(tok)
	if err != nil {
		t.Fatalf("ContentURL: %v", err)
	}
	if got != "https://cdn.example.com/segment.ts" {
		t.Errorf("got %q", got)
	}
}
