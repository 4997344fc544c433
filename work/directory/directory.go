// Package directory maintains the channel list scraped from the upstream
// 24/7 channels page, enriched with embedded per-channel metadata.
package directory

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"dlhd-proxy/work/config"
	"dlhd-proxy/work/fetcher"
	"dlhd-proxy/work/logger"
	"dlhd-proxy/work/metrics"
	"dlhd-proxy/work/scrape"
	"dlhd-proxy/work/token"
)

//go:embed meta.json
var metaJSON []byte

// Channel is one playable channel in the directory.
type Channel struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
	Logo string   `json:"logo,omitempty"`
}

type channelMeta struct {
	Logo string   `json:"logo"`
	Tags []string `json:"tags"`
}

type fetchClient interface {
	Fetch(ctx context.Context, rawURL string, headers map[string]string, timeout time.Duration) (*fetcher.Response, error)
	Headers(referer, origin string) map[string]string
}

// Directory holds the current channel list. The list is replaced wholesale
// on every reload; readers always see either the old list or the new one,
// never a partial update.
type Directory struct {
	cfg      *config.Config
	fetch    fetchClient
	meta     map[string]channelMeta
	channels atomic.Pointer[[]Channel]
}

// New builds an empty Directory. Metadata that fails to parse is treated as
// absent rather than fatal.
func New(cfg *config.Config, fetch fetchClient) *Directory {
	meta := map[string]channelMeta{}
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		logger.Warn("{directory - New} channel metadata unavailable: %v", err)
		meta = map[string]channelMeta{}
	}

	d := &Directory{cfg: cfg, fetch: fetch, meta: meta}
	empty := []Channel{}
	d.channels.Store(&empty)
	return d
}

// LoadChannels scrapes the upstream directory page and swaps in the new
// channel list. Whatever was collected is finalized (duplicate names
// enumerated, list sorted) and published even when the load fails partway,
// and the error is still returned.
func (d *Directory) LoadChannels(ctx context.Context) (err error) {
	channels := make([]Channel, 0, 512)
	defer func() {
		enumerateDuplicateNames(channels)
		sortChannels(channels)
		d.channels.Store(&channels)
		metrics.ChannelsLoaded.Set(float64(len(channels)))
	}()

	pageURL := d.cfg.UpstreamURL + "/24-7-channels.php"
	resp, ferr := d.fetch.Fetch(ctx, pageURL, d.fetch.Headers("", ""), 0)
	if ferr != nil {
		return ferr
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("failed to load channels: HTTP %d", resp.StatusCode)
	}

	for _, anchor := range scrape.ChannelAnchors(resp.Text()) {
		meta := d.metaFor(anchor.Title)
		logo := meta.Logo
		if logo != "" {
			logo = fmt.Sprintf("%s/logo/%s", d.cfg.PublicURL, token.UrlsafeBase64(logo))
		}
		channels = append(channels, Channel{
			ID:   anchor.ID,
			Name: anchor.Title,
			Tags: meta.Tags,
			Logo: logo,
		})
	}

	logger.Info("{directory - LoadChannels} loaded %d channels from upstream", len(channels))
	return nil
}

// metaFor looks up channel metadata by name. Every adult channel variant
// collapses to the single "18+" metadata key.
func (d *Directory) metaFor(name string) channelMeta {
	key := name
	if strings.HasPrefix(name, "18+") {
		key = "18+"
	}
	return d.meta[key]
}

// Channels returns the current channel list. Callers must treat it as
// read-only.
func (d *Directory) Channels() []Channel {
	return *d.channels.Load()
}

// Find returns the channel with the given id.
func (d *Directory) Find(id string) (Channel, bool) {
	for _, ch := range d.Channels() {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// Playlist renders an M3U playlist for the given channels, or for the whole
// directory when channels is nil.
func (d *Directory) Playlist(channels []Channel) string {
	if channels == nil {
		channels = d.Channels()
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, ch := range channels {
		if ch.Logo != "" {
			fmt.Fprintf(&b, "#EXTINF:-1 tvg-logo=%q,%s\n", ch.Logo, ch.Name)
		} else {
			fmt.Fprintf(&b, "#EXTINF:-1,%s\n", ch.Name)
		}
		fmt.Fprintf(&b, "%s/stream/%s.m3u8\n", d.cfg.PublicURL, ch.ID)
	}
	return b.String()
}

// enumerateDuplicateNames appends " (1)", " (2)", ... to channels sharing a
// name, numbering them in first-seen order. Unique names are untouched.
func enumerateDuplicateNames(channels []Channel) {
	counts := make(map[string]int, len(channels))
	for _, ch := range channels {
		counts[ch.Name]++
	}

	seen := make(map[string]int)
	for i := range channels {
		name := channels[i].Name
		if counts[name] > 1 {
			seen[name]++
			channels[i].Name = fmt.Sprintf("%s (%d)", name, seen[name])
		}
	}
}

// sortChannels orders the list by name, with adult channels pushed to the
// end.
func sortChannels(channels []Channel) {
	sort.SliceStable(channels, func(i, j int) bool {
		ai := strings.HasPrefix(channels[i].Name, "18")
		aj := strings.HasPrefix(channels[j].Name, "18")
		if ai != aj {
			return aj
		}
		return channels[i].Name < channels[j].Name
	})
}
