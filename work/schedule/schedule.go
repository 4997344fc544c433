// Package schedule scrapes the upstream event schedule page into a
// structured day/category/event tree.
package schedule

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/grafana/regexp"
	"golang.org/x/net/html"

	"dlhd-proxy/work/config"
	"dlhd-proxy/work/fetcher"
	"dlhd-proxy/work/logger"
)

var digitsRe = regexp.MustCompile(`(\d+)`)

// EventChannel is one channel link attached to a scheduled event.
type EventChannel struct {
	ID   string `json:"channel_id"`
	Name string `json:"channel_name"`
}

// Event is a single scheduled broadcast.
type Event struct {
	Time        string         `json:"time"`
	Title       string         `json:"event"`
	Channels    []EventChannel `json:"channels"`
	AltChannels []EventChannel `json:"channels2,omitempty"`
}

// Category groups the events of one sport or genre within a day.
type Category struct {
	Name   string  `json:"name"`
	Events []Event `json:"events"`
}

// Day is one schedule day in upstream order.
type Day struct {
	Name       string     `json:"name"`
	Categories []Category `json:"categories"`
}

// Schedule is the whole scraped schedule, days in page order.
type Schedule []Day

type fetchClient interface {
	Fetch(ctx context.Context, rawURL string, headers map[string]string, timeout time.Duration) (*fetcher.Response, error)
	Headers(referer, origin string) map[string]string
}

// Scraper fetches and parses the upstream schedule.
type Scraper struct {
	cfg   *config.Config
	fetch fetchClient
}

func NewScraper(cfg *config.Config, fetch fetchClient) *Scraper {
	return &Scraper{cfg: cfg, fetch: fetch}
}

// Schedule tries the dedicated schedule page first and falls back to the
// front page; the first response that parses into a non-empty schedule wins.
func (s *Scraper) Schedule(ctx context.Context) (Schedule, error) {
	for _, path := range []string{"/schedule", "/"} {
		resp, err := s.fetch.Fetch(ctx, s.cfg.UpstreamURL+path, s.fetch.Headers("", ""), 0)
		if err != nil {
			logger.Debug("{schedule - Schedule} request to %s failed: %v", path, err)
			continue
		}
		if resp.StatusCode >= 400 {
			logger.Debug("{schedule - Schedule} request %s returned HTTP %d", path, resp.StatusCode)
			continue
		}
		sched, err := Parse(resp.Text())
		if err != nil {
			logger.Debug("{schedule - Schedule} unable to parse schedule HTML from %s: %v", path, err)
			continue
		}
		if len(sched) > 0 {
			return sched, nil
		}
	}
	return nil, fmt.Errorf("failed to fetch schedule: no usable response")
}

// Parse extracts the schedule tree from page HTML. Days without a title,
// categories without a header, and events without a title or channel links
// are dropped.
func Parse(payload string) (Schedule, error) {
	root, err := html.Parse(strings.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid schedule HTML: %w", err)
	}

	container := findOne(root, "div", "schedule")
	if container == nil {
		return nil, fmt.Errorf("schedule container not found")
	}

	var sched Schedule
	for _, day := range findAll(container, "div", "schedule__day") {
		dayName := nodeText(findOne(day, "", "schedule__dayTitle"))
		if dayName == "" {
			continue
		}

		var categories []Category
		for _, category := range findAll(day, "div", "schedule__category") {
			categoryName := ""
			if header := findOne(category, "", "schedule__catHeader"); header != nil {
				categoryName = nodeText(findOne(header, "", "card__meta"))
			}
			if categoryName == "" {
				continue
			}

			var events []Event
			for _, eventNode := range findAll(category, "div", "schedule__event") {
				if event, ok := parseEvent(eventNode); ok {
					events = append(events, event)
				}
			}
			if len(events) > 0 {
				categories = append(categories, Category{Name: categoryName, Events: events})
			}
		}
		if len(categories) > 0 {
			sched = append(sched, Day{Name: dayName, Categories: categories})
		}
	}

	if len(sched) == 0 {
		return nil, fmt.Errorf("no schedule data located")
	}
	return sched, nil
}

func parseEvent(eventNode *html.Node) (Event, bool) {
	header := findOne(eventNode, "", "schedule__eventHeader")
	if header == nil {
		return Event{}, false
	}

	timeValue := ""
	if timeNode := findOne(header, "", "schedule__time"); timeNode != nil {
		timeValue = strings.TrimSpace(attr(timeNode, "data-time"))
		if timeValue == "" {
			timeValue = nodeText(timeNode)
		}
	}

	title := nodeText(findOne(header, "", "schedule__eventTitle"))
	if title == "" {
		title = strings.TrimSpace(attr(header, "data-title"))
	}
	if title == "" {
		return Event{}, false
	}

	channels := channelLinks(primaryChannelContainer(eventNode), true)
	if len(channels) == 0 {
		return Event{}, false
	}

	event := Event{Time: timeValue, Title: title, Channels: channels}

	for _, class := range []string{"schedule__channels--alternate", "schedule__channelsAlt"} {
		if alt := findOne(eventNode, "", class); alt != nil {
			event.AltChannels = channelLinks(alt, false)
			break
		}
	}
	return event, true
}

// primaryChannelContainer picks the main channel list, skipping containers
// marked as alternates.
func primaryChannelContainer(eventNode *html.Node) *html.Node {
	for _, node := range findAll(eventNode, "", "schedule__channels") {
		if hasClass(node, "schedule__channels--alternate") || hasClass(node, "schedule__channelsAlt") {
			continue
		}
		return node
	}
	return nil
}

// channelLinks collects channel id/name pairs from the anchors of a channel
// container. Ids come from the link's id or channel query parameter when
// present; strict=false falls straight back to the first digit run.
func channelLinks(container *html.Node, strict bool) []EventChannel {
	if container == nil {
		return nil
	}

	var channels []EventChannel
	for _, link := range findAll(container, "a", "") {
		href := attr(link, "href")
		id := ""
		if strict {
			id = idFromHref(href)
		} else if m := digitsRe.FindString(href); m != "" {
			id = m
		}

		name := strings.TrimSpace(attr(link, "title"))
		if name == "" {
			name = nodeText(link)
		}
		if id == "" || name == "" {
			continue
		}
		channels = append(channels, EventChannel{ID: id, Name: name})
	}
	return channels
}

func idFromHref(href string) string {
	if href == "" {
		return ""
	}
	if u, err := url.Parse(href); err == nil && u.RawQuery != "" {
		params := u.Query()
		for _, key := range []string{"id", "channel"} {
			if v := params.Get(key); v != "" {
				return v
			}
		}
	}
	return digitsRe.FindString(href)
}

// --- minimal DOM helpers over x/net/html ---

func attr(n *html.Node, name string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, token := range strings.Fields(attr(n, "class")) {
		if token == class {
			return true
		}
	}
	return false
}

func matches(n *html.Node, tag, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if tag != "" && n.Data != tag {
		return false
	}
	return class == "" || hasClass(n, class)
}

// findOne returns the first descendant matching tag and class, depth first.
func findOne(n *html.Node, tag, class string) *html.Node {
	if n == nil {
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if matches(c, tag, class) {
			return c
		}
		if found := findOne(c, tag, class); found != nil {
			return found
		}
	}
	return nil
}

// findAll returns all matching descendants in document order, not descending
// into matches.
func findAll(n *html.Node, tag, class string) []*html.Node {
	if n == nil {
		return nil
	}
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if matches(c, tag, class) {
			out = append(out, c)
			continue
		}
		out = append(out, findAll(c, tag, class)...)
	}
	return out
}

func nodeText(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
