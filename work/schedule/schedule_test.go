package schedule

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"dlhd-proxy/work/config"
	"dlhd-proxy/work/fetcher"
)

const samplePage = `<html><body>
<div class="schedule">
  <div class="schedule__day">
    <div class="schedule__dayTitle">01-01-2024 - Monday</div>
    <div class="schedule__category">
      <div class="schedule__catHeader"><span class="card__meta">Soccer</span></div>
      <div class="schedule__event">
        <div class="schedule__eventHeader">
          <span class="schedule__time" data-time="15:00">3pm</span>
          <span class="schedule__eventTitle">Arsenal vs Spurs</span>
        </div>
        <div class="schedule__channels">
          <a href="/watch.php?id=10" title="Sky Sports Main Event">Sky Sports Main Event</a>
          <a href="/watch.php?id=11">Sky Sports Football</a>
        </div>
        <div class="schedule__channels schedule__channels--alternate">
          <a href="/stream-99.php">Backup Feed</a>
        </div>
      </div>
      <div class="schedule__event">
        <div class="schedule__eventHeader" data-title="Untitled Match">
          <span class="schedule__time">17:30</span>
        </div>
        <div class="schedule__channels">
          <a href="/watch.php?channel=12">DAZN 1</a>
        </div>
      </div>
      <div class="schedule__event">
        <div class="schedule__eventHeader">
          <span class="schedule__eventTitle">No Channels Event</span>
        </div>
      </div>
    </div>
    <div class="schedule__category">
      <div class="schedule__catHeader"><span class="card__meta"></span></div>
      <div class="schedule__event">
        <div class="schedule__eventHeader">
          <span class="schedule__eventTitle">Dropped With Category</span>
        </div>
        <div class="schedule__channels"><a href="/watch.php?id=13">CNN</a></div>
      </div>
    </div>
  </div>
  <div class="schedule__day">
    <div class="schedule__dayTitle"></div>
  </div>
</div>
</body></html>`

func TestParse(t *testing.T) {
	sched, err := Parse(samplePage)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(sched) != 1 {
		t.Fatalf("days = %d, want 1 (untitled day dropped)", len(sched))
	}
	day := sched[0]
	if day.Name != "01-01-2024 - Monday" {
		t.Errorf("day name = %q", day.Name)
	}
	if len(day.Categories) != 1 {
		t.Fatalf("categories = %d, want 1 (headerless category dropped)", len(day.Categories))
	}

	cat := day.Categories[0]
	if cat.Name != "Soccer" {
		t.Errorf("category = %q", cat.Name)
	}
	if len(cat.Events) != 2 {
		t.Fatalf("events = %d, want 2 (channel-less event dropped)", len(cat.Events))
	}

	first := cat.Events[0]
	if first.Time != "15:00" {
		t.Errorf("time = %q, want data-time value", first.Time)
	}
	if first.Title != "Arsenal vs Spurs" {
		t.Errorf("title = %q", first.Title)
	}
	if len(first.Channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(first.Channels))
	}
	if first.Channels[0].ID != "10" || first.Channels[0].Name != "Sky Sports Main Event" {
		t.Errorf("channel[0] = %+v", first.Channels[0])
	}
	if first.Channels[1].ID != "11" || first.Channels[1].Name != "Sky Sports Football" {
		t.Errorf("channel[1] = %+v", first.Channels[1])
	}
	if len(first.AltChannels) != 1 || first.AltChannels[0].ID != "99" || first.AltChannels[0].Name != "Backup Feed" {
		t.Errorf("alt channels = %+v", first.AltChannels)
	}

	second := cat.Events[1]
	if second.Title != "Untitled Match" {
		t.Errorf("fallback title = %q", second.Title)
	}
	if second.Time != "17:30" {
		t.Errorf("text time = %q", second.Time)
	}
	if len(second.Channels) != 1 || second.Channels[0].ID != "12" {
		t.Errorf("channel query param id = %+v", second.Channels)
	}
}

func TestParseNoContainer(t *testing.T) {
	if _, err := Parse("<html><body><p>hi</p></body></html>"); err == nil {
		t.Fatal("expected error for missing schedule container")
	}
}

func TestParseEmptySchedule(t *testing.T) {
	if _, err := Parse(`<div class="schedule"></div>`); err == nil {
		t.Fatal("expected error when no schedule data located")
	}
}

type routeFetch struct {
	responses map[string]*fetcher.Response
	calls     []string
}

func (f *routeFetch) Fetch(_ context.Context, rawURL string, _ map[string]string, _ time.Duration) (*fetcher.Response, error) {
	f.calls = append(f.calls, rawURL)
	if resp, ok := f.responses[rawURL]; ok {
		return resp, nil
	}
	return nil, fmt.Errorf("unreachable %s", rawURL)
}

func (f *routeFetch) Headers(referer, origin string) map[string]string {
	return map[string]string{"Referer": referer}
}

func TestScheduleFallsBackToFrontPage(t *testing.T) {
	fake := &routeFetch{responses: map[string]*fetcher.Response{
		"https://dlhd.example/schedule": {StatusCode: 404, Body: []byte("gone")},
		"https://dlhd.example/":         {StatusCode: 200, Body: []byte(samplePage)},
	}}
	s := NewScraper(&config.Config{UpstreamURL: "https://dlhd.example"}, fake)

	sched, err := s.Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(sched) != 1 {
		t.Errorf("days = %d", len(sched))
	}
	if len(fake.calls) != 2 || !strings.HasSuffix(fake.calls[0], "/schedule") {
		t.Errorf("calls = %v", fake.calls)
	}
}

func TestScheduleNoUsableResponse(t *testing.T) {
	fake := &routeFetch{responses: map[string]*fetcher.Response{}}
	s := NewScraper(&config.Config{UpstreamURL: "https://dlhd.example"}, fake)

	if _, err := s.Schedule(context.Background()); err == nil {
		t.Fatal("expected failure when both pages are unreachable")
	}
}
