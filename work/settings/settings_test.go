package settings

import (
	"strings"
	"testing"

	"dlhd-proxy/work/config"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr string
	}{
		{"empty", "", "", ""},
		{"blank", "   ", "", ""},
		{"bare host gets https", "example.com", "https://example.com", ""},
		{"host with path", "example.com/tv", "https://example.com/tv", ""},
		{"trailing slash stripped", "https://example.com/tv/", "https://example.com/tv", ""},
		{"root slash stripped", "https://example.com/", "https://example.com", ""},
		{"scheme lowercased", "HTTPS://example.com", "https://example.com", ""},
		{"port kept", "http://example.com:8000", "http://example.com:8000", ""},
		{"inner whitespace", "https://exa mple.com", "", "whitespace"},
		{"query rejected", "https://example.com?x=1", "", "query"},
		{"fragment rejected", "https://example.com#frag", "", "query"},
		{"ftp rejected", "ftp://example.com", "", "HTTP or HTTPS"},
		{"missing host", "https://", "", "hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeURL(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{
		DataDir:   t.TempDir(),
		PublicURL: "http://localhost:8000",
	}
	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPublicURLPrecedence(t *testing.T) {
	t.Setenv("PUBLIC_URL", "")
	t.Setenv("API_URL", "")
	store := newTestStore(t)

	if got := store.PublicURL(); got != "http://localhost:8000" {
		t.Errorf("default = %q", got)
	}

	resolved, err := store.SetPublicURL("proxy.example.com/tv/")
	if err != nil {
		t.Fatalf("SetPublicURL: %v", err)
	}
	if resolved != "https://proxy.example.com/tv" {
		t.Errorf("resolved = %q", resolved)
	}

	// environment beats the stored value
	t.Setenv("PUBLIC_URL", "https://env.example.com")
	if got := store.PublicURL(); got != "https://env.example.com" {
		t.Errorf("env override = %q", got)
	}
	if !store.HasEnvOverride() {
		t.Error("HasEnvOverride should be true")
	}

	// invalid environment value is skipped, stored value wins again
	t.Setenv("PUBLIC_URL", "https://bad env.example.com")
	if got := store.PublicURL(); got != "https://proxy.example.com/tv" {
		t.Errorf("after invalid env = %q", got)
	}

	// clearing removes the override
	t.Setenv("PUBLIC_URL", "")
	if _, err := store.SetPublicURL(""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := store.PublicURL(); got != "http://localhost:8000" {
		t.Errorf("after clear = %q", got)
	}
}

func TestSetPublicURLRejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.SetPublicURL("ftp://example.com"); err == nil {
		t.Fatal("expected scheme rejection")
	}
}

func TestSelectedChannelIDs(t *testing.T) {
	store := newTestStore(t)

	selected, err := store.SelectedChannelIDs()
	if err != nil {
		t.Fatalf("SelectedChannelIDs: %v", err)
	}
	if len(selected) != 0 {
		t.Errorf("fresh store selection = %v", selected)
	}

	if err := store.SetSelectedChannelIDs([]string{"1", "2", "2"}); err != nil {
		t.Fatalf("SetSelectedChannelIDs: %v", err)
	}
	selected, err = store.SelectedChannelIDs()
	if err != nil {
		t.Fatalf("SelectedChannelIDs: %v", err)
	}
	if len(selected) != 2 || !selected["1"] || !selected["2"] {
		t.Errorf("selection = %v", selected)
	}

	// replacement is wholesale
	if err := store.SetSelectedChannelIDs([]string{"3"}); err != nil {
		t.Fatalf("SetSelectedChannelIDs: %v", err)
	}
	selected, _ = store.SelectedChannelIDs()
	if len(selected) != 1 || !selected["3"] {
		t.Errorf("replaced selection = %v", selected)
	}
}

func TestApplyInstallsResolvedURL(t *testing.T) {
	t.Setenv("PUBLIC_URL", "")
	t.Setenv("API_URL", "")
	store := newTestStore(t)

	if _, err := store.SetPublicURL("https://proxy.example.com"); err != nil {
		t.Fatalf("SetPublicURL: %v", err)
	}
	store.Apply()
	if store.cfg.PublicURL != "https://proxy.example.com" {
		t.Errorf("cfg.PublicURL = %q", store.cfg.PublicURL)
	}
}
