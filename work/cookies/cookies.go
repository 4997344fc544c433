package cookies

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Entry is a single stored cookie. A nil Expires means the cookie never
// expires for transport-selection purposes; upstream intent for session-only
// cookies is unclear, so they are deliberately treated as valid indefinitely.
type Entry struct {
	Name    string
	Value   string
	Domain  string
	Path    string
	Expires *time.Time
}

// Store holds session cookies keyed by domain. Appends are serialized with a
// mutex while reads go through the concurrent map; entries for a domain are
// append-only and never mutated in place.
type Store struct {
	byDomain *xsync.MapOf[string, []Entry]
	mu       sync.Mutex
}

// NewStore creates an empty cookie store.
func NewStore() *Store {
	return &Store{
		byDomain: xsync.NewMapOf[string, []Entry](),
	}
}

// Add appends an entry under its domain (normalized to lower case without a
// leading dot).
func (s *Store) Add(e Entry) {
	domain := normalizeDomain(e.Domain)
	e.Domain = domain

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, _ := s.byDomain.Load(domain)
	updated := make([]Entry, 0, len(existing)+1)
	updated = append(updated, existing...)
	updated = append(updated, e)
	s.byDomain.Store(domain, updated)
}

// StoreSetCookies parses raw Set-Cookie header values and records each cookie
// under its declared domain, defaulting to fallbackHost. Max-Age wins over
// Expires when both are present; with neither the entry never expires.
func (s *Store) StoreSetCookies(fallbackHost string, rawCookies []string, now time.Time) {
	if len(rawCookies) == 0 {
		return
	}

	header := http.Header{}
	for _, raw := range rawCookies {
		header.Add("Set-Cookie", raw)
	}
	parsed := (&http.Response{Header: header}).Cookies()

	for _, c := range parsed {
		var expires *time.Time
		if c.MaxAge > 0 {
			t := now.Add(time.Duration(c.MaxAge) * time.Second)
			expires = &t
		} else if c.MaxAge < 0 {
			// Max-Age=0 (and negatives) surface as MaxAge -1: expire at once.
			t := now
			expires = &t
		} else if !c.Expires.IsZero() {
			t := c.Expires
			expires = &t
		}

		domain := c.Domain
		if domain == "" {
			domain = fallbackHost
		}
		path := c.Path
		if path == "" {
			path = "/"
		}

		s.Add(Entry{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  domain,
			Path:    path,
			Expires: expires,
		})
	}
}

// HasValid reports whether any stored cookie scoped to hostname is still
// valid at the given instant. Entries without an expiry are always valid.
func (s *Store) HasValid(hostname string, now time.Time) bool {
	hostname = strings.ToLower(hostname)
	found := false

	s.byDomain.Range(func(domain string, entries []Entry) bool {
		if domain != "" && !strings.HasSuffix(hostname, domain) {
			return true
		}
		for _, e := range entries {
			if e.Expires == nil || e.Expires.After(now) {
				found = true
				return false
			}
		}
		return true
	})

	return found
}

// CookieHeader renders the currently-valid cookies for hostname as a Cookie
// request header value, or "" when none apply.
func (s *Store) CookieHeader(hostname string, now time.Time) string {
	hostname = strings.ToLower(hostname)
	var pairs []string

	s.byDomain.Range(func(domain string, entries []Entry) bool {
		if domain != "" && !strings.HasSuffix(hostname, domain) {
			return true
		}
		for _, e := range entries {
			if e.Expires == nil || e.Expires.After(now) {
				pairs = append(pairs, e.Name+"="+e.Value)
			}
		}
		return true
	})

	return strings.Join(pairs, "; ")
}

// Len returns the total number of stored cookies, for logging.
func (s *Store) Len() int {
	n := 0
	s.byDomain.Range(func(_ string, entries []Entry) bool {
		n += len(entries)
		return true
	})
	return n
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimPrefix(domain, "."))
}
