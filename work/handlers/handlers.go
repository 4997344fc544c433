// Package handlers exposes the HTTP surface: playlists, stream resolution,
// key and content tunneling, logos, the XMLTV guide and runtime settings.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"dlhd-proxy/work/cache"
	"dlhd-proxy/work/config"
	"dlhd-proxy/work/directory"
	"dlhd-proxy/work/fetcher"
	"dlhd-proxy/work/guide"
	"dlhd-proxy/work/logger"
	"dlhd-proxy/work/resolver"
	"dlhd-proxy/work/schedule"
	"dlhd-proxy/work/settings"
	"dlhd-proxy/work/token"
)

const (
	guideCacheKey    = "guide.xml"
	playlistCacheKey = "playlist.m3u8"
)

// App bundles the shared dependencies the handlers close over.
type App struct {
	Cfg       *config.Config
	Directory *directory.Directory
	Resolver  *resolver.Resolver
	Schedule  *schedule.Scraper
	Settings  *settings.Store
	Cache     *cache.Cache
	Fetch     *fetcher.Fetcher
}

// HandlePlaylist serves the M3U playlist of every known channel. The rendered
// text is cached until the next channel refresh or settings change.
func HandlePlaylist(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/x-mpegurl")

		if cached, ok := app.Cache.Get(playlistCacheKey); ok {
			w.Write([]byte(cached))
			return
		}

		out := app.Directory.Playlist(nil)
		app.Cache.Set(playlistCacheKey, out)
		w.Write([]byte(out))
	}
}

// HandleStream resolves a channel id into its rewritten HLS playlist. Every
// request runs the full resolution protocol; playlists are short-lived and
// carry per-session auth, so they are never cached.
func HandleStream(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		playlist, err := app.Resolver.Resolve(r.Context(), id)
		if err != nil {
			status := http.StatusBadGateway
			var perr *resolver.ProtocolError
			if errors.As(err, &perr) {
				logger.Warn("{handlers - HandleStream} resolution of channel %s failed at %s: %v", id, perr.Step, err)
			} else {
				logger.Warn("{handlers - HandleStream} resolution of channel %s failed: %v", id, err)
			}
			http.Error(w, "failed to resolve stream", status)
			return
		}

		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(playlist))
	}
}

// HandleKey proxies an HLS decryption key fetch, reconstructing the
// upstream URL and referer host from their opaque tokens.
func HandleKey(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		body, err := app.Resolver.Key(r.Context(), vars["url"], vars["host"])
		if err != nil {
			logger.Warn("{handlers - HandleKey} key fetch failed: %v", err)
			http.Error(w, "failed to fetch key", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(body)
	}
}

// HandleContent tunnels an arbitrary playlist-referenced resource (segment,
// nested playlist, subtitle) through the proxy.
func HandleContent(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, err := app.Resolver.ContentURL(mux.Vars(r)["token"])
		if err != nil {
			http.Error(w, "invalid content token", http.StatusBadRequest)
			return
		}

		resp, err := app.Fetch.Fetch(r.Context(), target, app.Fetch.Headers("", ""), 60*time.Second)
		if err != nil {
			logger.Warn("{handlers - HandleContent} upstream fetch failed: %v", err)
			http.Error(w, "failed to fetch content", http.StatusBadGateway)
			return
		}

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}
}

// HandleLogo serves a channel logo fetched from its base64-encoded upstream
// URL. Logos are immutable, so clients may cache them for a day.
func HandleLogo(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, err := token.UrlsafeBase64Decode(mux.Vars(r)["token"])
		if err != nil {
			http.Error(w, "invalid logo token", http.StatusBadRequest)
			return
		}

		resp, err := app.Fetch.Fetch(r.Context(), target, app.Fetch.Headers("", ""), 30*time.Second)
		if err != nil || resp.StatusCode != http.StatusOK {
			http.Error(w, "failed to fetch logo", http.StatusBadGateway)
			return
		}

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write(resp.Body)
	}
}

// RebuildGuide scrapes the schedule, regenerates the XMLTV guide and
// refreshes the cached copy. Used by the guide route on cache miss and by
// the daily background rebuild.
func (app *App) RebuildGuide(ctx context.Context) ([]byte, error) {
	sched, err := app.Schedule.Schedule(ctx)
	if err != nil {
		return nil, err
	}

	selected, err := app.Settings.SelectedChannelIDs()
	if err != nil {
		logger.Warn("{handlers - RebuildGuide} reading channel selection failed: %v", err)
		selected = nil
	}

	out, err := guide.Generate(sched, app.Directory.Channels(), selected, app.location())
	if err != nil {
		return nil, err
	}

	app.Cache.Set(guideCacheKey, string(out))
	return out, nil
}

// HandleGuide serves the XMLTV guide, rebuilt on demand when the cached copy
// has expired.
func HandleGuide(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")

		if cached, ok := app.Cache.Get(guideCacheKey); ok {
			w.Write([]byte(cached))
			return
		}

		out, err := app.RebuildGuide(r.Context())
		if err != nil {
			logger.Warn("{handlers - HandleGuide} guide rebuild failed: %v", err)
			http.Error(w, "failed to fetch schedule", http.StatusBadGateway)
			return
		}
		w.Write(out)
	}
}

type settingsPayload struct {
	PublicURL   string `json:"public_url"`
	EnvOverride bool   `json:"env_override"`
}

// HandleSettings reads or updates the public URL override.
func HandleSettings(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(settingsPayload{
				PublicURL:   app.Settings.PublicURL(),
				EnvOverride: app.Settings.HasEnvOverride(),
			})

		case http.MethodPost:
			var payload settingsPayload
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, "invalid settings payload", http.StatusBadRequest)
				return
			}
			resolved, err := app.Settings.SetPublicURL(payload.PublicURL)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			app.Settings.Apply()
			app.Cache.Invalidate()
			json.NewEncoder(w).Encode(settingsPayload{
				PublicURL:   resolved,
				EnvOverride: app.Settings.HasEnvOverride(),
			})

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// HandleRefresh forces an immediate channel list reload.
func HandleRefresh(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := app.Directory.LoadChannels(r.Context()); err != nil {
			logger.Warn("{handlers - HandleRefresh} channel reload failed: %v", err)
			http.Error(w, "channel reload failed", http.StatusBadGateway)
			return
		}
		app.Cache.Invalidate()
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleChannels lists the current channel directory as JSON.
func HandleChannels(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(app.Directory.Channels())
	}
}

func (app *App) location() *time.Location {
	loc, err := time.LoadLocation(app.Cfg.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
