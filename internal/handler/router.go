/*
Package handler provides the HTTP handlers and routing setup for the overlay
relay server.

This file defines the main Router, applying middleware like logging, CORS,
and IP-based rate limiting before delegating requests to the websocket,
config, and static asset handlers.
*/
package handler

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"blivecast/internal/pkg/limiter"
	"blivecast/internal/pkg/logx"
	"blivecast/internal/pkg/resp"
)

const (
	JoinRate  = 0.2
	JoinBurst = 5
)

// Router sets up the main HTTP routing table (chi.Router) for the application.
// It initializes the IP-based rate limiter, configures CORS, and applies
// global and per-route middleware.
func Router(deps *AppDeps) http.Handler {
	joinLimiter := limiter.NewIPRateLimiter(rate.Limit(JoinRate), JoinBurst)

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	permissive := deps.Config.Environment == "development" || deps.Config.Debug

	var wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if permissive {
				return true
			}

			origin := r.Header.Get("Origin")
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			// Same-host origins are always fine; OBS browser sources load
			// the overlay from this server.
			if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
				return true
			}

			logx.Warn("Websocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if permissive {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		data := map[string]any{
			"status":       "ok",
			"service":      "blivecast",
			"active_rooms": deps.Manager.RoomCount(),
		}
		resp.RespondSuccess(w, r, data)
	})

	r.Route("/config", func(api chi.Router) {
		api.Get("/", HandleListConfigs(deps))
		api.Post("/", HandleCreateConfig(deps))
		api.Get("/{id}", HandleGetConfig(deps))
		api.Put("/{id}", HandleUpdateConfig(deps))
		api.Delete("/{id}", HandleDeleteConfig(deps))
	})

	r.Get("/chat", HandleWebSocket(wsUpgrader, joinLimiter, deps))

	r.NotFound(spaHandler(deps.Config.WebRoot))

	return r
}

// spaHandler serves the built frontend, falling back to index.html for
// client-side routes.
func spaHandler(webRoot string) http.HandlerFunc {
	fileServer := http.FileServer(http.Dir(webRoot))

	return func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(webRoot, filepath.Clean(r.URL.Path))

		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}

		http.ServeFile(w, r, filepath.Join(webRoot, "index.html"))
	}
}
