// Package pprof mounts the runtime profiler on the daemon's local API.
package pprof

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Config controls the profiler routes.
//
// Security: the routes share the API listener. When http.addr is not a
// loopback address, set Token.
type Config struct {
	Token string

	MutexProfileFraction int
	BlockProfileRate     int
}

// Router serves the pprof index and profiles relative to its mount point.
func Router(cfg Config) http.Handler {
	applyRuntimeRates(cfg)

	r := chi.NewRouter()
	r.Use(withAuth(cfg.Token))
	r.Get("/", indexAt(""))
	r.Get("/cmdline", hpprof.Cmdline)
	r.Get("/profile", hpprof.Profile)
	r.Get("/symbol", hpprof.Symbol)
	r.Post("/symbol", hpprof.Symbol)
	r.Get("/trace", hpprof.Trace)
	r.Get("/{profile}", func(w http.ResponseWriter, req *http.Request) {
		indexAt(chi.URLParam(req, "profile"))(w, req)
	})
	return r
}

func applyRuntimeRates(cfg Config) {
	// 0 keeps Go default.
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Authorization: Bearer <token> or ?token=<token>
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// hpprof.Index resolves profiles from a path rooted at /debug/pprof/, so the
// request is rewritten to that form whatever the mount point.
func indexAt(profile string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + profile
		hpprof.Index(w, r2)
	}
}
