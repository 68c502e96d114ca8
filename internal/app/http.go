package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"medreminder/internal/medsource"
	"medreminder/internal/notifier"
	"medreminder/internal/observability/pprof"
	"medreminder/internal/push"
	"medreminder/internal/runtime/supervisor"
	"medreminder/internal/scheduler"
	"medreminder/internal/storage"
	logx "medreminder/pkg/logx"
)

type syncRequest struct {
	Token string `json:"token"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Pending    int    `json:"pending"`
	Permission string `json:"permission"`
	Push       string `json:"push,omitempty"`
	LoggedOut  bool   `json:"logged_out,omitempty"`
}

type statusResponse struct {
	Jobs       []scheduler.Entry      `json:"jobs"`
	Tasks      []supervisor.TaskStats `json:"tasks"`
	Foreground []notifier.HistoryItem `json:"foreground"`
	Background []notifier.HistoryItem `json:"background"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(a.requestLog)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Route("/app", func(r chi.Router) {
		r.Post("/sync", a.handleSync)
		r.Post("/logout", a.handleLogout)
		r.Get("/reminders", a.handleReminders)
		r.Get("/deliveries", a.handleDeliveries)
		r.Get("/status", a.handleStatus)
	})
	if a.push != nil {
		r.Mount("/sw", push.NewRouter(a.push, a.windows))
	}
	if a.httpCfg.Pprof {
		r.Mount("/debug/pprof", pprof.Router(pprof.Config{Token: a.httpCfg.PprofToken}))
	}
	return r
}

func (a *App) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Pending:    a.reg.Len(),
		Permission: a.fg.Permission().String(),
		LoggedOut:  a.loggedOut.Load(),
	}
	if a.push != nil {
		resp.Push = a.push.State().String()
	}
	if a.fg.Ready() != nil {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	if tok := strings.TrimSpace(req.Token); tok != "" {
		a.Login(tok)
	}

	res, err := a.Sync(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, ErrLoggedOut), errors.Is(err, medsource.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case errors.Is(err, notifier.ErrPermissionDenied), errors.Is(err, notifier.ErrPlatformUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

func (a *App) handleLogout(w http.ResponseWriter, _ *http.Request) {
	a.Logout()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleReminders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Reminders())
}

func (a *App) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if a.store == nil {
		writeJSON(w, http.StatusOK, []storage.Delivery{})
		return
	}
	out, err := a.store.RecentDeliveries(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if out == nil {
		out = []storage.Delivery{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Jobs:       a.sched.Entries(),
		Foreground: a.fg.Snapshot(),
		Background: a.bg.Snapshot(),
	}
	if a.sup != nil {
		resp.Tasks = a.sup.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
