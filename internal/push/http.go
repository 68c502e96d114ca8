package push

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const maxPushBody = 64 << 10

type pushResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Key    string `json:"key,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
}

type stateResponse struct {
	State   string   `json:"state"`
	Clients []Client `json:"clients"`
	Focused *Client  `json:"focused,omitempty"`
}

type registerRequest struct {
	URL string `json:"url"`
}

// RegisterRoutes mounts the worker's ingress on r:
//
//	POST   /push                      deliver a push body
//	POST   /notifications/{tag}/click notification clicked
//	PUT    /clients/{id}              window opened or navigated
//	DELETE /clients/{id}              window closed
//	GET    /state                     lifecycle state and windows
func RegisterRoutes(r chi.Router, w *Worker, win *Windows) {
	r.Post("/push", pushHandler(w))
	r.Post("/notifications/{tag}/click", clickHandler(w))
	r.Put("/clients/{id}", registerClientHandler(win))
	r.Delete("/clients/{id}", unregisterClientHandler(win))
	r.Get("/state", stateHandler(w, win))
}

// NewRouter returns a router with only the worker routes, for mounting
// under a prefix.
func NewRouter(w *Worker, win *Windows) http.Handler {
	r := chi.NewRouter()
	RegisterRoutes(r, w, win)
	return r
}

func pushHandler(w *Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxPushBody))
		if err != nil {
			http.Error(rw, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		ev, err := w.Push(r.Context(), raw)
		if err != nil {
			if errors.Is(err, ErrNotActive) {
				http.Error(rw, err.Error(), http.StatusServiceUnavailable)
				return
			}
			http.Error(rw, err.Error(), http.StatusGatewayTimeout)
			return
		}

		werr := ev.Wait(r.Context())
		p, res := ev.Payload(), ev.Result()
		out := pushResponse{
			ID:     ev.ID,
			Status: string(res.Status),
			Key:    res.Key,
			Tag:    res.Tag,
			Title:  p.Title,
			Body:   p.Body,
		}
		status := http.StatusOK
		if werr != nil {
			out.Error = werr.Error()
			status = http.StatusBadGateway
		}
		writeJSON(rw, status, out)
	}
}

func clickHandler(w *Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		c, err := w.Click(r.Context(), chi.URLParam(r, "tag"))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(rw, http.StatusOK, c)
	}
}

func registerClientHandler(win *Windows) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxPushBody)).Decode(&req); err != nil {
			http.Error(rw, "invalid json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.URL) == "" {
			http.Error(rw, "url is required", http.StatusBadRequest)
			return
		}
		writeJSON(rw, http.StatusOK, win.Register(chi.URLParam(r, "id"), req.URL))
	}
}

func unregisterClientHandler(win *Windows) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !win.Unregister(chi.URLParam(r, "id")) {
			http.Error(rw, ErrUnknownClient.Error(), http.StatusNotFound)
			return
		}
		rw.WriteHeader(http.StatusNoContent)
	}
}

func stateHandler(w *Worker, win *Windows) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		list, _ := win.MatchAll(r.Context())
		out := stateResponse{State: w.State().String(), Clients: list}
		if c, ok := win.Focused(); ok {
			out.Focused = &c
		}
		writeJSON(rw, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
