package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"
	"time"

	"medreminder/internal/notifier"
	logx "medreminder/pkg/logx"
)

// fakeAPI speaks just enough of the Bot API for the surface.
type fakeAPI struct {
	mu      sync.Mutex
	blocked bool
	nextID  int
	calls   []string
	texts   []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := path.Base(r.URL.Path)
	body, _ := io.ReadAll(r.Body)
	var params map[string]any
	_ = json.Unmarshal(body, &params)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if txt, ok := params["text"].(string); ok {
		f.texts = append(f.texts, txt)
	}

	w.Header().Set("Content-Type", "application/json")
	if f.blocked {
		_, _ = io.WriteString(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
		return
	}
	switch method {
	case "getChat":
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":42,"type":"private"}}`)
	case "sendMessage", "editMessageText":
		if method == "sendMessage" {
			f.nextID++
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{
				"message_id": f.nextID,
				"date":       time.Now().Unix(),
				"chat":       map[string]any{"id": 42, "type": "private"},
				"text":       params["text"],
			},
		})
	case "deleteMessage":
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	default:
		_, _ = io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newSurface(t *testing.T, api *fakeAPI) *Surface {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	s, err := New(Config{Token: "123:abc", ChatID: 42, APIURL: srv.URL, Timeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
	if _, err := New(Config{Token: "x"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for missing chat id")
	}
}

func TestShowEditsRepeatedTag(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	s := newSurface(t, api)
	ctx := context.Background()

	if p, err := s.RequestPermission(ctx); err != nil || p != notifier.PermissionGranted {
		t.Fatalf("RequestPermission = %s, %v", p, err)
	}
	n := notifier.Notification{Tag: "rem-1", Title: "Time to take: Aspirin", Body: "1 tablet <after food>"}
	if err := s.Show(ctx, n); err != nil {
		t.Fatalf("Show: %v", err)
	}
	if err := s.Show(ctx, n); err != nil {
		t.Fatalf("Show again: %v", err)
	}
	if err := s.Close(ctx, "rem-1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(ctx, "rem-1"); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	want := []string{"getChat", "sendMessage", "editMessageText", "deleteMessage"}
	got := api.callLog()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
	if api.texts[0] != "<b>Time to take: Aspirin</b>\n1 tablet &lt;after food&gt;" {
		t.Fatalf("rendered %q", api.texts[0])
	}
}

func TestBlockedBotIsDenied(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{blocked: true}
	s := newSurface(t, api)

	p, err := s.RequestPermission(context.Background())
	if err != nil || p != notifier.PermissionDenied {
		t.Fatalf("RequestPermission = %s, %v; want denied", p, err)
	}
	err = s.Show(context.Background(), notifier.Notification{Tag: "x", Title: "t"})
	if !errors.Is(err, notifier.ErrPermissionDenied) {
		t.Fatalf("Show err = %v, want ErrPermissionDenied", err)
	}
}

func TestTrackedTagsAreBounded(t *testing.T) {
	t.Parallel()
	s := &Surface{cfg: Config{MaxTracked: 2}, msgs: map[string]int{}}
	s.track("a", 1)
	s.track("b", 2)
	s.track("a", 3)
	s.track("c", 4)
	if _, ok := s.lookup("a"); ok {
		t.Fatalf("oldest tag should be evicted")
	}
	if id, ok := s.lookup("c"); !ok || id != 4 {
		t.Fatalf("lookup(c) = %d, %v", id, ok)
	}
}
