package push

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	logx "medreminder/pkg/logx"
)

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func TestHTTPIngress(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	win := NewWindows()
	w := startWorker(t, d, win)
	srv := httptest.NewServer(NewRouter(w, win))
	t.Cleanup(srv.Close)

	st, body := do(t, srv, http.MethodPost, "/push", `{"title":"Take Aspirin","body":"1 tablet"}`)
	require.Equal(t, http.StatusOK, st, string(body))
	var pr pushResponse
	require.NoError(t, json.Unmarshal(body, &pr))
	require.Equal(t, "shown", pr.Status)
	require.Equal(t, "Take Aspirin", pr.Title)
	require.Equal(t, "1 tablet", pr.Body)
	require.NotEmpty(t, pr.ID)
	require.NotEmpty(t, pr.Tag)

	st, _ = do(t, srv, http.MethodPut, "/clients/win-1", `{"url":"http://localhost/"}`)
	require.Equal(t, http.StatusOK, st)
	st, _ = do(t, srv, http.MethodPut, "/clients/win-2", `{}`)
	require.Equal(t, http.StatusBadRequest, st)

	st, body = do(t, srv, http.MethodPost, "/notifications/"+pr.Tag+"/click", "")
	require.Equal(t, http.StatusOK, st)
	var c Client
	require.NoError(t, json.Unmarshal(body, &c))
	require.Equal(t, "win-1", c.ID)
	require.Equal(t, []string{pr.Tag}, d.closedTags())

	st, body = do(t, srv, http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, st)
	var sr stateResponse
	require.NoError(t, json.Unmarshal(body, &sr))
	require.Equal(t, "active", sr.State)
	require.Len(t, sr.Clients, 1)
	require.NotNil(t, sr.Focused)

	st, _ = do(t, srv, http.MethodDelete, "/clients/win-1", "")
	require.Equal(t, http.StatusNoContent, st)
	st, _ = do(t, srv, http.MethodDelete, "/clients/win-1", "")
	require.Equal(t, http.StatusNotFound, st)
}

func TestHTTPPushRejectedBeforeInstall(t *testing.T) {
	t.Parallel()
	win := NewWindows()
	w := New(Config{}, &recordingDispatcher{}, win, logx.Nop())
	srv := httptest.NewServer(NewRouter(w, win))
	t.Cleanup(srv.Close)

	st, _ := do(t, srv, http.MethodPost, "/push", "reminder!")
	require.Equal(t, http.StatusServiceUnavailable, st)
}

func TestHTTPPushFailureIsBadGateway(t *testing.T) {
	t.Parallel()
	win := NewWindows()
	w := startWorker(t, nil, win)
	srv := httptest.NewServer(NewRouter(w, win))
	t.Cleanup(srv.Close)

	st, body := do(t, srv, http.MethodPost, "/push", "reminder!")
	require.Equal(t, http.StatusBadGateway, st)
	var pr pushResponse
	require.NoError(t, json.Unmarshal(body, &pr))
	require.Equal(t, "platform_unavailable", pr.Status)
	require.Equal(t, "reminder!", pr.Body)
}
