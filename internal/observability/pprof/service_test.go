package pprof

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRouterRequiresToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(Router(Config{Token: "t0k"}))
	t.Cleanup(srv.Close)

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no token", "/", "", http.StatusUnauthorized},
		{"wrong query token", "/?token=nope", "", http.StatusUnauthorized},
		{"query token", "/?token=t0k", "", http.StatusOK},
		{"bearer", "/goroutine?debug=1", "Bearer t0k", http.StatusOK},
		{"bad bearer", "/cmdline", "Bearer other", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+tc.path, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestRouterWithoutToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(Router(Config{}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content-type = %q", ct)
	}
}
