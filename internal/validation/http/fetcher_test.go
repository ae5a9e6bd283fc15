package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

func TestFetcher_Get(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Server", "nginx/1.18.0 (Ubuntu)")
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "abc"})
		_, _ = w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	f := NewFetcher(Options{UserAgent: "test-agent"}, utils.QuietLogger())
	resp, err := f.Get(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>hello</html>", resp.Body)
	assert.Equal(t, "nginx/1.18.0 (Ubuntu)", resp.Header("server"))
	require.Len(t, resp.Cookies, 1)
	assert.Equal(t, "PHPSESSID", resp.Cookies[0].Name)
	assert.Equal(t, "test-agent", gotUA)
	assert.Equal(t, 1, f.Stats().Requests)
}

func TestFetcher_BodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer srv.Close()

	f := NewFetcher(Options{MaxBodySize: 10}, utils.QuietLogger())
	resp, err := f.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, resp.Body, 10)
	assert.True(t, resp.Truncated)
}

func TestFetcher_Redirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/b", http.StatusFound) })
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/c", http.StatusFound) })
	mux.HandleFunc("/c", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("done")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	follow := NewFetcher(Options{MaxRedirects: 5}, utils.QuietLogger())
	resp, err := follow.Get(context.Background(), srv.URL+"/a")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, srv.URL+"/c", resp.URL)

	capped := NewFetcher(Options{MaxRedirects: 1}, utils.QuietLogger())
	resp, err = capped.Get(context.Background(), srv.URL+"/a")
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, srv.URL+"/b", resp.URL)

	defaults := NewFetcher(Options{}, utils.QuietLogger())
	resp, err = defaults.Get(context.Background(), srv.URL+"/a")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", resp.Body)

	none := NewFetcher(Options{MaxRedirects: -1}, utils.QuietLogger())
	resp, err = none.Get(context.Background(), srv.URL+"/a")
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, srv.URL+"/a", resp.URL)
}

func TestOptions_WithDefaults(t *testing.T) {
	testCases := []struct {
		name string
		in   int
		want int
	}{
		{"zero selects default", 0, DefaultMaxRedirect},
		{"negative disables", -1, 0},
		{"explicit kept", 2, 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Options{MaxRedirects: tc.in}.withDefaults().MaxRedirects)
		})
	}
}

func TestFetcher_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	f := NewFetcher(Options{Timeout: 50 * time.Millisecond}, utils.QuietLogger())
	_, err := f.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, 1, f.Stats().Failures)
}

func TestFetcher_Head(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Server", "Apache/2.4.41")
	}))
	defer srv.Close()

	f := NewFetcher(Options{}, utils.QuietLogger())
	resp, err := f.Head(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Apache/2.4.41", resp.Header("Server"))
	assert.Empty(t, resp.Body)
}

func TestFetcher_ProbeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "Caddy")
	}))
	defer srv.Close()

	f := NewFetcher(Options{Timeout: 2 * time.Second}, utils.QuietLogger())
	resp, err := f.ProbeServer(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Caddy", resp.Header("Server"))
}

func TestParseProductTokens(t *testing.T) {
	testCases := []struct {
		header string
		want   []ProductToken
	}{
		{
			header: "Apache/2.4.41 (Ubuntu) OpenSSL/1.1.1f",
			want: []ProductToken{
				{Product: "Apache", Version: "2.4.41", Comment: "Ubuntu"},
				{Product: "OpenSSL", Version: "1.1.1f"},
			},
		},
		{header: "nginx", want: []ProductToken{{Product: "nginx"}}},
		{header: "Microsoft-IIS/10.0", want: []ProductToken{{Product: "Microsoft-IIS", Version: "10.0"}}},
		{header: "PHP/7.4.3", want: []ProductToken{{Product: "PHP", Version: "7.4.3"}}},
		{header: "ASP.NET", want: []ProductToken{{Product: "ASP.NET"}}},
		{header: "openresty/1.21.4.1", want: []ProductToken{{Product: "openresty", Version: "1.21.4.1"}}},
		{header: "", want: nil},
	}

	for _, tc := range testCases {
		t.Run(tc.header, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseProductTokens(tc.header))
		})
	}
}

func TestOSHint(t *testing.T) {
	assert.Equal(t, "ubuntu", OSHint(ParseProductTokens("Apache/2.4.41 (Ubuntu)")))
	assert.Equal(t, "windows", OSHint(ParseProductTokens("Apache/2.4.54 (Win64) OpenSSL/1.1.1p")))
	assert.Equal(t, "centos", OSHint(ParseProductTokens("Apache/2.4.6 (CentOS) PHP/5.4.16")))
	assert.Empty(t, OSHint(ParseProductTokens("nginx/1.18.0")))
}
