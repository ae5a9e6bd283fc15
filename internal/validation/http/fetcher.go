package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxRedirect = 5
	DefaultUserAgent   = "Mozilla/5.0 (compatible; PatchLynx/1.0; +https://github.com/bl4ck0w1/patchlynx)"
	DefaultMaxBodySize = 5 * 1024 * 1024
)

// Client is what the detectors need from HTTP: a GET and a HEAD.
type Client interface {
	Get(ctx context.Context, url string) (*Response, error)
	Head(ctx context.Context, url string) (*Response, error)
}

type Options struct {
	Timeout time.Duration
	// MaxRedirects caps followed redirects. Zero means DefaultMaxRedirect,
	// a negative value disables redirects.
	MaxRedirects       int
	UserAgent          string
	MaxBodySize        int64
	Headers            map[string]string
	InsecureSkipVerify bool
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	switch {
	case o.MaxRedirects == 0:
		o.MaxRedirects = DefaultMaxRedirect
	case o.MaxRedirects < 0:
		o.MaxRedirects = 0
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = DefaultMaxBodySize
	}
	return o
}

type Response struct {
	URL          string         `json:"url"`
	StatusCode   int            `json:"statusCode"`
	Headers      http.Header    `json:"headers"`
	Cookies      []*http.Cookie `json:"-"`
	Body         string         `json:"-"`
	Truncated    bool           `json:"truncated,omitempty"`
	ResponseTime time.Duration  `json:"responseTime"`
}

func (r *Response) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

type Fetcher struct {
	client  *http.Client
	options Options
	logger  *logrus.Logger
	mu      sync.RWMutex
	stats   FetchStats
}

type FetchStats struct {
	Requests int           `json:"requests"`
	Failures int           `json:"failures"`
	Elapsed  time.Duration `json:"elapsed"`
}

func NewFetcher(opts Options, logger *logrus.Logger) *Fetcher {
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // operator opt-in for self-signed targets
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
	}

	maxRedirects := opts.MaxRedirects
	client := &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	return &Fetcher{client: client, options: opts, logger: logger}
}

func (f *Fetcher) Get(ctx context.Context, url string) (*Response, error) {
	return f.do(ctx, http.MethodGet, url)
}

func (f *Fetcher) Head(ctx context.Context, url string) (*Response, error) {
	return f.do(ctx, http.MethodHead, url)
}

func (f *Fetcher) do(ctx context.Context, method, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.options.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	for k, v := range f.options.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	rt := time.Since(start)
	f.record(rt, err != nil)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	out := &Response{
		URL:          resp.Request.URL.String(),
		StatusCode:   resp.StatusCode,
		Headers:      resp.Header.Clone(),
		Cookies:      resp.Cookies(),
		ResponseTime: rt,
	}
	if method == http.MethodHead {
		return out, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.options.MaxBodySize+1))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > f.options.MaxBodySize {
		body = body[:f.options.MaxBodySize]
		out.Truncated = true
	}
	out.Body = string(body)

	f.logger.WithFields(logrus.Fields{
		"url":         out.URL,
		"status":      out.StatusCode,
		"bytes":       len(body),
		"duration_ms": rt.Milliseconds(),
	}).Debug("Fetched")
	return out, nil
}

func (f *Fetcher) record(rt time.Duration, failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Requests++
	f.stats.Elapsed += rt
	if failed {
		f.stats.Failures++
	}
}

func (f *Fetcher) Stats() FetchStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats
}

// ProbeServer sends HEAD to host over https and http in parallel and returns
// the first response that carries a status, preferring https.
func (f *Fetcher) ProbeServer(ctx context.Context, host string) (*Response, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://"), "/")
	schemes := []string{"https", "http"}
	results := make([]*Response, len(schemes))

	g, gctx := errgroup.WithContext(ctx)
	for i, scheme := range schemes {
		i, scheme := i, scheme
		g.Go(func() error {
			resp, err := f.Head(gctx, scheme+"://"+host)
			if err != nil {
				f.logger.Debugf("Probe failed for %s://%s: %v", scheme, host, err)
				return nil
			}
			results[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range results {
		if r != nil && r.StatusCode > 0 {
			return r, nil
		}
	}
	return nil, fmt.Errorf("all probe attempts failed for %s", host)
}
