// Package fetch implements the Fetcher (C6): an HTTP GET client with
// per-host rate limiting, a cached robots.txt parser, retry/backoff, and
// optional proxy rotation with circuit breaking. §4.6 specifies a plain
// HTTP GET, nothing JS-rendered.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"

	"newsvault/internal/apperr"
)

const robotsCacheTTL = time.Hour

type robotsEntry struct {
	group     *robotstxt.Group
	fetchedAt time.Time
}

// Fetcher is process-wide: its robots.txt cache and per-host token buckets
// are shared mutex-guarded state per §5.
type Fetcher struct {
	UserAgent string
	Timeout   time.Duration
	PerHostRPS float64
	Client    *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	robots   map[string]robotsEntry

	proxies      []string
	proxyMu      sync.Mutex
	proxyIdx     int
	breakers     map[string]*gobreaker.CircuitBreaker[*http.Response]
}

func New(userAgent string, timeout time.Duration, perHostRPS float64, proxies []string) *Fetcher {
	f := &Fetcher{
		UserAgent:  userAgent,
		Timeout:    timeout,
		PerHostRPS: perHostRPS,
		Client:     &http.Client{Timeout: timeout},
		limiters:   make(map[string]*rate.Limiter),
		robots:     make(map[string]robotsEntry),
		proxies:    proxies,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
	for _, p := range proxies {
		f.breakers[p] = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        p,
			MaxRequests: 1,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return f
}

// CanFetch consults the cached robots.txt parser for host(url); when in
// doubt (fetch failure, parse failure) it denies, per §4.6.
func (f *Fetcher) CanFetch(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	group, err := f.robotsGroup(ctx, u)
	if err != nil {
		return false
	}
	return group.Test(u.Path)
}

func (f *Fetcher) robotsGroup(ctx context.Context, u *url.URL) (*robotstxt.Group, error) {
	host := u.Host

	f.mu.Lock()
	if entry, ok := f.robots[host]; ok && time.Since(entry.fetchedAt) < robotsCacheTTL {
		f.mu.Unlock()
		return entry.group, nil
	}
	f.mu.Unlock()

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rules *robotstxt.RobotsData
	if resp.StatusCode == http.StatusOK {
		rules, err = robotstxt.FromResponse(resp)
		if err != nil {
			return nil, err
		}
	} else {
		// No robots.txt or it errored: permissive by default, matching the
		// common crawler convention that a missing file allows everything.
		rules, _ = robotstxt.FromString("")
	}

	group := rules.FindGroup(f.UserAgent)

	f.mu.Lock()
	f.robots[host] = robotsEntry{group: group, fetchedAt: time.Now()}
	f.mu.Unlock()

	return group, nil
}

func (f *Fetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	lim, ok := f.limiters[host]
	if !ok {
		rps := f.PerHostRPS
		if rps <= 0 {
			rps = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), 1)
		f.limiters[host] = lim
	}
	return lim
}

// Get performs the fetch described in §4.6: per-host token bucket, robots.txt
// check (deny => apperr.Validation-ish dependency error), retries on network
// errors only (up to 3, exponential backoff from 500ms), a single retry on
// 5xx, and no retry on 4xx.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid URL", err)
	}

	if !f.CanFetch(ctx, rawURL) {
		return nil, apperr.New(apperr.Dependency, "robots.txt disallows fetching this URL")
	}

	if err := f.limiterFor(u.Host).Wait(ctx); err != nil {
		return nil, apperr.Wrap(apperr.Timeout, "rate limiter wait cancelled", err)
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := f.doOnce(ctx, rawURL)
		if err == nil {
			if resp.StatusCode >= 500 && attempt == 0 {
				resp.Body.Close()
				lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			return resp, nil
		}

		lastErr = err
		if attempt == 2 {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return nil, apperr.Wrap(apperr.Dependency, "fetch failed after retries", lastErr)
}

func (f *Fetcher) doOnce(ctx context.Context, rawURL string) (*http.Response, error) {
	proxy, breaker := f.pickProxy()
	do := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", f.UserAgent)

		client := f.Client
		if proxy != "" {
			proxyURL, err := url.Parse(proxy)
			if err != nil {
				return nil, err
			}
			transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
			client = &http.Client{Timeout: f.Timeout, Transport: transport}
		}
		return client.Do(req)
	}

	if breaker == nil {
		return do()
	}
	return breaker.Execute(do)
}

// pickProxy round-robins the configured proxy list; returns ("", nil) when
// no proxies are configured (direct connection).
func (f *Fetcher) pickProxy() (string, *gobreaker.CircuitBreaker[*http.Response]) {
	if len(f.proxies) == 0 {
		return "", nil
	}
	f.proxyMu.Lock()
	defer f.proxyMu.Unlock()

	p := f.proxies[f.proxyIdx%len(f.proxies)]
	f.proxyIdx++
	return p, f.breakers[p]
}

// ReadBody drains and closes resp.Body, a small convenience used by callers
// that just want the bytes.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
