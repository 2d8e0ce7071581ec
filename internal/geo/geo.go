// Package geo resolves request IPs to coarse locations. Lookups are
// best-effort: the resolver never blocks a login for longer than its deadline
// and callers must tolerate a nil result.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sessiondesk/sessiondesk/internal/retry"
)

// Location is a resolved lookup result.
type Location struct {
	City    string  `json:"city"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Pretty  string  `json:"pretty"`
}

// Resolver resolves an IP to a location, or nil when unknown.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*Location, error)
}

// Noop is a Resolver that never resolves anything. Used in tests and when no
// provider is configured.
type Noop struct{}

func (Noop) Resolve(context.Context, string) (*Location, error) { return nil, nil }

const (
	lookupTimeout = 5 * time.Second
	cacheTTL      = time.Hour
)

// local is the synthetic result for private and loopback addresses.
var local = Location{City: "Local Network", Pretty: "Local Network"}

type cacheEntry struct {
	loc       *Location
	expiresAt time.Time
}

// HTTPResolver queries an ip-api-style JSON endpoint with a hard 5-second
// deadline, a client-side rate limit, and a small TTL cache.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewHTTPResolver builds a resolver for the given provider base URL
// (e.g. "http://ip-api.com/json"). The free ip-api tier allows 45 req/min;
// the limiter stays under that.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: lookupTimeout},
		limiter: rate.NewLimiter(rate.Every(1500*time.Millisecond), 5),
		cache:   make(map[string]cacheEntry),
	}
}

type providerResponse struct {
	Status  string  `json:"status"`
	City    string  `json:"city"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Resolve returns the location for ip, a synthetic "Local Network" result for
// private ranges, or nil when the provider fails, times out, or is rate
// limited locally.
func (r *HTTPResolver) Resolve(ctx context.Context, ip string) (*Location, error) {
	host := ip
	if h, _, err := net.SplitHostPort(ip); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("parse ip %q: %w", ip, err)
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
		loc := local
		return &loc, nil
	}

	r.mu.Lock()
	if e, ok := r.cache[host]; ok && time.Now().Before(e.expiresAt) {
		r.mu.Unlock()
		return e.loc, nil
	}
	r.mu.Unlock()

	// Over-budget lookups are skipped rather than queued; logins must not
	// wait on the provider's quota.
	if !r.limiter.Allow() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	loc, err := retry.Do(ctx, 2, 300*time.Millisecond, nil, func() (*Location, error) {
		return r.lookup(ctx, host)
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[host] = cacheEntry{loc: loc, expiresAt: time.Now().Add(cacheTTL)}
	r.mu.Unlock()
	return loc, nil
}

func (r *HTTPResolver) lookup(ctx context.Context, host string) (*Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/"+host, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup: status %d", resp.StatusCode)
	}
	var pr providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("geo lookup: decode: %w", err)
	}
	if pr.Status != "success" {
		return nil, nil
	}
	loc := &Location{
		City:    pr.City,
		Country: pr.Country,
		Lat:     pr.Lat,
		Lon:     pr.Lon,
	}
	loc.Pretty = pretty(loc)
	return loc, nil
}

func pretty(l *Location) string {
	switch {
	case l.City != "" && l.Country != "":
		return l.City + ", " + l.Country
	case l.Country != "":
		return l.Country
	case l.City != "":
		return l.City
	default:
		return "Unknown"
	}
}
