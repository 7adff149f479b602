// Package regional implements the regional access boundary fetcher
// (spec.md §4.3): an asynchronous, cached lookup of the
// "x-allowed-locations" metadata value that Google's Regional Access
// Boundary service issues for a credential, gated to only the
// non-regional googleapis.com authorities that benefit from it.
package regional

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian-rpc/callcreds/internal/backoff"
)

const (
	allowedLocationsHeader = "x-allowed-locations"

	baseCooldown = 15 * time.Minute
	maxCooldown  = time.Hour
	maxRetries   = 6

	softCacheGrace = time.Hour
	hardCacheTTL   = 6 * time.Hour

	regionalEndpoint   = "rep.googleapis.com"
	googleapisEndpoint = "googleapis.com"

	fetchTimeout = 60 * time.Second
)

var retryableStatusCodes = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Boundary is a cached regional access boundary result (spec.md §4.3,
// "RegionalAccessBoundary").
type Boundary struct {
	EncodedLocations string
	Locations        []string
	Expiration       time.Time
}

func (b Boundary) valid(now time.Time) bool { return now.Before(b.Expiration) }

func (b Boundary) softExpired(now time.Time) bool {
	return now.After(b.Expiration.Add(-softCacheGrace))
}

// Fetcher fetches and caches a single credential's regional access
// boundary. It is safe for concurrent use; callers typically own one
// Fetcher per credential and call Fetch on every outbound RPC.
type Fetcher struct {
	lookupURL  string
	httpClient *http.Client
	log        logrus.FieldLogger

	mu                 sync.Mutex
	cache              *Boundary
	cooldownMultiplier int
	cooldownDeadline   time.Time
	nextFetchTime      time.Time
	numRetries         int
	backoff            *backoff.Backoff
	pendingCancel      context.CancelFunc
}

// Option configures a Fetcher at construction time.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client used to call lookupURL.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = client }
}

// WithLogger attaches a structured logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(f *Fetcher) { f.log = log }
}

// WithBackoff overrides the retry backoff config; defaults to 1s
// initial, 2.0 multiplier, 0.2 jitter, 60s max, matching the original
// fetcher's BackOff::Options.
func WithBackoff(cfg backoff.Config) Option {
	return func(f *Fetcher) { f.backoff = backoff.New(cfg) }
}

// New builds a Fetcher for the given lookup URL. An empty lookupURL
// means the owning credential lacks enough information (workforce pool
// ID, service-account email, ...) to construct one; Fetch becomes a
// permanent no-op, matching the original's "empty lookup URL" guard.
func New(lookupURL string, opts ...Option) *Fetcher {
	f := &Fetcher{
		lookupURL:          lookupURL,
		httpClient:         &http.Client{Timeout: fetchTimeout},
		log:                logrus.StandardLogger(),
		cooldownMultiplier: 1,
		backoff: backoff.New(backoff.Config{
			Initial:    time.Second,
			Multiplier: 2.0,
			Jitter:     0.2,
			Max:        60 * time.Second,
		}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch attaches the cached x-allowed-locations header to md if a
// fresh boundary is cached, and otherwise kicks off (or lets run) a
// background refresh. authority is the call's :authority metadata
// value (host[:port]); only non-regional googleapis.com authorities
// are eligible (spec.md §4.3, "Fetch").
func (f *Fetcher) Fetch(ctx context.Context, authority string, accessToken string, md map[string]string) {
	if f.lookupURL == "" {
		return
	}
	host := authority
	if h, _, err := net.SplitHostPort(authority); err == nil && h != "" {
		host = h
	}
	if host == regionalEndpoint || strings.HasSuffix(host, "."+regionalEndpoint) {
		return
	}
	isGoogleapis := host == googleapisEndpoint || strings.HasSuffix(host, "."+googleapisEndpoint)
	if !isGoogleapis {
		return
	}

	now := time.Now()
	f.mu.Lock()
	shouldFetch := (f.cache == nil || f.cache.softExpired(now)) &&
		f.pendingCancel == nil &&
		!f.nextFetchTime.After(now) &&
		!f.cooldownDeadline.After(now)
	var cached *Boundary
	if f.cache != nil && f.cache.valid(now) {
		b := *f.cache
		cached = &b
	}
	if shouldFetch {
		f.startFetchLocked(accessToken)
	}
	f.mu.Unlock()

	if cached != nil {
		md[allowedLocationsHeader] = cached.EncodedLocations
	}
}

// startFetchLocked must be called with f.mu held.
func (f *Fetcher) startFetchLocked(accessToken string) {
	fetchCtx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	f.pendingCancel = cancel
	go f.runFetch(fetchCtx, cancel, accessToken)
}

func (f *Fetcher) runFetch(ctx context.Context, cancel context.CancelFunc, accessToken string) {
	defer cancel()
	boundary, status, err := f.doRequest(ctx, accessToken)
	if err == nil && status == http.StatusOK {
		f.onFetchSuccess(boundary)
		return
	}
	f.onFetchFailure(ctx.Err(), status, err)
}

func (f *Fetcher) doRequest(ctx context.Context, accessToken string) (Boundary, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.lookupURL, nil)
	if err != nil {
		return Boundary{}, 0, fmt.Errorf("building regional access boundary request: %w", err)
	}
	req.Header.Set("Authorization", accessToken)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Boundary{}, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Boundary{}, resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return Boundary{}, resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		EncodedLocations string   `json:"encodedLocations"`
		Locations        []string `json:"locations"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Boundary{}, resp.StatusCode, fmt.Errorf("parsing regional access boundary response: %w", err)
	}
	if payload.EncodedLocations == "" {
		return Boundary{}, resp.StatusCode, fmt.Errorf("regional access boundary response missing encodedLocations")
	}
	return Boundary{
		EncodedLocations: payload.EncodedLocations,
		Locations:        payload.Locations,
		Expiration:       time.Now().Add(hardCacheTTL),
	}, resp.StatusCode, nil
}

func (f *Fetcher) onFetchSuccess(b Boundary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = &b
	f.cooldownMultiplier = 1
	f.backoff.Reset()
	f.numRetries = 0
	f.pendingCancel = nil
}

func (f *Fetcher) onFetchFailure(ctxErr error, httpStatus int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingCancel = nil

	cancelled := ctxErr == context.Canceled
	retryable := !cancelled && f.numRetries < maxRetries && (err != nil && httpStatus == 0 || retryableStatusCodes[httpStatus])
	// A non-HTTP transport error (err != nil, httpStatus == 0) and a
	// retryable 5xx both retry via backoff; anything else (4xx, success
	// parse failures, cancellation, or exhausted retries) enters cooldown.
	if retryable {
		f.numRetries++
		f.log.WithFields(logrus.Fields{
			"http_status": httpStatus,
			"error":       err,
			"retry":       f.numRetries,
		}).Warn("regional access boundary fetch failed, retrying")
		f.nextFetchTime = time.Now().Add(f.backoff.NextAttemptDelay())
		return
	}

	f.log.WithFields(logrus.Fields{
		"http_status": httpStatus,
		"error":       err,
	}).Warn("regional access boundary fetch failed, entering cooldown")
	f.backoff.Reset()
	f.numRetries = 0
	f.cooldownDeadline = time.Now().Add(baseCooldown * time.Duration(f.cooldownMultiplier))
	if time.Duration(f.cooldownMultiplier)*baseCooldown < maxCooldown {
		f.cooldownMultiplier *= 2
	}
}

// Close cancels any in-flight fetch, matching the original's Orphaned
// semantics for avoiding leaked HTTP requests past credential lifetime.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingCancel != nil {
		f.pendingCancel()
		f.pendingCancel = nil
	}
}
