// Package auth resolves web application session identifiers to user names
// through the application's authentication callback.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/nfrund/notifyrelay/internal/metrics"
)

// AuthenticatePath is appended to the application base URL to form the
// callback endpoint.
const AuthenticatePath = "notifications/authenticate/"

const (
	// DefaultCacheTTL is how long a successful resolution is reused.
	DefaultCacheTTL = 300 * time.Second
	// DefaultTimeout bounds a single callback round trip.
	DefaultTimeout = 5 * time.Second
	// DefaultCacheSize caps the number of cached sessions.
	DefaultCacheSize = 10000

	maxResponseBytes = 1 << 20
	statusOK         = "OK"
	sessionField     = "nsid"
)

var (
	// ErrAuthFailed is returned for any session that could not be resolved.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrEmptySession is returned without contacting the callback.
	ErrEmptySession = errors.New("empty session id")
)

// Config configures an Authenticator.
type Config struct {
	// Endpoint is the full callback URL.
	Endpoint  string
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
}

// Endpoint joins an application base URL with AuthenticatePath.
func Endpoint(baseURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse auth base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("auth base url %q must be absolute", baseURL)
	}
	endpoint := base.String()
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return endpoint + AuthenticatePath, nil
}

// Authenticator resolves session ids and caches successful results for a
// fixed time. It is safe for concurrent use.
type Authenticator struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	cache    *expirable.LRU[string, string]
	inflight singleflight.Group
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates an Authenticator. Zero values in cfg take the package defaults.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Authenticator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		timeout:  cfg.Timeout,
		cache:    expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
		metrics:  m,
		logger:   logger.With("component", "auth"),
	}
}

// Resolve returns the user name owning sessionID.
//
// A cached resolution younger than the TTL is returned without a network
// call. Otherwise exactly one POST is made to the callback; concurrent
// resolutions of the same session share it. Failures are never cached.
func (a *Authenticator) Resolve(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", ErrEmptySession
	}

	if user, ok := a.cache.Get(sessionID); ok {
		a.metrics.AuthResolutions.WithLabelValues(metrics.ResultCacheHit).Inc()
		a.logger.Debug("Session resolved from cache", "user", user)
		return user, nil
	}

	v, err, _ := a.inflight.Do(sessionID, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()

		user, err := a.callback(callCtx, sessionID)
		if err != nil {
			return "", err
		}
		a.cache.Add(sessionID, user)
		return user, nil
	})
	if err != nil {
		a.metrics.AuthResolutions.WithLabelValues(metrics.ResultFailed).Inc()
		a.logger.Warn("Unable to authorize session", "endpoint", a.endpoint, "error", err)
		return "", err
	}

	user := v.(string)
	a.metrics.AuthResolutions.WithLabelValues(metrics.ResultOK).Inc()
	a.logger.Debug("Authorized user", "user", user)
	return user, nil
}

type callbackResponse struct {
	Status string `json:"status"`
	User   string `json:"user"`
}

func (a *Authenticator) callback(ctx context.Context, sessionID string) (string, error) {
	form := url.Values{sessionField: {sessionID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrAuthFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrAuthFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: callback answered %d", ErrAuthFailed, resp.StatusCode)
	}

	var decoded callbackResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrAuthFailed, err)
	}
	if decoded.Status != statusOK || decoded.User == "" {
		return "", fmt.Errorf("%w: callback status %q", ErrAuthFailed, decoded.Status)
	}
	return decoded.User, nil
}
