package middleware

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	defaultMaxClients          int     = 10000
	defaultGlobalRPS           int     = 500
	defaultClientRPS           int     = 100
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

var (
	// ErrInvalidRate is returned when a configured RPS is not positive.
	ErrInvalidRate = errors.New("rate limit RPS must be positive")
	// ErrInvalidBurst is returned for a negative burst override.
	ErrInvalidBurst = errors.New("rate limit burst cannot be negative")
	// ErrInvalidMaxClients is returned when the client table bound is not positive.
	ErrInvalidMaxClients = errors.New("rate limit max clients must be positive")
)

type (
	// RateLimiter decides whether a request from clientKey may proceed.
	RateLimiter interface {
		Allow(clientKey string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Requests pass the global bucket first, then the bucket of their client.
	// Client buckets are created lazily and removed after IdleTimeout without traffic.
	// When MaxClients buckets exist, unseen clients share a single overflow bucket.
	InMemoryRateLimiter struct {
		global        *rate.Limiter
		overflow      *rate.Limiter
		perClient     map[string]*clientLimiter
		mu            sync.RWMutex
		cleanupTicker *time.Ticker
		done          chan struct{}
		closeOnce     sync.Once

		clientRPS       int
		clientBurst     int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxClients      int
		warned          bool
	}

	clientLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a rate limiter and starts its cleanup goroutine.
// Call Close when done.
//
//	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 500, ClientRPS: 100})
//	defer rl.Close()
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	clientBurst := computeBurstCapacity(config.ClientRPS, config.ClientBurst)

	maxClients := config.MaxClients
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		overflow:        rate.NewLimiter(rate.Limit(config.ClientRPS), clientBurst),
		perClient:       make(map[string]*clientLimiter),
		done:            make(chan struct{}),
		clientRPS:       config.ClientRPS,
		clientBurst:     clientBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxClients:      maxClients,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity returns burstOverride when set, otherwise 2 × rate.
//
//	computeBurstCapacity(100, 0)   // 200
//	computeBurstCapacity(100, 500) // 500
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow implements RateLimiter.
func (rl *InMemoryRateLimiter) Allow(clientKey string) bool {
	// Global limit first (fail fast)
	if !rl.global.Allow() {
		return false
	}

	cl := rl.clientLimiterFor(clientKey)
	if cl == nil {
		return rl.overflow.Allow()
	}

	cl.mu.Lock()
	cl.lastAccess = time.Now()
	cl.mu.Unlock()

	return cl.limiter.Allow()
}

// clientLimiterFor returns the bucket of clientKey, creating it on first use.
// It returns nil when the table is full.
func (rl *InMemoryRateLimiter) clientLimiterFor(clientKey string) *clientLimiter {
	rl.mu.RLock()
	cl, ok := rl.perClient[clientKey]
	rl.mu.RUnlock()

	if ok {
		return cl
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if cl, ok = rl.perClient[clientKey]; ok {
		return cl
	}

	currentCount := len(rl.perClient)
	if currentCount >= rl.maxClients {
		return nil
	}

	cl = &clientLimiter{
		limiter:    rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst),
		lastAccess: time.Now(),
	}
	rl.perClient[clientKey] = cl

	threshold := int(float64(rl.maxClients) * thresholdMultiplier)
	if currentCount+1 >= threshold && !rl.warned {
		rl.warned = true

		slog.Warn("rate limiter approaching max clients limit",
			"current_clients", currentCount+1,
			"max_clients", rl.maxClients,
			"threshold_percent", thresholdPercentage,
		)
	}

	return cl
}

// Clients returns the number of tracked client buckets.
func (rl *InMemoryRateLimiter) Clients() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return len(rl.perClient)
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (rl *InMemoryRateLimiter) Close() error {
	rl.closeOnce.Do(func() {
		if rl.cleanupTicker != nil {
			rl.cleanupTicker.Stop()
		}

		close(rl.done)
	})

	return nil
}

func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup(time.Now())
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes client limiters idle since before now minus the idle timeout.
func (rl *InMemoryRateLimiter) cleanup(now time.Time) {
	idleTimeout := rl.idleTimeout
	if idleTimeout <= 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for clientKey, cl := range rl.perClient {
		cl.mu.Lock()
		lastAccess := cl.lastAccess
		cl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perClient, clientKey)
		}
	}

	if len(rl.perClient) < int(float64(rl.maxClients)*thresholdMultiplier) {
		rl.warned = false
	}
}

// RateLimit returns a middleware that enforces rate limits keyed by client IP.
// Rejected requests get 429 with the standard error envelope.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return RateLimitWithKey(limiter, logger, ClientIP)
}

// RateLimitWithKey is RateLimit with a custom client key function.
func RateLimitWithKey(
	limiter RateLimiter, logger *slog.Logger, key func(*http.Request) string,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := key(r)

			if !limiter.Allow(clientKey) {
				logger.Warn("Rate limit exceeded",
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.String("client", clientKey),
					slog.String("path", r.URL.Path),
				)

				w.Header().Set("Retry-After", "1")
				WriteError(w, r, logger, http.StatusTooManyRequests, "Too many requests")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// ForwardedClientIP prefers the first X-Forwarded-For entry and falls back to ClientIP.
func ForwardedClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	return ClientIP(r)
}
