package ratelimit

import (
	"fmt"
	"sync"

	"github.com/kelseyhightower/envconfig"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Config struct {
	Enabled       bool    `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	ActionsPerMin float64 `envconfig:"RATE_LIMIT_ACTIONS_PER_MIN" default:"10"`
	Burst         int     `envconfig:"RATE_LIMIT_BURST" default:"3"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

type bucketKey struct {
	wallet      string
	actionClass string
}

// Registry holds one token bucket per (wallet, action-class) pair. All
// global action rate limits live here instead of scattered counters.
type Registry struct {
	mu      sync.Mutex
	buckets map[bucketKey]*rate.Limiter

	enabled bool
	limit   rate.Limit
	burst   int
}

// NewRegistry builds a registry from config.
func NewRegistry(cfg Config) *Registry {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Registry{
		buckets: map[bucketKey]*rate.Limiter{},
		enabled: cfg.Enabled,
		limit:   rate.Limit(cfg.ActionsPerMin / 60.0),
		burst:   burst,
	}
}

// Allow consumes one token for the pair, reporting whether the action may
// proceed now. Disabled registries always allow.
func (r *Registry) Allow(wallet, actionClass string) bool {
	if !r.enabled {
		return true
	}

	r.mu.Lock()
	key := bucketKey{wallet: wallet, actionClass: actionClass}
	limiter, ok := r.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.buckets[key] = limiter
	}
	r.mu.Unlock()

	allowed := limiter.Allow()
	if !allowed {
		logger.WithFields(map[string]interface{}{
			"wallet":       wallet,
			"action_class": actionClass,
		}).Warn("action rate limited")
	}

	return allowed
}
