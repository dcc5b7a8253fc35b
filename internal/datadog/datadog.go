package datadog

import (
	"sync"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/pi-gpio-chat/internal/config"
)

var (
	mu        sync.RWMutex
	dogstatsd *statsd.Client
)

// InitMetrics connects the DogStatsD client. Until it succeeds every emit
// function is a no-op.
func InitMetrics(cfg config.Datadog) {
	if !cfg.Enabled {
		log.Debug().Msg("Datadog metrics disabled")
		return
	}

	client, err := statsd.New(cfg.Addr)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return
	}

	client.Namespace = cfg.Namespace
	client.Tags = cfg.Tags

	mu.Lock()
	dogstatsd = client
	mu.Unlock()

	log.Info().
		Str("addr", cfg.Addr).
		Str("namespace", cfg.Namespace).
		Strs("tags", cfg.Tags).
		Msg("Datadog metrics initialized")
}

func Close() {
	mu.Lock()
	defer mu.Unlock()
	if dogstatsd != nil {
		if err := dogstatsd.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close DogStatsD client")
		}
		dogstatsd = nil
	}
}

func current() *statsd.Client {
	mu.RLock()
	defer mu.RUnlock()
	return dogstatsd
}

func Gauge(name string, value float64, tags ...string) {
	if c := current(); c != nil {
		if err := c.Gauge(name, value, tags, 1); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
		}
	}
}

func Incr(name string, tags ...string) {
	if c := current(); c != nil {
		if err := c.Incr(name, tags, 1); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit count metric")
		}
	}
}

func Timing(name string, d time.Duration, tags ...string) {
	if c := current(); c != nil {
		if err := c.Timing(name, d, tags, 1); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit timing metric")
		}
	}
}
