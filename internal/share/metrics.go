package share

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sounddrop_share_resolve_total",
		Help: "Share resolutions by outcome.",
	}, []string{"outcome"})

	sharesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sounddrop_shares_created_total",
		Help: "Shares created.",
	})

	filesRegisteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sounddrop_files_registered_total",
		Help: "Uploaded files registered.",
	})

	fileCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sounddrop_file_cache_hits_total",
		Help: "File metadata cache hits.",
	})

	fileCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sounddrop_file_cache_misses_total",
		Help: "File metadata cache misses.",
	})
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrLimitReached):
		return "limit_reached"
	default:
		return "error"
	}
}
