// Package metrics defines the Prometheus collectors for the tile engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_cache_hits_total",
		Help: "Total number of decoded-tile cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_cache_misses_total",
		Help: "Total number of decoded-tile cache misses",
	})

	CacheStores = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_cache_stores_total",
		Help: "Total number of decoded-tile cache store operations",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_cache_evictions_total",
		Help: "Total number of decoded tiles evicted from the cache",
	})

	RequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_requests_sent_total",
		Help: "Total number of tile requests written to the connection",
	})

	RequestsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_requests_deduplicated_total",
		Help: "Requests absorbed by an already in-flight request for the same address",
	})

	RequestRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_request_retries_total",
		Help: "Tile requests re-sent after a timeout",
	})

	RequestFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_request_failures_total",
		Help: "Tile requests that reached the terminal failed state",
	})

	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_decode_failures_total",
		Help: "Frames dropped because the payload could not be decoded",
	})

	ProtocolMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_protocol_mismatches_total",
		Help: "Frames dropped because of a magic or version mismatch",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_reconnects_total",
		Help: "Connection attempts after losing an established session",
	})

	FramesServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_frames_served_total",
		Help: "Frames served by the reference server",
	}, []string{"kind"})
)
