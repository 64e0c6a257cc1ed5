package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the current number of streaming sessions per portal.
// This metric is a gauge, meaning it can go up and down as clients connect and disconnect.
var ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "stalker_proxy_active_sessions",
	Help: "Number of active streaming sessions",
}, []string{"portal"})

// BytesTransferred tracks the total number of bytes sent to clients per portal.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stalker_proxy_bytes_transferred",
	Help: "Total bytes transferred to clients",
}, []string{"portal"})

// StreamErrors counts failed stream attempts per portal.
// The "error_type" label separates auth, link, start and stall failures.
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stalker_proxy_stream_errors",
	Help: "Number of stream errors",
}, []string{"portal", "error_type"})

// PlayRequests counts play requests by final outcome.
var PlayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stalker_proxy_play_requests",
	Help: "Play requests by outcome",
}, []string{"outcome"})

// FallbacksTaken counts switches to a configured fallback channel.
var FallbacksTaken = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stalker_proxy_fallbacks_taken",
	Help: "Number of times a fallback channel was used",
})

// TunersInUse tracks how many of the global tuners are busy.
var TunersInUse = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stalker_proxy_tuners_in_use",
	Help: "Number of tuners in use",
})

// CatalogChannels tracks the number of enabled channels in the current snapshot.
var CatalogChannels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stalker_proxy_catalog_channels",
	Help: "Number of enabled channels in the catalog",
})

// CatalogRefreshErrors counts failed portal refreshes.
var CatalogRefreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stalker_proxy_catalog_refresh_errors",
	Help: "Number of failed portal refreshes",
}, []string{"portal"})
