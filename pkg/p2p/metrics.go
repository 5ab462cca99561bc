package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pingRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "ping_rtt", Help: "Ping roundtrip time",
	})
	pingFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ping_failure", Help: "Number of failed pings",
	})
	pingSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ping_success", Help: "Number of successful pings",
	})
	identifyReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identify_received", Help: "Number of Identify infos received",
	})
	discoveryBackgroundLookup = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "discovery_background_lookup", Help: "Number of background lookups started",
	})
	discoveryConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "discovery_connected_peers", Help: "Number of connections",
	})
	membershipProviderPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "membership_provider_peers", Help: "Number of unique providers",
	})
	membershipUnknownTopic = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "membership_unknown_topic", Help: "Number of messages with unknown topic",
	})
	membershipInvalidMessage = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "membership_invalid_message", Help: "Number of invalid messages received",
	})
	membershipPublishSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "membership_publish_total", Help: "Number of published messages",
	})
	membershipPublishFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "membership_publish_failure", Help: "Number of failed publish attempts",
	})
	membershipSkippedPeers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "membership_skipped_peers", Help: "Number of providers skipped",
	})
	contentResolveRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "content_resolve_running", Help: "Number of currently running content resolutions",
	})
	contentResolveNoPeers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "content_resolve_no_peers", Help: "Number of resolutions with no known peers",
	})
	contentResolveSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "content_resolve_success", Help: "Number of successful resolutions",
	})
	contentResolveFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "content_resolve_failure", Help: "Number of failed resolutions",
	})
	contentResolveFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "content_resolve_fallback", Help: "Number of resolutions that fall back on secondary peers",
	})
	contentResolvePeers = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "content_resolve_peers", Help: "Number of peers found for resolution from a subnet",
	})
	contentConnectedPeers = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "content_connected_peers", Help: "Number of connected peers in a resolution",
	})
	contentRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "content_rate_limited", Help: "Number of rate limited requests",
	})
)

// RegisterMetrics registers every p2p collector on a registry.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		pingRTT, pingFailure, pingSuccess, identifyReceived,
		discoveryBackgroundLookup, discoveryConnectedPeers,
		membershipProviderPeers, membershipUnknownTopic, membershipInvalidMessage,
		membershipPublishSuccess, membershipPublishFailure, membershipSkippedPeers,
		contentResolveRunning, contentResolveNoPeers, contentResolveSuccess,
		contentResolveFailure, contentResolveFallback, contentResolvePeers,
		contentConnectedPeers, contentRateLimited,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
