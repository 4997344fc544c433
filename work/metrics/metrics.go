package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UpstreamRequests counts outbound requests by transport ("direct" or
// "flaresolverr") and coarse outcome ("ok", "http_error", "network_error").
var UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dlhd_proxy_upstream_requests_total",
	Help: "Upstream requests by transport and outcome",
}, []string{"transport", "outcome"})

// TransportSwitches counts observed transitions between the direct and
// solver transports.
var TransportSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dlhd_proxy_transport_switches_total",
	Help: "Transport changes between direct and challenge-solver requests",
}, []string{"to"})

// ResolutionErrors counts failed channel resolutions by protocol step.
var ResolutionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dlhd_proxy_resolution_errors_total",
	Help: "Failed channel resolutions by step",
}, []string{"step"})

// ResolutionsTotal counts completed channel resolutions.
var ResolutionsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dlhd_proxy_resolutions_total",
	Help: "Successfully resolved channel playlists",
})

// ChannelsLoaded tracks the size of the channel directory after the most
// recent load.
var ChannelsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dlhd_proxy_channels_loaded",
	Help: "Channels in the current directory",
})
