package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveTrips prometheus.Gauge

	TripsStarted *prometheus.CounterVec // direction label: pickup|drop
	TripsEnded   *prometheus.CounterVec // reason label: window_closed|completed|route_switched
	RiderResets  prometheus.Counter

	ETARefreshes *prometheus.CounterVec // method label: routing_provider|fallback_distance
	Decrements   prometheus.Counter
	StopsPassed  prometheus.Counter

	NotificationsSent   prometheus.Counter
	NotificationsFailed prometheus.Counter
	RiderSkips          *prometheus.CounterVec // reason label
	BusesStoodDown      *prometheus.CounterVec // reason label: stale_gps|no_active_route|trip_completed

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	TickDuration    prometheus.Histogram
	RoutingDuration prometheus.Histogram
	PublishDuration prometheus.Histogram

	TickInterval prometheus.Gauge // seconds
}

func NewCollector(tickInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busmate_active_trips",
			Help: "Number of buses with a trip in progress as of the last tick.",
		}),
		TripsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmate_trips_started_total",
			Help: "Total trips started.",
		}, []string{"direction"}),
		TripsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmate_trips_ended_total",
			Help: "Total trips ended.",
		}, []string{"reason"}),
		RiderResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busmate_rider_resets_total",
			Help: "Riders re-armed for a new trip.",
		}),
		ETARefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmate_eta_refreshes_total",
			Help: "ETA recomputations by calculation method.",
		}, []string{"method"}),
		Decrements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busmate_eta_decrements_total",
			Help: "Time-based ETA decrement passes.",
		}),
		StopsPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busmate_stops_passed_total",
			Help: "Stops removed by arrival or skip detection.",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busmate_notifications_sent_total",
			Help: "Push notifications confirmed delivered.",
		}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busmate_notifications_failed_total",
			Help: "Push notifications that failed and will be retried.",
		}),
		RiderSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmate_rider_skips_total",
			Help: "Riders skipped during notification evaluation.",
		}, []string{"reason"}),
		BusesStoodDown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmate_buses_stood_down_total",
			Help: "Buses marked inactive or taken off their route.",
		}, []string{"reason"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busmate_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busmate_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busmate_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busmate_tick_duration_seconds",
			Help:    "Duration of a full clock tick across all buses.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
		}),
		RoutingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busmate_routing_duration_seconds",
			Help:    "Duration of routing provider calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busmate_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busmate_tick_interval_seconds",
			Help: "Clock tick interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.ActiveTrips,
		c.TripsStarted, c.TripsEnded, c.RiderResets,
		c.ETARefreshes, c.Decrements, c.StopsPassed,
		c.NotificationsSent, c.NotificationsFailed, c.RiderSkips, c.BusesStoodDown,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.TickDuration, c.RoutingDuration, c.PublishDuration,
		c.TickInterval,
	)

	c.TickInterval.Set(tickInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Publisher adapts the collector to publisher.PublisherMetrics.
func (c *Collector) Publisher() *PublisherAdapter {
	if c == nil {
		return nil
	}
	return &PublisherAdapter{c: c}
}

type PublisherAdapter struct{ c *Collector }

func (p *PublisherAdapter) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *PublisherAdapter) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *PublisherAdapter) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *PublisherAdapter) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
