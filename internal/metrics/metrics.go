// Package metrics exposes the process counters served at /metrics on the
// market API. Collectors are registered on the default registry via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CandlesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkora_candles_ingested_total",
		Help: "1-minute candles persisted by the klines workers.",
	}, []string{"symbol"})

	OrderbookSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkora_orderbook_snapshots_total",
		Help: "Depth snapshots persisted by the orderbook workers.",
	}, []string{"symbol"})

	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkora_bus_published_total",
		Help: "Messages accepted by the pub/sub bus.",
	}, []string{"channel"})

	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkora_bus_dropped_total",
		Help: "Messages dropped because a subscriber buffer was full.",
	})

	EventsProjected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkora_events_projected_total",
		Help: "Contract events applied to the order store.",
	}, []string{"event_type"})

	EventDecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkora_event_decode_failures_total",
		Help: "Contract logs that failed to decode and were skipped.",
	})

	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkora_orders_expired_total",
		Help: "Pending orders expired by the sweeper.",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkora_ws_active_subscriptions",
		Help: "WebSocket subscriptions currently registered.",
	})

	ReapedSubscriptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkora_ws_reaped_subscriptions_total",
		Help: "Subscriptions removed by the liveness reaper.",
	})
)
