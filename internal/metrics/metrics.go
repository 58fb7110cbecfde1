package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_agents_connected",
		Help: "Number of agents currently holding an established connection to the manager.",
	})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_commands_total",
		Help: "Total number of commands dispatched by the manager, by final status.",
	}, []string{"status"})
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_command_duration_seconds",
		Help:    "Duration from command dispatch to command_result, in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	RPCCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_rpc_call_duration_seconds",
		Help:    "Duration of RPC Request/Response round-trips, by method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	EventBusDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_event_bus_drops_total",
		Help: "Total number of events dropped because a subscriber's channel was full.",
	})
	DataCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_data_cache_hits_total",
		Help: "Total number of YAML data-manager cache hits (mtime unchanged since last load).",
	})
	DataCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_data_cache_misses_total",
		Help: "Total number of YAML data-manager cache misses (file reloaded).",
	})
	OperationModuleFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_operation_module_fetches_total",
		Help: "Total number of remote operation-module fetch requests, by outcome.",
	}, []string{"outcome"})
	CommandLogPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_command_log_purged_total",
		Help: "Total number of command log rows removed by the age-based purge task.",
	})
)
