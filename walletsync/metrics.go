package walletsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusBlocksProcessed prometheus.Counter
	prometheusBlocksDropped   prometheus.Counter
	prometheusStaleBlocks     prometheus.Counter
	prometheusReorgs          prometheus.Counter
	prometheusReplayRetries   prometheus.Counter
	prometheusSyncStalls      prometheus.Counter
	prometheusTipHeight       prometheus.Gauge
	prometheusQueueBytes      prometheus.Gauge
)

func init() {
	prometheusBlocksProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletsync",
			Name:      "blocks_processed_total",
			Help:      "Number of blocks absorbed into the wallets",
		},
	)
	prometheusBlocksDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletsync",
			Name:      "blocks_dropped_total",
			Help:      "Number of blocks dropped by the full queue",
		},
	)
	prometheusStaleBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletsync",
			Name:      "stale_blocks_total",
			Help:      "Number of delivered blocks no longer on the active chain",
		},
	)
	prometheusReorgs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletsync",
			Name:      "reorgs_total",
			Help:      "Number of reorganizations rolled back",
		},
	)
	prometheusReplayRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletsync",
			Name:      "replay_retries_total",
			Help:      "Number of refetches of blocks missing from the store",
		},
	)
	prometheusSyncStalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletsync",
			Name:      "stalls_total",
			Help:      "Number of blocks the wallets refused to absorb",
		},
	)
	prometheusTipHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "walletsync",
			Name:      "tip_height",
			Help:      "Height of the synchronizer tip",
		},
	)
	prometheusQueueBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "walletsync",
			Name:      "queue_bytes",
			Help:      "Serialized size of the queued blocks",
		},
	)
}
