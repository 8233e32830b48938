package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// LiveStats gives the collector scrape-time access to application state.
type LiveStats interface {
	HistoryLength() int
	Playing() bool
	SSESubscriberCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats LiveStats

	historyMessages *prometheus.Desc
	playing         *prometheus.Desc
	sseSubscribers  *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil when history is file-backed.
func NewCollector(pool *pgxpool.Pool, stats LiveStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		historyMessages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "history_messages"),
			"Messages in the persisted conversation history.",
			nil, nil,
		),
		playing: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "playing"),
			"1 while a spoken reply is playing.",
			nil, nil,
		),
		sseSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sse_subscribers_active"),
			"Current number of SSE subscribers.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.historyMessages
	ch <- c.playing
	ch <- c.sseSubscribers
	ch <- c.dbTotalConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var history, subs, playing float64
	if c.stats != nil {
		history = float64(c.stats.HistoryLength())
		subs = float64(c.stats.SSESubscriberCount())
		if c.stats.Playing() {
			playing = 1
		}
	}
	ch <- prometheus.MustNewConstMetric(c.historyMessages, prometheus.GaugeValue, history)
	ch <- prometheus.MustNewConstMetric(c.playing, prometheus.GaugeValue, playing)
	ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, subs)

	var total, idle float64
	if c.pool != nil {
		st := c.pool.Stat()
		total = float64(st.TotalConns())
		idle = float64(st.IdleConns())
	}
	ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, total)
	ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, idle)
}
