package packetcomp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// statsCollector exports the lifetime totals of a StatsAggregator. Values
// are read at scrape time so ResetLifetime is reflected immediately.
type statsCollector struct {
	stats *StatsAggregator

	bytes     *prometheus.Desc
	packets   *prometheus.Desc
	overflows *prometheus.Desc
	savings   *prometheus.Desc
}

// NewStatsCollector returns a prometheus.Collector over stats. Register it
// with any registry; it holds no global state.
func NewStatsCollector(namespace string, stats *StatsAggregator) prometheus.Collector {
	return &statsCollector{
		stats: stats,
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "packetcomp", "bytes_total"),
			"Bytes seen by the packet compression transform.",
			[]string{"direction", "stage"}, nil,
		),
		packets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "packetcomp", "packets_total"),
			"Packets seen by the packet compression transform.",
			[]string{"direction", "compressed"}, nil,
		),
		overflows: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "packetcomp", "encode_overflows_total"),
			"Outgoing packets sent raw because compression did not help.",
			nil, nil,
		),
		savings: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "packetcomp", "savings_percent"),
			"Lifetime percentage of bytes saved on the wire.",
			[]string{"direction"}, nil,
		),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytes
	ch <- c.packets
	ch <- c.overflows
	ch <- c.savings
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	t := c.stats.Lifetime()

	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(t.RawIn), "in", "raw")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(t.CompressedIn), "in", "wire")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(t.RawOut), "out", "raw")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(t.CompressedOut), "out", "wire")

	ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(t.PacketsIn-t.CompressedPacketsIn), "in", "false")
	ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(t.CompressedPacketsIn), "in", "true")
	ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(t.PacketsOut-t.CompressedPacketsOut), "out", "false")
	ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(t.CompressedPacketsOut), "out", "true")

	ch <- prometheus.MustNewConstMetric(c.overflows, prometheus.CounterValue, float64(t.EncodeOverflows))

	ch <- prometheus.MustNewConstMetric(c.savings, prometheus.GaugeValue, t.InSavings(), "in")
	ch <- prometheus.MustNewConstMetric(c.savings, prometheus.GaugeValue, t.OutSavings(), "out")
}
