package packetcomp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Totals is a set of byte and packet counts. "Raw" is traffic as the
// application sees it, "Compressed" is what crossed the wire.
type Totals struct {
	RawIn         int64
	CompressedIn  int64
	RawOut        int64
	CompressedOut int64

	PacketsIn            int64
	PacketsOut           int64
	CompressedPacketsIn  int64
	CompressedPacketsOut int64
	EncodeOverflows      int64
}

// InSavings returns the percentage of inbound bytes saved (0-100).
func (t Totals) InSavings() float64 { return GetCompressionPercentage(t.RawIn, t.CompressedIn) }

// OutSavings returns the percentage of outbound bytes saved (0-100).
func (t Totals) OutSavings() float64 { return GetCompressionPercentage(t.RawOut, t.CompressedOut) }

type counters struct {
	rawIn, compressedIn, rawOut, compressedOut                 atomic.Int64
	packetsIn, packetsOut                                      atomic.Int64
	compressedPacketsIn, compressedPacketsOut, encodeOverflows atomic.Int64
}

func (c *counters) load() Totals {
	return Totals{
		RawIn:                c.rawIn.Load(),
		CompressedIn:         c.compressedIn.Load(),
		RawOut:               c.rawOut.Load(),
		CompressedOut:        c.compressedOut.Load(),
		PacketsIn:            c.packetsIn.Load(),
		PacketsOut:           c.packetsOut.Load(),
		CompressedPacketsIn:  c.compressedPacketsIn.Load(),
		CompressedPacketsOut: c.compressedPacketsOut.Load(),
		EncodeOverflows:      c.encodeOverflows.Load(),
	}
}

func (c *counters) swap() Totals {
	return Totals{
		RawIn:                c.rawIn.Swap(0),
		CompressedIn:         c.compressedIn.Swap(0),
		RawOut:               c.rawOut.Swap(0),
		CompressedOut:        c.compressedOut.Swap(0),
		PacketsIn:            c.packetsIn.Swap(0),
		PacketsOut:           c.packetsOut.Swap(0),
		CompressedPacketsIn:  c.compressedPacketsIn.Swap(0),
		CompressedPacketsOut: c.compressedPacketsOut.Swap(0),
		EncodeOverflows:      c.encodeOverflows.Swap(0),
	}
}

// StatsSnapshot is one reporting period converted to rates.
type StatsSnapshot struct {
	At       time.Time
	Interval time.Duration
	Period   Totals
	Lifetime Totals

	// Rates in bytes per second over Interval.
	RawInRate         float64
	CompressedInRate  float64
	RawOutRate        float64
	CompressedOutRate float64

	// Savings percentages (0-100).
	InSavings          float64
	OutSavings         float64
	LifetimeInSavings  float64
	LifetimeOutSavings float64
}

// StatSink receives periodic snapshots.
type StatSink interface {
	ReportStats(StatsSnapshot)
}

// StatSinkFunc adapts a function to StatSink.
type StatSinkFunc func(StatsSnapshot)

// ReportStats calls f(s).
func (f StatSinkFunc) ReportStats(s StatsSnapshot) { f(s) }

// StatsAggregator accumulates interval and lifetime traffic totals. It is
// safe for concurrent use by any number of transforms.
type StatsAggregator struct {
	interval counters
	lifetime counters

	mu    sync.Mutex
	since time.Time
}

// NewStatsAggregator returns an aggregator whose first interval starts now.
func NewStatsAggregator() *StatsAggregator {
	return &StatsAggregator{since: time.Now()}
}

// RecordOutgoing counts one outgoing packet.
func (s *StatsAggregator) RecordOutgoing(rawBytes, wireBytes int, compressed bool) {
	for _, c := range []*counters{&s.interval, &s.lifetime} {
		c.rawOut.Add(int64(rawBytes))
		c.compressedOut.Add(int64(wireBytes))
		c.packetsOut.Add(1)
		if compressed {
			c.compressedPacketsOut.Add(1)
		}
	}
}

// RecordIncoming counts one incoming packet.
func (s *StatsAggregator) RecordIncoming(wireBytes, rawBytes int, compressed bool) {
	for _, c := range []*counters{&s.interval, &s.lifetime} {
		c.rawIn.Add(int64(rawBytes))
		c.compressedIn.Add(int64(wireBytes))
		c.packetsIn.Add(1)
		if compressed {
			c.compressedPacketsIn.Add(1)
		}
	}
}

// RecordEncodeOverflow counts a packet that fell back to raw because the
// compressed form did not shrink or did not fit the budget.
func (s *StatsAggregator) RecordEncodeOverflow() {
	s.interval.encodeOverflows.Add(1)
	s.lifetime.encodeOverflows.Add(1)
}

// Lifetime returns the totals since creation or the last ResetLifetime.
func (s *StatsAggregator) Lifetime() Totals { return s.lifetime.load() }

// Snapshot closes the current interval at now and starts a new one.
func (s *StatsAggregator) Snapshot(now time.Time) StatsSnapshot {
	s.mu.Lock()
	period := s.interval.swap()
	elapsed := now.Sub(s.since)
	s.since = now
	s.mu.Unlock()

	life := s.lifetime.load()
	snap := StatsSnapshot{
		At:                 now,
		Interval:           elapsed,
		Period:             period,
		Lifetime:           life,
		InSavings:          period.InSavings(),
		OutSavings:         period.OutSavings(),
		LifetimeInSavings:  life.InSavings(),
		LifetimeOutSavings: life.OutSavings(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		snap.RawInRate = float64(period.RawIn) / secs
		snap.CompressedInRate = float64(period.CompressedIn) / secs
		snap.RawOutRate = float64(period.RawOut) / secs
		snap.CompressedOutRate = float64(period.CompressedOut) / secs
	}
	return snap
}

// ResetLifetime zeroes the lifetime totals. Only an operator command
// should call it.
func (s *StatsAggregator) ResetLifetime() { s.lifetime.swap() }

// Run emits a snapshot to sink every period until ctx is done.
func (s *StatsAggregator) Run(ctx context.Context, every time.Duration, sink StatSink) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sink.ReportStats(s.Snapshot(now))
		}
	}
}

// LogStatSink logs each snapshot at debug level.
func LogStatSink(l *zap.Logger) StatSink {
	return StatSinkFunc(func(s StatsSnapshot) {
		l.Debug("packet compression stats",
			zap.Duration("interval", s.Interval),
			zap.Float64("raw_in_bps", s.RawInRate),
			zap.Float64("compressed_in_bps", s.CompressedInRate),
			zap.Float64("raw_out_bps", s.RawOutRate),
			zap.Float64("compressed_out_bps", s.CompressedOutRate),
			zap.Float64("in_savings_pct", s.InSavings),
			zap.Float64("out_savings_pct", s.OutSavings),
			zap.Int64("encode_overflows", s.Period.EncodeOverflows),
		)
	})
}
