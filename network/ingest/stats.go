package ingest

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Stats is constructed once at server startup and threaded through every
// component; there is no process-wide registry. Counts the admission gate
// reads for correctness (openConnections) live in plain atomics, prometheus
// carries everything consumed only by the metrics sink.
type Stats struct {
	openConnections atomic.Int64
	totalStreams    atomic.Int64
	forwardedCount  atomic.Uint64

	IncomingConnectionAttempts    prometheus.Counter
	RefusedTooManyOpenConnections prometheus.Counter
	RateLimitedPerIP              prometheus.Counter
	RateLimitedGlobal             prometheus.Counter
	HandshakeTimeouts             prometheus.Counter
	HandshakeErrors               prometheus.Counter

	ConnectionsAddedStaked   prometheus.Counter
	ConnectionsAddedUnstaked prometheus.Counter
	ConnectionAddFailed      prometheus.Counter
	ConnectionAddFailedPrune prometheus.Counter
	InvalidStreamCountBounds prometheus.Counter
	Evictions                prometheus.Counter
	ConnectionsRemoved       prometheus.Counter
	ConnectionRemoveFailed   prometheus.Counter

	NewStreams               prometheus.Counter
	ThrottledStakedStreams   prometheus.Counter
	ThrottledUnstakedStreams prometheus.Counter
	StreamReadErrors         prometheus.Counter
	StreamReadTimeouts       prometheus.Counter
	InvalidStreamSize        prometheus.Counter
	EmptyStreams             prometheus.Counter

	PacketsForwarded prometheus.Counter
	PacketsDropped   prometheus.Counter
	BytesForwarded   prometheus.Counter
	BatchesSent      prometheus.Counter
	PacketsBatched   prometheus.Counter
	BatchSendErrors  prometheus.Counter

	OpenConnectionsGauge prometheus.Gauge
	TotalStreamsGauge    prometheus.Gauge
	RateLimiterLength    prometheus.Gauge
	StreamLoadEMA        prometheus.Gauge

	PacketLatency prometheus.Histogram
}

func NewStats(registerer prometheus.Registerer) *Stats {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "ingest",
			Name:      name,
			Help:      help,
		})
		registerer.MustRegister(c)

		return c
	}

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel",
			Subsystem: "ingest",
			Name:      name,
			Help:      help,
		})
		registerer.MustRegister(g)

		return g
	}

	st := &Stats{
		IncomingConnectionAttempts:    counter("incoming_connection_attempts", "Inbound connection attempts seen by the accept loop"),
		RefusedTooManyOpenConnections: counter("refused_too_many_open_connections", "Connections refused at the capacity gate"),
		RateLimitedPerIP:              counter("connection_rate_limited_per_ip", "Connections rejected by the per-IP rate limiter"),
		RateLimitedGlobal:             counter("connection_rate_limited_global", "Connections rejected by the global rate limiter"),
		HandshakeTimeouts:             counter("connection_setup_timeouts", "Connections abandoned on handshake timeout"),
		HandshakeErrors:               counter("connection_setup_errors", "Connections abandoned on handshake error"),
		ConnectionsAddedStaked:        counter("connections_added_staked", "Connections admitted from staked peers"),
		ConnectionsAddedUnstaked:      counter("connections_added_unstaked", "Connections admitted from unstaked peers"),
		ConnectionAddFailed:           counter("connection_add_failed", "Table insertions refused"),
		ConnectionAddFailedPrune:      counter("connection_add_failed_on_pruning", "Staked insertions that failed even after pruning and fallback"),
		InvalidStreamCountBounds:      counter("connection_add_failed_invalid_stream_count", "Connections closed for unrepresentable stream bounds"),
		Evictions:                     counter("evictions", "Connections evicted from a table"),
		ConnectionsRemoved:            counter("connections_removed", "Connection entries removed on disconnect"),
		ConnectionRemoveFailed:        counter("connection_remove_failed", "Disconnects that found no matching entry"),
		NewStreams:                    counter("new_streams", "Streams accepted"),
		ThrottledStakedStreams:        counter("throttled_staked_streams", "Stream accepts delayed for staked peers"),
		ThrottledUnstakedStreams:      counter("throttled_unstaked_streams", "Stream accepts delayed for unstaked peers"),
		StreamReadErrors:              counter("stream_read_errors", "Streams abandoned on read error"),
		StreamReadTimeouts:            counter("stream_read_timeouts", "Streams abandoned waiting for a chunk"),
		InvalidStreamSize:             counter("invalid_stream_size", "Streams exceeding the packet size bound"),
		EmptyStreams:                  counter("empty_streams", "Completed streams with no data"),
		PacketsForwarded:              counter("packets_forwarded", "Packets handed to the batcher"),
		PacketsDropped:                counter("packets_dropped", "Packets shed on a full hand-off queue"),
		BytesForwarded:                counter("bytes_forwarded", "Payload bytes handed to the batcher"),
		BatchesSent:                   counter("batches_sent", "Batches delivered to the consumer"),
		PacketsBatched:                counter("packets_batched", "Packets delivered inside batches"),
		BatchSendErrors:               counter("batch_send_errors", "Batch deliveries deferred on a full consumer queue"),
		OpenConnectionsGauge:          gauge("open_connections", "Connections currently open, handshakes included"),
		TotalStreamsGauge:             gauge("total_streams", "Streams currently being reassembled"),
		RateLimiterLength:             gauge("connection_rate_limiter_length", "Tracked addresses in the per-IP rate limiter"),
		StreamLoadEMA:                 gauge("stream_load_ema", "Decayed staked stream arrival load"),
		PacketLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "ingest",
			Name:      "packet_latency_seconds",
			Help:      "Sampled end-to-end latency from first chunk to batch send",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}

	registerer.MustRegister(st.PacketLatency)

	return st
}

// addOpenConnection admits one connection against the hard ceiling; the
// returned guard must be released exactly once on every exit path.
func (st *Stats) addOpenConnection(maxConcurrent int) (*openConnGuard, bool) {
	if n := st.openConnections.Add(1); n > int64(maxConcurrent) {
		st.openConnections.Add(-1)

		return nil, false
	}

	st.OpenConnectionsGauge.Inc()

	return &openConnGuard{stats: st}, true
}

func (st *Stats) OpenConnections() int64 {
	return st.openConnections.Load()
}

func (st *Stats) streamStarted() {
	st.totalStreams.Add(1)
	st.TotalStreamsGauge.Inc()
}

func (st *Stats) streamDone() {
	st.totalStreams.Add(-1)
	st.TotalStreamsGauge.Dec()
}

func (st *Stats) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("open_connections", st.openConnections.Load()).
		Int64("total_streams", st.totalStreams.Load()).
		Uint64("packets_forwarded", st.forwardedCount.Load())
}

// openConnGuard pairs the open-connection increment with a release that runs
// at most once regardless of which exit path triggers it.
type openConnGuard struct {
	stats *Stats
	once  sync.Once
}

func (g *openConnGuard) release() {
	g.once.Do(func() {
		g.stats.openConnections.Add(-1)
		g.stats.OpenConnectionsGauge.Dec()
	})
}
