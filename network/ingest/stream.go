package ingest

import (
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/kestrelnet/kestrel/util"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// packetAccumulator collects the chunks of one in-flight stream along with
// the packet metadata; chunks stay separate until the batcher assembles the
// packet, so single-chunk packets are forwarded without copying.
type packetAccumulator struct {
	startTime  time.Time
	chunks     [][]byte
	addr       netip.AddrPort
	size       int
	fromStaked bool
}

// handleConnection is the per-connection task: it accepts unidirectional
// streams until the peer disconnects or the entry is canceled, throttling
// acceptance to the peer's fair share per interval. On exit it removes its
// own entry, matched by key, port and transport identity so it never removes
// a successor that reused both.
func (srv *Server) handleConnection(
	conn *quic.Conn,
	remote netip.AddrPort,
	key connKey,
	entry *ConnectionEntry,
	table *lockedTable,
	params connectionParams,
	l zerolog.Logger,
) {
	defer func() {
		table.Lock()
		removed := table.RemoveConnection(key, remote.Port(), conn)
		table.Unlock()

		switch {
		case removed > 0:
			srv.stats.ConnectionsRemoved.Add(float64(removed))
		default:
			srv.stats.ConnectionRemoveFailed.Inc()
		}

		l.Debug().Msg("connection done")
	}()

	ctx := entry.ctx
	interval := srv.params.StreamThrottlingInterval

	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			l.Trace().Err(err).Msg("failed to accept stream")

			return
		}

		maxStreams := srv.loadEMA.AvailableLoadCapacityInThrottlingDuration(params.peerClass, params.totalStake)
		intervalStart := entry.streamCounter.resetThrottlingParamsIfNeeded(interval)

		if entry.streamCounter.streamCount.Load() >= maxStreams {
			// The peer is opening streams faster than its share; sleep out
			// the interval so it backs off. The stream is delayed, never
			// dropped.
			if d := interval - time.Since(intervalStart); d > 0 {
				switch {
				case params.peerClass.IsStaked():
					srv.stats.ThrottledStakedStreams.Inc()
				default:
					srv.stats.ThrottledUnstakedStreams.Inc()
				}

				select {
				case <-time.After(d):
				case <-ctx.Done():
					stream.CancelRead(0)

					return
				}
			}
		}

		srv.loadEMA.IncrementLoad(params.peerClass)
		entry.streamCounter.streamCount.Add(1)
		srv.stats.NewStreams.Inc()
		srv.stats.streamStarted()

		ok := srv.handleStream(conn, stream, remote, entry, params, l)

		srv.stats.streamDone()
		srv.loadEMA.UpdateEMAIfNeeded()

		if !ok {
			return
		}
	}
}

// handleStream reads one stream to completion and forwards the reassembled
// packet. Returns false when the connection must be terminated (protocol
// violation); per-stream failures return true and the connection lives on.
func (srv *Server) handleStream(
	conn *quic.Conn,
	stream *quic.ReceiveStream,
	remote netip.AddrPort,
	entry *ConnectionEntry,
	params connectionParams,
	l zerolog.Logger,
) bool {
	accum := &packetAccumulator{
		startTime:  time.Now(),
		addr:       remote,
		fromStaked: params.peerClass.IsStaked(),
	}

	buf := make([]byte, MaxPacketDataSize)

	for {
		// No chunk within the timeout means the stream is dead; abandon it
		// and keep the connection.
		_ = stream.SetReadDeadline(time.Now().Add(srv.params.WaitForChunkTimeout))

		n, err := stream.Read(buf)

		if n > 0 {
			if accum.size+n > MaxPacketDataSize {
				srv.stats.InvalidStreamSize.Inc()
				_ = conn.CloseWithError(connectionCloseCodeInvalidStream, connectionCloseReasonInvalidStream)

				l.Debug().Int("size", accum.size+n).Msg("invalid stream size")

				return false
			}

			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			accum.chunks = append(accum.chunks, chunk)
			accum.size += n
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			srv.finishStream(accum, entry, l)

			return true
		default:
			var nerr net.Error

			switch {
			case errors.As(err, &nerr) && nerr.Timeout():
				srv.stats.StreamReadTimeouts.Inc()
				l.Trace().Msg("timeout waiting for chunk")
			default:
				srv.stats.StreamReadErrors.Inc()
				l.Trace().Err(err).Msg("stream read error")
			}

			stream.CancelRead(0)

			return true
		}
	}
}

// finishStream hands the completed accumulator to the batcher without
// blocking; when the hand-off queue is full the packet is shed and counted.
func (srv *Server) finishStream(accum *packetAccumulator, entry *ConnectionEntry, l zerolog.Logger) {
	if len(accum.chunks) < 1 {
		srv.stats.EmptyStreams.Inc()

		return
	}

	entry.lastUpdateMS.Store(util.TimestampMS())

	select {
	case srv.handoff <- accum:
		srv.stats.PacketsForwarded.Inc()
		srv.stats.BytesForwarded.Add(float64(accum.size))
		srv.stats.forwardedCount.Add(1)
	default:
		srv.stats.PacketsDropped.Inc()
		l.Trace().Msg("hand-off queue full; packet dropped")
	}
}
