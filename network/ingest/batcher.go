package ingest

import (
	"context"
	"net/netip"
	"time"
)

// Packet is one reassembled application message.
type Packet struct {
	Data       []byte
	Addr       netip.AddrPort
	FromStaked bool
}

// PacketBatch is what the downstream consumer receives.
type PacketBatch []Packet

// every latencySampleRate-th packet has its end-to-end latency recorded.
const latencySampleRate = 64

// assemblePacket turns an accumulator into a packet. The common single-chunk
// case moves the buffer without copying; multiple chunks are concatenated
// once into a contiguous buffer.
func assemblePacket(accum *packetAccumulator) Packet {
	data := accum.chunks[0]

	if len(accum.chunks) > 1 {
		data = make([]byte, 0, accum.size)
		for _, c := range accum.chunks {
			data = append(data, c...)
		}
	}

	return Packet{
		Data:       data,
		Addr:       accum.addr,
		FromStaked: accum.fromStaked,
	}
}

// packetBatcher drains the hand-off queue, coalescing packets into batches
// capped by count or by the age of the oldest unsent packet. Batches are
// delivered without blocking; a full consumer queue defers delivery and
// nothing already accumulated is lost. Consumer disconnect is fatal for the
// whole server.
func (srv *Server) packetBatcher(ctx context.Context) error {
	batch := make(PacketBatch, 0, PacketsPerBatch)

	var samples []time.Time
	var batchStart time.Time

	for {
		if len(batch) >= PacketsPerBatch || (len(batch) > 0 && time.Since(batchStart) >= srv.params.Coalesce) {
			select {
			case srv.out <- batch:
				srv.stats.BatchesSent.Inc()
				srv.stats.PacketsBatched.Add(float64(len(batch)))

				now := time.Now()
				for _, start := range samples {
					srv.stats.PacketLatency.Observe(now.Sub(start).Seconds())
				}

				srv.Log().Trace().Int("packets", len(batch)).Msg("batch sent")

				batch = make(PacketBatch, 0, PacketsPerBatch)
				samples = samples[:0]

				continue
			case <-srv.consumerClosed:
				return ErrConsumerClosed.Call()
			case <-ctx.Done():
				return nil
			default:
				// Consumer queue is full; shed nothing, keep the batch and
				// retry after the next wait below.
				srv.stats.BatchSendErrors.Inc()
			}
		}

		if len(batch) < 1 {
			select {
			case accum := <-srv.handoff:
				batchStart = time.Now()
				batch, samples = srv.appendPacket(batch, samples, accum)
			case <-srv.consumerClosed:
				return ErrConsumerClosed.Call()
			case <-ctx.Done():
				return nil
			}

			continue
		}

		wait := srv.params.Coalesce - time.Since(batchStart)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		// A full batch stalled on the consumer stops pulling from the
		// hand-off queue; the queue's capacity is the memory bound and the
		// batch must never grow past its count cap.
		handoff := srv.handoff
		if len(batch) >= PacketsPerBatch {
			handoff = nil
		}

		select {
		case accum := <-handoff:
			batch, samples = srv.appendPacket(batch, samples, accum)
		case <-time.After(wait):
		case <-srv.consumerClosed:
			return ErrConsumerClosed.Call()
		case <-ctx.Done():
			return nil
		}
	}
}

func (srv *Server) appendPacket(batch PacketBatch, samples []time.Time, accum *packetAccumulator) (PacketBatch, []time.Time) {
	if srv.stats.forwardedCount.Load()%latencySampleRate == 0 && len(samples) < PacketsPerBatch {
		samples = append(samples, accum.startTime)
	}

	return append(batch, assemblePacket(accum)), samples
}
