package ingest

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/kestrelnet/kestrel/util"
	"github.com/kestrelnet/kestrel/util/logging"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const statsReportInterval = time.Second * 5

// Server accepts inbound QUIC connections, admits them under stake-weighted
// capacity and rate limits, and streams reassembled packet batches to out.
// consumerClosed may be nil; when it fires the server shuts down.
type Server struct {
	*logging.Logging
	*util.ContextDaemon

	params         *ServerParams
	stats          *Stats
	stakes         *StakedNodes
	ipLimiter      *ipRateLimiter
	globalLimiter  *globalRateLimiter
	loadEMA        *StreamLoadEMA
	stakedTable    *lockedTable
	unstakedTable  *lockedTable
	handoff        chan *packetAccumulator
	out            chan<- PacketBatch
	consumerClosed <-chan struct{}
	listener       *quic.EarlyListener
}

func NewServer(
	bind *net.UDPAddr,
	tlsconfig *tls.Config,
	params *ServerParams,
	stakes *StakedNodes,
	out chan<- PacketBatch,
	consumerClosed <-chan struct{},
	stats *Stats,
) (*Server, error) {
	if params == nil {
		params = DefaultServerParams()
	}

	if err := params.IsValid(nil); err != nil {
		return nil, errors.WithMessage(err, "server params")
	}

	ntlsconfig := tlsconfig.Clone()
	ntlsconfig.NextProtos = []string{ALPNProtocol}
	// Identity comes from an optional self-signed client certificate; its
	// presence is enough, nothing chains to a CA.
	ntlsconfig.ClientAuth = tls.RequestClientCert

	quicconfig := &quic.Config{
		HandshakeIdleTimeout: params.HandshakeTimeout,
		MaxIncomingStreams:   -1,
		// Per-connection stream and window bounds are computed per peer at
		// admission; the transport carries the global maxima and the stream
		// throttler enforces the per-peer share.
		MaxIncomingUniStreams:          int64(maxStakedConcurrentStreams),
		MaxStreamReceiveWindow:         MaxPacketDataSize,
		MaxConnectionReceiveWindow:     MaxPacketDataSize * maxStakedReceiveWindowRatio,
		InitialStreamReceiveWindow:     MaxPacketDataSize,
		InitialConnectionReceiveWindow: MaxPacketDataSize * minStakedReceiveWindowRatio,
	}

	listener, err := quic.ListenAddrEarly(bind.String(), ntlsconfig, quicconfig)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}

	srv := &Server{
		Logging: logging.NewLogging(func(zctx zerolog.Context) zerolog.Context {
			return zctx.Str("module", "ingest-server")
		}),
		params:         params,
		stats:          stats,
		stakes:         stakes,
		ipLimiter:      newIPRateLimiter(params.MaxConnectionsPerIPPerMinute, time.Minute, params.RateLimiterCleanupThreshold),
		globalLimiter:  newGlobalRateLimiter(params.TotalConnectionsPerSecond),
		loadEMA:        NewStreamLoadEMA(stats, params),
		stakedTable:    newLockedTable(),
		unstakedTable:  newLockedTable(),
		handoff:        make(chan *packetAccumulator, params.CoalesceChannelSize),
		out:            out,
		consumerClosed: consumerClosed,
		listener:       listener,
	}

	srv.ContextDaemon = util.NewContextDaemon("ingest-server", srv.start)

	return srv, nil
}

func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

func (srv *Server) start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.acceptLoop(gctx)
	})

	g.Go(func() error {
		return srv.packetBatcher(gctx)
	})

	g.Go(func() error {
		srv.reportLoop(gctx)

		return nil
	})

	err := g.Wait()

	_ = srv.listener.Close()

	srv.shutdownTables()

	if errors.Is(err, context.Canceled) {
		err = nil
	}

	return err
}

func (srv *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := srv.listener.Accept(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case errors.Is(err, quic.ErrServerClosed):
				return nil
			default:
				srv.Log().Trace().Err(err).Msg("failed to accept connection")

				return nil
			}
		}

		srv.stats.IncomingConnectionAttempts.Inc()

		if srv.ipLimiter.Len() > srv.params.RateLimiterCleanupThreshold {
			srv.ipLimiter.RetainRecent()
		}

		srv.stats.RateLimiterLength.Set(float64(srv.ipLimiter.Len()))

		guard, ok := srv.stats.addOpenConnection(srv.params.MaxConcurrentConnections())
		if !ok {
			srv.stats.RefusedTooManyOpenConnections.Inc()
			_ = conn.CloseWithError(connectionCloseCodeDisallowed, connectionCloseReasonDisallowed)

			srv.Log().Trace().Err(ErrConnectionLimit.Call()).
				Stringer("remote", conn.RemoteAddr()).Msg("connection refused")

			continue
		}

		go srv.setupConnection(ctx, conn, guard)
	}
}

func (srv *Server) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(statsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.Log().Debug().Object("stats", srv.stats).Msg("report")
		}
	}
}

// shutdownTables tears down every live connection; each entry's guard makes
// the open-connection count drop exactly once per connection.
func (srv *Server) shutdownTables() {
	srv.stakedTable.Lock()
	srv.stakedTable.releaseAll()
	srv.stakedTable.Unlock()

	srv.unstakedTable.Lock()
	srv.unstakedTable.releaseAll()
	srv.unstakedTable.Unlock()
}
