package ingest

import (
	"context"
	"net/netip"
	"time"

	"github.com/kestrelnet/kestrel/util"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// ComputeMaxAllowedUniStreams interpolates a staked peer's concurrent stream
// bound between the staked minimum and maximum by its share of total stake.
// Inconsistent snapshots (zero total, stake above total) fall back to the
// staked minimum. Unstaked peers get the fixed unstaked maximum.
func ComputeMaxAllowedUniStreams(pc PeerClass, totalStake uint64) uint64 {
	if !pc.IsStaked() {
		return maxUnstakedConcurrentStreams
	}

	stake := pc.Stake()
	if totalStake == 0 || stake > totalStake {
		return minStakedConcurrentStreams
	}

	delta := float64(totalStakedConcurrentStreams - minStakedConcurrentStreams)

	n := uint64(float64(stake)/float64(totalStake)*delta) + minStakedConcurrentStreams

	switch {
	case n < minStakedConcurrentStreams:
		return minStakedConcurrentStreams
	case n > maxStakedConcurrentStreams:
		return maxStakedConcurrentStreams
	default:
		return n
	}
}

// computeReceiveWindowRatio linearly maps stake in [minStake, maxStake] to
// [minStakedReceiveWindowRatio, maxStakedReceiveWindowRatio]. The result is
// clamped on both ends; stake below minStake must saturate at the minimum,
// never underflow into a negative ratio.
func computeReceiveWindowRatio(maxStake, minStake, stake uint64) uint64 {
	if maxStake <= minStake {
		return maxStakedReceiveWindowRatio
	}

	a := float64(maxStakedReceiveWindowRatio-minStakedReceiveWindowRatio) / float64(maxStake-minStake)
	b := float64(maxStakedReceiveWindowRatio) - float64(maxStake)*a

	ratio := a*float64(stake) + b

	switch {
	case ratio < float64(minStakedReceiveWindowRatio):
		return minStakedReceiveWindowRatio
	case ratio > float64(maxStakedReceiveWindowRatio):
		return maxStakedReceiveWindowRatio
	default:
		return uint64(ratio + 0.5)
	}
}

// ComputeReceiveWindow is the connection receive window in bytes for a peer.
func ComputeReceiveWindow(maxStake, minStake uint64, pc PeerClass) uint64 {
	if !pc.IsStaked() {
		return MaxPacketDataSize * unstakedReceiveWindowRatio
	}

	return MaxPacketDataSize * computeReceiveWindowRatio(maxStake, minStake, pc.Stake())
}

// connectionParams carries one admitted connection's classification from
// setup into the stream handler.
type connectionParams struct {
	pubkey     *Pubkey
	peerClass  PeerClass
	totalStake uint64
	maxStake   uint64
	minStake   uint64
}

// classifyConnection derives the peer class from the stake snapshot. A
// nominally staked peer whose fair share rounds below one stream per
// throttling interval is treated as unstaked.
func (srv *Server) classifyConnection(conn *quic.Conn) connectionParams {
	pubkey := remotePubkey(conn)
	if pubkey == nil {
		return connectionParams{peerClass: UnstakedPeer()}
	}

	snap := srv.stakes.Snapshot(*pubkey)
	if !snap.Found {
		return connectionParams{pubkey: pubkey, peerClass: UnstakedPeer()}
	}

	intervalMS := uint64(srv.params.StreamThrottlingInterval.Milliseconds())
	minStakeRatio := 1 / float64(srv.params.MaxStreamsPerMS*intervalMS)
	stakeRatio := float64(snap.Stake) / float64(snap.TotalStake)

	peerClass := StakedPeer(snap.Stake)
	if stakeRatio < minStakeRatio {
		peerClass = UnstakedPeer()
	}

	return connectionParams{
		pubkey:     pubkey,
		peerClass:  peerClass,
		totalStake: snap.TotalStake,
		maxStake:   snap.MaxStake,
		minStake:   snap.MinStake,
	}
}

// setupConnection runs the admission pipeline for one accepted connection:
// handshake wait, rate gates, classification and table insertion. The guard
// is handed off to the table entry on success and released on every failure
// path.
func (srv *Server) setupConnection(ctx context.Context, conn *quic.Conn, guard *openConnGuard) {
	remote := remoteAddrPort(conn)

	l := srv.Log().With().
		Stringer("conn_id", util.UUID()).
		Stringer("remote", remote).
		Logger()

	// Rate gates run on the early connection before the handshake finishes,
	// so rate-limited peers never cost a full handshake.
	if !srv.ipLimiter.IsAllowed(remote.Addr()) {
		srv.stats.RateLimitedPerIP.Inc()
		guard.release()
		_ = conn.CloseWithError(connectionCloseCodeDisallowed, connectionCloseReasonDisallowed)

		l.Debug().Msg("rejected; per-ip rate limited")

		return
	}

	if !srv.globalLimiter.IsAllowed() {
		srv.stats.RateLimitedGlobal.Inc()
		guard.release()
		_ = conn.CloseWithError(connectionCloseCodeDisallowed, connectionCloseReasonDisallowed)

		l.Debug().Msg("rejected; global rate limited")

		return
	}

	select {
	case <-ctx.Done():
		guard.release()
		_ = conn.CloseWithError(0, "")

		return
	case <-time.After(srv.params.HandshakeTimeout):
		srv.stats.HandshakeTimeouts.Inc()
		guard.release()
		_ = conn.CloseWithError(connectionCloseCodeDisallowed, connectionCloseReasonDisallowed)

		l.Debug().Msg("handshake timeout")

		return
	case <-conn.HandshakeComplete():
	}

	params := srv.classifyConnection(conn)

	l = l.With().
		Stringer("peer_class", params.peerClass).
		Uint64("stake", params.peerClass.Stake()).
		Logger()

	switch {
	case params.peerClass.IsStaked():
		srv.addStakedConnection(conn, remote, params, guard, l)
	default:
		if err := srv.pruneUnstakedAndAdd(conn, remote, params, guard, l); err != nil {
			srv.stats.ConnectionAddFailed.Inc()

			l.Debug().Err(err).Msg("unstaked connection not added")

			return
		}

		srv.stats.ConnectionsAddedUnstaked.Inc()
	}
}

func (srv *Server) addStakedConnection(
	conn *quic.Conn,
	remote netip.AddrPort,
	params connectionParams,
	guard *openConnGuard,
	l zerolog.Logger,
) {
	srv.stakedTable.Lock()

	if srv.stakedTable.TotalSize >= srv.params.MaxStakedConnections {
		pruned := srv.stakedTable.PruneRandom(srv.params.PruneRandomSampleSize, params.peerClass.Stake())
		srv.stats.Evictions.Add(float64(pruned))
	}

	if srv.stakedTable.TotalSize < srv.params.MaxStakedConnections {
		err := srv.cacheNewConnection(conn, remote, params, guard, srv.stakedTable, l)
		srv.stakedTable.Unlock()

		if err != nil {
			srv.stats.ConnectionAddFailed.Inc()

			l.Debug().Err(err).Msg("staked connection not added")

			return
		}

		srv.stats.ConnectionsAddedStaked.Inc()

		return
	}

	srv.stakedTable.Unlock()

	// The staked table is full and pruning found nothing weaker; fall back
	// to the unstaked table rather than dropping a staked peer outright.
	if err := srv.pruneUnstakedAndAdd(conn, remote, params, guard, l); err != nil {
		srv.stats.ConnectionAddFailedPrune.Inc()
		srv.stats.ConnectionAddFailed.Inc()

		l.Debug().Err(err).Msg("staked connection not added on fallback")

		return
	}

	srv.stats.ConnectionsAddedStaked.Inc()
}

func (srv *Server) pruneUnstakedAndAdd(
	conn *quic.Conn,
	remote netip.AddrPort,
	params connectionParams,
	guard *openConnGuard,
	l zerolog.Logger,
) error {
	if srv.params.MaxUnstakedConnections < 1 {
		guard.release()
		_ = conn.CloseWithError(connectionCloseCodeDisallowed, connectionCloseReasonDisallowed)

		return ErrConnectionAdd.Errorf("unstaked connections disallowed")
	}

	srv.unstakedTable.Lock()
	defer srv.unstakedTable.Unlock()

	if srv.unstakedTable.TotalSize >= srv.params.MaxUnstakedConnections {
		const pruneTableToPercentage = 90

		maxSize := srv.params.MaxUnstakedConnections * pruneTableToPercentage / 100
		pruned := srv.unstakedTable.PruneOldest(maxSize)
		srv.stats.Evictions.Add(float64(pruned))
	}

	return srv.cacheNewConnection(conn, remote, params, guard, srv.unstakedTable, l)
}

// cacheNewConnection inserts the connection into the given table (whose lock
// the caller holds) and spawns its stream handler.
func (srv *Server) cacheNewConnection(
	conn *quic.Conn,
	remote netip.AddrPort,
	params connectionParams,
	guard *openConnGuard,
	table *lockedTable,
	l zerolog.Logger,
) error {
	maxUniStreams := ComputeMaxAllowedUniStreams(params.peerClass, params.totalStake)
	if maxUniStreams > maxVarInt {
		srv.stats.InvalidStreamCountBounds.Inc()
		guard.release()
		_ = conn.CloseWithError(connectionCloseCodeExceedMaxStreamCount, connectionCloseReasonExceedMaxStreamCount)

		return ErrStreamCountBounds.Errorf("max uni streams %d", maxUniStreams)
	}

	receiveWindow := ComputeReceiveWindow(params.maxStake, params.minStake, params.peerClass)

	key := newConnKey(remote.Addr(), params.pubkey)

	entry, ok := table.TryAddConnection(
		key,
		remote.Port(),
		guard,
		conn,
		params.peerClass,
		util.TimestampMS(),
		srv.params.MaxConnectionsPerPeer,
	)
	if !ok {
		return ErrConnectionAdd.Errorf("per-peer connection cap")
	}

	l.Debug().
		Uint64("max_uni_streams", maxUniStreams).
		Uint64("receive_window", receiveWindow).
		Uint64("total_stake", params.totalStake).
		Msg("new connection")

	go srv.handleConnection(conn, remote, key, entry, table, params, l)

	return nil
}
