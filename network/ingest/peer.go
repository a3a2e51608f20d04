package ingest

import (
	"crypto/ed25519"
	"net"
	"net/netip"

	"github.com/quic-go/quic-go"
)

// PeerClass is the closed two-variant classification of a connection,
// derived once at admission and immutable afterwards.
type PeerClass struct {
	stake  uint64
	staked bool
}

func UnstakedPeer() PeerClass {
	return PeerClass{}
}

func StakedPeer(stake uint64) PeerClass {
	return PeerClass{staked: true, stake: stake}
}

func (pc PeerClass) IsStaked() bool {
	return pc.staked
}

// Stake is zero for unstaked peers.
func (pc PeerClass) Stake() uint64 {
	if !pc.staked {
		return 0
	}

	return pc.stake
}

func (pc PeerClass) String() string {
	if !pc.staked {
		return "unstaked"
	}

	return "staked"
}

// connKey groups connections for the per-peer cap: by verified identity when
// the peer presented one, otherwise by source address.
type connKey struct {
	ip     netip.Addr
	pubkey Pubkey
	byKey  bool
}

func newConnKey(ip netip.Addr, pubkey *Pubkey) connKey {
	if pubkey == nil {
		return connKey{ip: ip}
	}

	return connKey{pubkey: *pubkey, byKey: true}
}

// remotePubkey maps the transport credential to an identity; nothing is
// returned unless the peer presented exactly one certificate carrying an
// ed25519 key.
func remotePubkey(conn *quic.Conn) *Pubkey {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) != 1 {
		return nil
	}

	pub, ok := certs[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil
	}

	key, err := NewPubkey(pub)
	if err != nil {
		return nil
	}

	return &key
}

func remoteAddrPort(conn *quic.Conn) netip.AddrPort {
	if udp, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		return udp.AddrPort()
	}

	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		return ap
	}

	return netip.AddrPort{}
}
