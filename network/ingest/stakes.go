package ingest

import (
	"crypto/ed25519"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
)

// Pubkey is a peer's verified network identity, the ed25519 public key taken
// from its self-signed TLS certificate.
type Pubkey [ed25519.PublicKeySize]byte

func NewPubkey(pub ed25519.PublicKey) (Pubkey, error) {
	var k Pubkey

	if len(pub) != ed25519.PublicKeySize {
		return k, errors.Errorf("invalid ed25519 public key size, %d", len(pub))
	}

	copy(k[:], pub)

	return k, nil
}

func (k Pubkey) String() string {
	return hex.EncodeToString(k[:])
}

// StakedNodes is the read-only stake snapshot; the cluster layer replaces it
// out-of-band with Update and the server consults it once per admission.
type StakedNodes struct {
	stakes     map[Pubkey]uint64
	totalStake uint64
	maxStake   uint64
	minStake   uint64
	sync.RWMutex
}

func NewStakedNodes() *StakedNodes {
	return &StakedNodes{stakes: map[Pubkey]uint64{}}
}

func (sn *StakedNodes) Update(stakes map[Pubkey]uint64) {
	var total, maxstake, minstake uint64

	for _, s := range stakes {
		if s < 1 {
			continue
		}

		total += s

		if s > maxstake {
			maxstake = s
		}

		if minstake == 0 || s < minstake {
			minstake = s
		}
	}

	sn.Lock()
	defer sn.Unlock()

	sn.stakes = stakes
	sn.totalStake = total
	sn.maxStake = maxstake
	sn.minStake = minstake
}

// StakeSnapshot is one peer's stake together with the aggregates it will be
// judged against, all read under a single lock acquisition so a concurrent
// Update can never tear the tuple.
type StakeSnapshot struct {
	Stake      uint64
	TotalStake uint64
	MaxStake   uint64
	MinStake   uint64
	Found      bool
}

func (sn *StakedNodes) Snapshot(key Pubkey) StakeSnapshot {
	sn.RLock()
	defer sn.RUnlock()

	s, found := sn.stakes[key]

	return StakeSnapshot{
		Stake:      s,
		TotalStake: sn.totalStake,
		MaxStake:   sn.maxStake,
		MinStake:   sn.minStake,
		Found:      found && s > 0,
	}
}

func (sn *StakedNodes) Stake(key Pubkey) (uint64, bool) {
	sn.RLock()
	defer sn.RUnlock()

	s, found := sn.stakes[key]

	return s, found && s > 0
}

func (sn *StakedNodes) TotalStake() uint64 {
	sn.RLock()
	defer sn.RUnlock()

	return sn.totalStake
}

func (sn *StakedNodes) MaxStake() uint64 {
	sn.RLock()
	defer sn.RUnlock()

	return sn.maxStake
}

func (sn *StakedNodes) MinStake() uint64 {
	sn.RLock()
	defer sn.RUnlock()

	return sn.minStake
}
