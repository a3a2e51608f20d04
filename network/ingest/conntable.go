package ingest

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

// ConnectionEntry is one live connection's bookkeeping. The table owns the
// entry and its cancel source; the stream handler holds only the derived
// context, so cancellation never needs the handler to be reachable.
type ConnectionEntry struct {
	ctx           context.Context
	cancel        context.CancelFunc
	conn          *quic.Conn
	lastUpdateMS  *atomic.Uint64
	guard         *openConnGuard
	streamCounter *connectionStreamCounter
	peerClass     PeerClass
	port          uint16
}

func (e *ConnectionEntry) lastUpdate() uint64 {
	return e.lastUpdateMS.Load()
}

func (e *ConnectionEntry) stake() uint64 {
	return e.peerClass.Stake()
}

// release closes the transport, cancels the handler and gives back the
// open-connection slot; safe on every exit path, the guard decrements once.
func (e *ConnectionEntry) release() {
	if e.conn != nil {
		_ = e.conn.CloseWithError(connectionCloseCodeDroppedEntry, connectionCloseReasonDroppedEntry)
	}

	e.cancel()
	e.guard.release()
}

type connGroup struct {
	key     connKey
	entries []*ConnectionEntry
}

// ConnectionTable maps a peer key to its live connection entries. It keeps
// groups in an index-addressable slice so random eviction sampling is O(1).
// The table itself is not synchronized; see lockedTable.
type ConnectionTable struct {
	index  map[connKey]int
	groups []*connGroup

	// TotalSize always equals the sum of group lengths; a key is present
	// iff its group is non-empty.
	TotalSize int
}

func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{index: map[connKey]int{}}
}

func (t *ConnectionTable) swapRemoveIndex(i int) *connGroup {
	g := t.groups[i]
	delete(t.index, g.key)

	last := len(t.groups) - 1
	if i != last {
		t.groups[i] = t.groups[last]
		t.index[t.groups[i].key] = i
	}

	t.groups = t.groups[:last]

	return g
}

// PruneOldest evicts whole per-key groups, smallest last-activity timestamp
// first, until the table holds at most maxSize entries. Returns the number
// evicted.
func (t *ConnectionTable) PruneOldest(maxSize int) int {
	var pruned int

	for t.TotalSize-pruned > maxSize {
		oldest := -1
		oldestUpdate := uint64(math.MaxUint64)

		for i, g := range t.groups {
			for _, e := range g.entries {
				if lu := e.lastUpdate(); lu < oldestUpdate {
					oldestUpdate = lu
					oldest = i
				}
			}
		}

		if oldest < 0 {
			break
		}

		g := t.swapRemoveIndex(oldest)
		pruned += len(g.entries)

		for _, e := range g.entries {
			e.release()
		}
	}

	t.TotalSize -= pruned
	if t.TotalSize < 0 {
		t.TotalSize = 0
	}

	return pruned
}

// PruneRandom samples sampleSize random groups and evicts the one whose lead
// entry has the lowest stake, but only when that stake is strictly below
// thresholdStake; otherwise nothing is evicted. Returns the number evicted.
func (t *ConnectionTable) PruneRandom(sampleSize int, thresholdStake uint64) int {
	if len(t.groups) < 1 {
		return 0
	}

	lowest := -1
	lowestStake := uint64(math.MaxUint64)

	for range sampleSize {
		i := rand.IntN(len(t.groups))

		var stake uint64
		if entries := t.groups[i].entries; len(entries) > 0 {
			stake = entries[0].stake()
		}

		if stake < lowestStake {
			lowestStake = stake
			lowest = i
		}
	}

	if lowest < 0 || lowestStake >= thresholdStake {
		return 0
	}

	g := t.swapRemoveIndex(lowest)

	for _, e := range g.entries {
		e.release()
	}

	t.TotalSize -= len(g.entries)
	if t.TotalSize < 0 {
		t.TotalSize = 0
	}

	return len(g.entries)
}

// TryAddConnection inserts a new entry under key, refusing when the key
// already holds maxConnectionsPerPeer entries. On refusal the connection is
// closed with the too_many code and the guard is released.
func (t *ConnectionTable) TryAddConnection(
	key connKey,
	port uint16,
	guard *openConnGuard,
	conn *quic.Conn,
	peerClass PeerClass,
	lastUpdateMS uint64,
	maxConnectionsPerPeer int,
) (*ConnectionEntry, bool) {
	i, found := t.index[key]
	if !found {
		i = len(t.groups)
		t.index[key] = i
		t.groups = append(t.groups, &connGroup{key: key})
	}

	g := t.groups[i]

	if len(g.entries)+1 > maxConnectionsPerPeer {
		if conn != nil {
			_ = conn.CloseWithError(connectionCloseCodeTooMany, connectionCloseReasonTooMany)
		}

		guard.release()

		if !found {
			t.swapRemoveIndex(i)
		}

		return nil, false
	}

	ctx, cancel := context.WithCancel(context.Background())

	lastUpdate := &atomic.Uint64{}
	lastUpdate.Store(lastUpdateMS)

	streamCounter := newConnectionStreamCounter()
	if len(g.entries) > 0 {
		streamCounter = g.entries[0].streamCounter
	}

	entry := &ConnectionEntry{
		ctx:           ctx,
		cancel:        cancel,
		conn:          conn,
		lastUpdateMS:  lastUpdate,
		guard:         guard,
		streamCounter: streamCounter,
		peerClass:     peerClass,
		port:          port,
	}

	g.entries = append(g.entries, entry)
	t.TotalSize++

	return entry, true
}

// RemoveConnection removes the entries under key matching both the port and
// the live transport connection; conn may be nil, in which case the port
// alone matches. The identity check keeps a handler from removing a
// successor entry that reused its key and port. Returns the number removed.
func (t *ConnectionTable) RemoveConnection(key connKey, port uint16, conn *quic.Conn) int {
	i, found := t.index[key]
	if !found {
		return 0
	}

	g := t.groups[i]
	kept := g.entries[:0]

	var removed int

	for _, e := range g.entries {
		if e.port == port && (e.conn == nil || conn == nil || e.conn == conn) {
			e.release()
			removed++

			continue
		}

		kept = append(kept, e)
	}

	g.entries = kept

	if len(g.entries) < 1 {
		t.swapRemoveIndex(i)
	}

	t.TotalSize -= removed
	if t.TotalSize < 0 {
		t.TotalSize = 0
	}

	return removed
}

// releaseAll tears down every entry; used at server shutdown.
func (t *ConnectionTable) releaseAll() {
	for _, g := range t.groups {
		for _, e := range g.entries {
			e.release()
		}
	}

	t.index = map[connKey]int{}
	t.groups = nil
	t.TotalSize = 0
}

// lockedTable serializes compound admission sequences (size check, prune,
// insert) under one short-held lock. The hard rule: nothing blocks while
// holding it.
type lockedTable struct {
	*ConnectionTable
	sync.Mutex
}

func newLockedTable() *lockedTable {
	return &lockedTable{ConnectionTable: NewConnectionTable()}
}
