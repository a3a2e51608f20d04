package ingest

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type testConnectionTable struct {
	suite.Suite
	stats *Stats
}

func (t *testConnectionTable) SetupTest() {
	t.stats = newTestStats()
}

func (t *testConnectionTable) add(
	table *ConnectionTable,
	key connKey,
	port uint16,
	pc PeerClass,
	lastUpdateMS uint64,
	maxPerPeer int,
) (*ConnectionEntry, bool) {
	guard, ok := t.stats.addOpenConnection(1 << 20)
	t.True(ok)

	return table.TryAddConnection(key, port, guard, nil, pc, lastUpdateMS, maxPerPeer)
}

func (t *testConnectionTable) checkInvariant(table *ConnectionTable) {
	var sum int

	for _, g := range table.groups {
		t.NotEmpty(g.entries, "a key is present iff its group is non-empty")
		sum += len(g.entries)

		i, found := table.index[g.key]
		t.True(found)
		t.Equal(g, table.groups[i])
	}

	t.Equal(sum, table.TotalSize)
}

func (t *testConnectionTable) TestAddRemove() {
	table := NewConnectionTable()

	key := newConnKey(testAddr(0), nil)

	entry, ok := t.add(table, key, 3001, UnstakedPeer(), 1, 2)
	t.True(ok)
	t.NotNil(entry)
	t.Equal(1, table.TotalSize)
	t.checkInvariant(table)

	_, ok = t.add(table, key, 3002, UnstakedPeer(), 2, 2)
	t.True(ok)
	t.Equal(2, table.TotalSize)
	t.checkInvariant(table)

	// same key at capacity
	_, ok = t.add(table, key, 3003, UnstakedPeer(), 3, 2)
	t.False(ok)
	t.Equal(2, table.TotalSize)
	t.checkInvariant(table)

	t.Equal(1, table.RemoveConnection(key, 3001, nil))
	t.Equal(1, table.TotalSize)
	t.checkInvariant(table)

	// unknown port
	t.Equal(0, table.RemoveConnection(key, 3001, nil))

	t.Equal(1, table.RemoveConnection(key, 3002, nil))
	t.Equal(0, table.TotalSize)
	t.checkInvariant(table)

	// all guards released
	t.Equal(int64(0), t.stats.OpenConnections())
}

func (t *testConnectionTable) TestSharedStreamCounter() {
	table := NewConnectionTable()
	key := newConnKey(testAddr(1), nil)

	e0, ok := t.add(table, key, 1, UnstakedPeer(), 1, 8)
	t.True(ok)
	e1, ok := t.add(table, key, 2, UnstakedPeer(), 1, 8)
	t.True(ok)

	t.Same(e0.streamCounter, e1.streamCounter)
}

func (t *testConnectionTable) TestRefusedKeyNotLeftEmpty() {
	table := NewConnectionTable()
	key := newConnKey(testAddr(2), nil)

	_, ok := t.add(table, key, 1, UnstakedPeer(), 1, 0)
	t.False(ok)
	t.Equal(0, table.TotalSize)
	t.checkInvariant(table)
	t.Equal(int64(0), t.stats.OpenConnections())
}

func (t *testConnectionTable) TestPruneOldest() {
	table := NewConnectionTable()

	for i := range 10 {
		key := newConnKey(testAddr(i), nil)
		_, ok := t.add(table, key, uint16(i), UnstakedPeer(), uint64(i), 1)
		t.True(ok)
	}

	pruned := table.PruneOldest(7)
	t.Equal(3, pruned)
	t.Equal(7, table.TotalSize)
	t.checkInvariant(table)

	// the numerically smallest timestamps went first
	for i := range 3 {
		_, found := table.index[newConnKey(testAddr(i), nil)]
		t.False(found, "timestamp %d should have been evicted", i)
	}

	for i := 3; i < 10; i++ {
		_, found := table.index[newConnKey(testAddr(i), nil)]
		t.True(found)
	}

	t.Equal(0, table.PruneOldest(7))
	t.Equal(0, table.PruneOldest(100))
}

func (t *testConnectionTable) TestPruneOldestScenario() {
	// ceiling 100; every admission over capacity first prunes to 90
	table := NewConnectionTable()

	const maxConnections = 100

	var prunedAt101 int

	for i := range 150 {
		if table.TotalSize >= maxConnections {
			n := table.PruneOldest(maxConnections * 90 / 100)

			if i == maxConnections {
				prunedAt101 = n

				t.Equal(90, table.TotalSize, "pruned down to 90 before the insertion")

				for j := range 10 {
					_, found := table.index[newConnKey(testAddr(j), nil)]
					t.False(found, "oldest entry %d evicted", j)
				}

				for j := 10; j < 100; j++ {
					_, found := table.index[newConnKey(testAddr(j), nil)]
					t.True(found)
				}
			}
		}

		key := newConnKey(testAddr(i), nil)
		_, ok := t.add(table, key, uint16(i), UnstakedPeer(), uint64(i), 1)
		t.True(ok)
		t.checkInvariant(table)
	}

	t.Equal(10, prunedAt101)
	t.LessOrEqual(table.TotalSize, maxConnections)
}

func (t *testConnectionTable) TestPruneRandomThreshold() {
	for range 32 {
		table := NewConnectionTable()

		stakes := []uint64{7, 11, 23, 42, 99}
		for i, s := range stakes {
			key := newConnKey(testAddr(i), nil)
			_, ok := t.add(table, key, uint16(i), StakedPeer(s), uint64(i), 1)
			t.True(ok)
		}

		const threshold = 23

		pruned := table.PruneRandom(2, threshold)
		t.LessOrEqual(pruned, 1)
		t.checkInvariant(table)

		// whatever happened, no entry with stake >= threshold was evicted
		for i, s := range stakes {
			if s >= threshold {
				_, found := table.index[newConnKey(testAddr(i), nil)]
				t.True(found, "stake %d must never be evicted by threshold %d", s, threshold)
			}
		}
	}
}

func (t *testConnectionTable) TestPruneRandomAllAboveThreshold() {
	table := NewConnectionTable()

	for i := range 5 {
		key := newConnKey(testAddr(i), nil)
		_, ok := t.add(table, key, uint16(i), StakedPeer(100), uint64(i), 1)
		t.True(ok)
	}

	for range 16 {
		t.Equal(0, table.PruneRandom(3, 100))
	}

	t.Equal(5, table.TotalSize)
}

func (t *testConnectionTable) TestPruneRandomEmpty() {
	table := NewConnectionTable()
	t.Equal(0, table.PruneRandom(2, 100))
}

func (t *testConnectionTable) TestCancellationOnEvict() {
	table := NewConnectionTable()
	key := newConnKey(testAddr(0), nil)

	entry, ok := t.add(table, key, 1, UnstakedPeer(), 1, 1)
	t.True(ok)

	select {
	case <-entry.ctx.Done():
		t.Fail("entry canceled too early")
	default:
	}

	table.PruneOldest(0)

	select {
	case <-entry.ctx.Done():
	default:
		t.Fail("evicted entry not canceled")
	}

	t.Equal(int64(0), t.stats.OpenConnections())
}

func (t *testConnectionTable) TestGuardReleasesOnce() {
	guard, ok := t.stats.addOpenConnection(8)
	t.True(ok)
	t.Equal(int64(1), t.stats.OpenConnections())

	guard.release()
	guard.release()
	t.Equal(int64(0), t.stats.OpenConnections())
}

func (t *testConnectionTable) TestCapacityGate() {
	var guards []*openConnGuard

	for range 4 {
		guard, ok := t.stats.addOpenConnection(4)
		t.True(ok)

		guards = append(guards, guard)
	}

	_, ok := t.stats.addOpenConnection(4)
	t.False(ok)
	t.Equal(int64(4), t.stats.OpenConnections())

	guards[0].release()

	_, ok = t.stats.addOpenConnection(4)
	t.True(ok)

	for _, g := range guards[1:] {
		g.release()
	}
}

func TestConnectionTable(t *testing.T) {
	suite.Run(t, new(testConnectionTable))
}
