package ingest

import (
	"math/big"
	"sync"
	"sync/atomic"
	"time"
)

const (
	streamLoadEMAIntervalMS    = 5
	streamLoadEMAIntervalCount = 10
	emaWindowMS                = streamLoadEMAIntervalMS * streamLoadEMAIntervalCount

	// Fixed-point multiplier; keeps the decay arithmetic in integers.
	streamLoadEMAMultiplier = 1024
)

// StreamLoadEMA is an exponentially decaying estimate of recent staked
// stream arrivals, used to split the global streams-per-ms budget into
// per-peer allowances for one throttling interval.
type StreamLoadEMA struct {
	stats                *Stats
	currentLoadEMA       atomic.Uint64
	loadInRecentInterval atomic.Uint64
	lastUpdateMS         atomic.Int64

	maxStakedLoadInEMAWindow          uint64
	maxUnstakedLoadInThrottlingWindow uint64
	throttlingIntervalMS              uint64
}

func NewStreamLoadEMA(stats *Stats, params *ServerParams) *StreamLoadEMA {
	intervalMS := uint64(params.StreamThrottlingInterval.Milliseconds())
	allowUnstaked := params.MaxUnstakedConnections > 0

	stakedPerMS := params.MaxStreamsPerMS
	var unstakedPerWindow uint64

	if allowUnstaked {
		unstakedShare := params.MaxStreamsPerMS * params.UnstakedStreamsPercent / 100
		stakedPerMS -= unstakedShare
		unstakedPerWindow = unstakedShare * intervalMS / uint64(params.MaxUnstakedConnections)
	}

	ema := &StreamLoadEMA{
		stats:                             stats,
		maxStakedLoadInEMAWindow:          stakedPerMS * emaWindowMS,
		maxUnstakedLoadInThrottlingWindow: unstakedPerWindow,
		throttlingIntervalMS:              intervalMS,
	}
	ema.lastUpdateMS.Store(time.Now().UnixMilli())

	return ema
}

func emaFunction(current, recent uint64) uint64 {
	const smoothing = 2 * streamLoadEMAMultiplier / (streamLoadEMAIntervalCount + 1)

	return (recent*smoothing + current*(streamLoadEMAMultiplier-smoothing)) / streamLoadEMAMultiplier
}

func (e *StreamLoadEMA) updateEMA(sinceMS int64) {
	recent := e.loadInRecentInterval.Swap(0)

	// Catch up one application per elapsed interval; the load sample is
	// attributed to the most recent one.
	updates := (sinceMS - 1) / streamLoadEMAIntervalMS
	if updates < 1 {
		updates = 1
	}

	updated := emaFunction(e.currentLoadEMA.Load(), recent)
	for i := int64(1); i < updates; i++ {
		updated = emaFunction(updated, recent)
	}

	e.currentLoadEMA.Store(updated)
	e.stats.StreamLoadEMA.Set(float64(updated))
}

// UpdateEMAIfNeeded rolls the estimate forward at most once per EMA
// interval; callers invoke it per stream, the decay is amortized.
func (e *StreamLoadEMA) UpdateEMAIfNeeded() {
	last := e.lastUpdateMS.Load()
	now := time.Now().UnixMilli()

	if now-last < streamLoadEMAIntervalMS {
		return
	}

	if !e.lastUpdateMS.CompareAndSwap(last, now) {
		return
	}

	e.updateEMA(now - last)
}

func (e *StreamLoadEMA) IncrementLoad(pc PeerClass) {
	if pc.IsStaked() {
		e.loadInRecentInterval.Add(1)
	}

	e.UpdateEMAIfNeeded()
}

func (e *StreamLoadEMA) CurrentEMA() uint64 {
	return e.currentLoadEMA.Load()
}

// AvailableLoadCapacityInThrottlingDuration is the number of new streams a
// peer of the given class may open in the current throttling interval.
// Unstaked peers get a fixed equal share; staked peers get
// maxLoad^2 * stake / (emaLoad * totalStake) scaled from the EMA window to
// the throttling interval, never less than one above the unstaked share.
func (e *StreamLoadEMA) AvailableLoadCapacityInThrottlingDuration(pc PeerClass, totalStake uint64) uint64 {
	if !pc.IsStaked() || totalStake == 0 {
		return e.maxUnstakedLoadInThrottlingWindow
	}

	load := e.currentLoadEMA.Load()
	if load < 1 {
		load = 1
	}

	capacity := new(big.Int).SetUint64(e.maxStakedLoadInEMAWindow)
	capacity.Mul(capacity, new(big.Int).SetUint64(e.maxStakedLoadInEMAWindow))
	capacity.Mul(capacity, new(big.Int).SetUint64(pc.Stake()))
	capacity.Mul(capacity, new(big.Int).SetUint64(e.throttlingIntervalMS))

	denom := new(big.Int).SetUint64(load)
	denom.Mul(denom, new(big.Int).SetUint64(totalStake))
	denom.Mul(denom, big.NewInt(emaWindowMS))

	capacity.Div(capacity, denom)

	calculated := uint64(1<<63 - 1)
	if capacity.IsUint64() {
		calculated = capacity.Uint64()
	}

	if floor := e.maxUnstakedLoadInThrottlingWindow + 1; calculated < floor {
		return floor
	}

	return calculated
}

// connectionStreamCounter tracks streams accepted inside the current
// throttling interval; shared by every connection of the same peer key.
type connectionStreamCounter struct {
	streamCount           atomic.Uint64
	lastThrottlingInstant time.Time
	mu                    sync.RWMutex
}

func newConnectionStreamCounter() *connectionStreamCounter {
	return &connectionStreamCounter{lastThrottlingInstant: time.Now()}
}

// resetThrottlingParamsIfNeeded starts a fresh interval when the current one
// has elapsed and returns the interval start.
func (c *connectionStreamCounter) resetThrottlingParamsIfNeeded(interval time.Duration) time.Time {
	c.mu.RLock()
	last := c.lastThrottlingInstant
	c.mu.RUnlock()

	if time.Since(last) <= interval {
		return last
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastThrottlingInstant) > interval {
		c.lastThrottlingInstant = time.Now()
		c.streamCount.Store(0)
	}

	return c.lastThrottlingInstant
}
