// Package admission enforces the proxy-side mirror of validator stream
// quotas. A validator grants concurrent QUIC streams proportionally to the
// stake declared for the sender identity; admitting more than that locally
// only converts local backpressure into validator-side throttling, which
// punishes every request. The controller therefore self-limits first.
package admission

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helius-labs/lite-txn-sender/config"
	"github.com/helius-labs/lite-txn-sender/telemetry"
)

// Controller tracks per-destination quota state. The destination set is fixed
// at construction, so the map itself is read-only and all mutation happens
// under each destination's own lock. Destinations never contend with each
// other.
type Controller struct {
	reconnectEvery time.Duration
	collector      telemetry.Collector
	dests          map[string]*quotaState
}

type quotaState struct {
	mu       sync.Mutex
	quota    int
	inFlight int
	lastDial time.Time
}

// New derives each destination's stream quota from its stake share of the
// aggregate stream budget. Every configured destination gets at least one
// stream so a low-stake validator is throttled, not starved.
func New(cfg *config.Config, collector telemetry.Collector) *Controller {
	if collector == nil {
		collector = telemetry.Noop()
	}
	total := cfg.TotalStake()
	budget := decimal.NewFromInt(int64(cfg.Transport.StreamBudget))

	dests := make(map[string]*quotaState, len(cfg.Destinations))
	for _, dest := range cfg.Destinations {
		quota := int(dest.Stake.Decimal.Div(total).Mul(budget).Ceil().IntPart())
		if quota < 1 {
			quota = 1
		}
		if quota > cfg.Transport.StreamBudget {
			quota = cfg.Transport.StreamBudget
		}
		dests[dest.Name] = &quotaState{quota: quota}
	}
	return &Controller{
		reconnectEvery: cfg.Transport.ReconnectInterval.Duration,
		collector:      collector,
		dests:          dests,
	}
}

// TryAdmit reserves one stream slot for the destination. It returns false
// when the destination is unknown or already at quota; the caller decides
// whether to queue, retry later or shed.
func (c *Controller) TryAdmit(dest string) bool {
	state, ok := c.dests[dest]
	if !ok {
		return false
	}
	state.mu.Lock()
	if state.inFlight >= state.quota {
		state.mu.Unlock()
		return false
	}
	state.inFlight++
	inFlight := state.inFlight
	state.mu.Unlock()

	c.collector.IncAdmitted(dest)
	c.collector.SetInFlightStreams(dest, inFlight)
	return true
}

// Release returns a stream slot. Every successful TryAdmit must be paired
// with exactly one Release once the stream concludes, success or failure.
// Releasing below zero is clamped so a stray call cannot inflate the quota.
func (c *Controller) Release(dest string) {
	state, ok := c.dests[dest]
	if !ok {
		return
	}
	state.mu.Lock()
	if state.inFlight > 0 {
		state.inFlight--
	}
	inFlight := state.inFlight
	state.mu.Unlock()

	c.collector.SetInFlightStreams(dest, inFlight)
}

// AllowConnection reports whether a new QUIC dial to the destination may
// start now. Dials are spaced by the reconnect interval so a dead validator
// is not hammered with handshakes.
func (c *Controller) AllowConnection(dest string) bool {
	state, ok := c.dests[dest]
	if !ok {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	now := time.Now()
	if !state.lastDial.IsZero() && now.Sub(state.lastDial) < c.reconnectEvery {
		return false
	}
	state.lastDial = now
	return true
}

// Quota returns the configured concurrency quota for a destination.
func (c *Controller) Quota(dest string) int {
	state, ok := c.dests[dest]
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.quota
}

// InFlight returns the current reserved stream count for a destination.
func (c *Controller) InFlight(dest string) int {
	state, ok := c.dests[dest]
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.inFlight
}

// Known reports whether the destination is configured.
func (c *Controller) Known(dest string) bool {
	_, ok := c.dests[dest]
	return ok
}
