// Package pool owns the QUIC sessions towards each configured validator. It
// favours reuse over churn: one long-lived connection per destination until
// it saturates or dies, with idle sessions evicted before the validator's own
// idle limit closes them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/helius-labs/lite-txn-sender/admission"
	"github.com/helius-labs/lite-txn-sender/config"
	"github.com/helius-labs/lite-txn-sender/identity"
	"github.com/helius-labs/lite-txn-sender/telemetry"
)

// Health describes the usability of a pooled connection.
type Health int

const (
	// Healthy connections are preferred for new streams.
	Healthy Health = iota
	// Degraded connections saw a recent stream failure but remain usable.
	Degraded
	// Dead connections are awaiting removal and never handed out.
	Dead
)

// Eviction reason codes, surfaced through telemetry.
const (
	ReasonIdle       = "idle"
	ReasonFailures   = "failures"
	ReasonPeerClosed = "peer_closed"
	ReasonShutdown   = "shutdown"
)

// Errors returned by Acquire. ErrDialThrottled and dial failures are
// transient; ErrUnknownDestination is permanent; ErrClosed is terminal.
var (
	ErrUnknownDestination = errors.New("pool: unknown destination")
	ErrDialThrottled      = errors.New("pool: connection attempts throttled")
	ErrConnSaturated      = errors.New("pool: connection saturated")
	ErrClosed             = errors.New("pool: closed")
)

// consecutive stream failures before a connection is written off
const failureThreshold = 3

// DialFunc opens a QUIC session to a destination address. It exists so tests
// and alternative transports can substitute the dialer, mirroring the
// client-factory shape used elsewhere in the codebase.
type DialFunc func(ctx context.Context, address string) (quic.Connection, error)

// Handle represents one live QUIC session. Stream slots are reserved through
// Acquire and returned through Release; the pool is the only mutator of the
// handle's accounting fields.
type Handle struct {
	dest    config.DestinationConfig
	conn    quic.Connection
	created time.Time

	mu       sync.Mutex
	lastUsed time.Time
	streams  int
	health   Health
	failures int
}

// Destination returns the destination name this handle serves.
func (h *Handle) Destination() string { return h.dest.Name }

// Conn exposes the underlying QUIC session for stream operations.
func (h *Handle) Conn() quic.Connection { return h.conn }

// Health returns the current health classification.
func (h *Handle) Health() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

// Streams returns the number of reserved stream slots.
func (h *Handle) Streams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams
}

func (h *Handle) peerClosed() bool {
	select {
	case <-h.conn.Context().Done():
		return true
	default:
		return false
	}
}

type destPool struct {
	mu      sync.Mutex
	handles []*Handle
	dialing bool
}

// Pool manages connections for all configured destinations. State is sharded
// per destination; operations against different destinations never contend.
type Pool struct {
	cfg       *config.Config
	adm       *admission.Controller
	collector telemetry.Collector
	log       zerolog.Logger
	dial      DialFunc

	dests  map[string]*destPool
	closed chan struct{}
	once   sync.Once
}

// New builds a pool that dials with the proxy identity's self-signed
// certificate. The identity is consulted once here; individual dials reuse
// the derived TLS configuration.
func New(cfg *config.Config, id identity.Identity, adm *admission.Controller, logger zerolog.Logger, collector telemetry.Collector) (*Pool, error) {
	if collector == nil {
		collector = telemetry.Noop()
	}
	tlsConf, err := id.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("derive transport credentials: %w", err)
	}
	// The transport idle timeout sits well above the pool TTL so the sweeper
	// retires idle sessions before the peer or the transport does.
	quicConf := &quic.Config{
		HandshakeIdleTimeout: cfg.Transport.HandshakeTimeout.Duration,
		MaxIdleTimeout:       2 * cfg.Transport.IdleTimeout.Duration,
		KeepAlivePeriod:      cfg.Transport.KeepAlive.Duration,
	}
	p := &Pool{
		cfg:       cfg,
		adm:       adm,
		collector: collector,
		log:       logger.With().Str("component", "pool").Logger(),
		dests:     make(map[string]*destPool, len(cfg.Destinations)),
		closed:    make(chan struct{}),
	}
	p.dial = func(ctx context.Context, address string) (quic.Connection, error) {
		return quic.DialAddr(ctx, address, tlsConf.Clone(), quicConf)
	}
	for _, dest := range cfg.Destinations {
		p.dests[dest.Name] = &destPool{}
	}
	go p.sweep()
	return p, nil
}

// SetDialFunc replaces the dialer. Must be called before the pool is used.
func (p *Pool) SetDialFunc(dial DialFunc) {
	p.dial = dial
}

// Acquire returns a handle with a reserved stream slot for the destination.
// An existing connection with spare capacity is always preferred; a new
// session is dialled only when none exists or all are saturated, and only if
// the admission controller allows another connection attempt.
func (p *Pool) Acquire(ctx context.Context, dest string) (*Handle, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}
	dp, ok := p.dests[dest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}

	if h := p.reserveExisting(dp, dest); h != nil {
		return h, nil
	}

	if !p.adm.AllowConnection(dest) {
		return nil, ErrDialThrottled
	}

	dp.mu.Lock()
	if dp.dialing {
		dp.mu.Unlock()
		return nil, ErrDialThrottled
	}
	dp.dialing = true
	dp.mu.Unlock()
	defer func() {
		dp.mu.Lock()
		dp.dialing = false
		dp.mu.Unlock()
	}()

	destCfg, _ := p.cfg.Destination(dest)
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.Transport.HandshakeTimeout.Duration)
	defer cancel()
	conn, err := p.dial(dialCtx, destCfg.Address)
	if err != nil {
		p.log.Warn().Str("destination", dest).Err(err).Msg("dial failed")
		return nil, fmt.Errorf("dial %s: %w", destCfg.Address, err)
	}

	now := time.Now()
	h := &Handle{
		dest:     destCfg,
		conn:     conn,
		created:  now,
		lastUsed: now,
		streams:  1,
		health:   Healthy,
	}
	dp.mu.Lock()
	dp.handles = append(dp.handles, h)
	open := len(dp.handles)
	dp.mu.Unlock()

	p.collector.SetOpenConnections(dest, open)
	p.log.Debug().Str("destination", dest).Str("addr", destCfg.Address).Msg("connection established")
	return h, nil
}

// reserveExisting hands out a live handle with spare capacity, evicting any
// peer-closed connections it walks past. Healthy handles win over Degraded.
func (p *Pool) reserveExisting(dp *destPool, dest string) *Handle {
	var peerClosed []*Handle

	dp.mu.Lock()
	var pick *Handle
	pickHealth := Dead
	for _, h := range dp.handles {
		if h.peerClosed() {
			peerClosed = append(peerClosed, h)
			continue
		}
		h.mu.Lock()
		health := h.health
		usable := health != Dead && h.streams < p.cfg.Transport.MaxStreamsPerConn
		h.mu.Unlock()
		if usable && (pick == nil || (health == Healthy && pickHealth != Healthy)) {
			pick = h
			pickHealth = health
		}
	}
	if pick != nil {
		pick.mu.Lock()
		pick.streams++
		pick.lastUsed = time.Now()
		pick.mu.Unlock()
	}
	dp.mu.Unlock()

	for _, h := range peerClosed {
		p.Evict(h, ReasonPeerClosed)
	}
	return pick
}

// Release returns a stream slot after a forwarding operation finished. The
// connection stays pooled.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.streams > 0 {
		h.streams--
	}
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// ReportSuccess clears the failure streak after a completed stream write.
func (p *Pool) ReportSuccess(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.failures = 0
	if h.health == Degraded {
		h.health = Healthy
	}
	h.mu.Unlock()
}

// ReportFailure marks a stream-level failure against the handle. Once the
// streak reaches the threshold the connection is evicted and the method
// reports true.
func (p *Pool) ReportFailure(h *Handle) bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	if h.health == Dead {
		h.mu.Unlock()
		return true
	}
	h.failures++
	h.health = Degraded
	evict := h.failures >= failureThreshold
	h.mu.Unlock()

	if evict {
		p.Evict(h, ReasonFailures)
	}
	return evict
}

// Evict marks the handle Dead, removes it from the pool and closes the
// session. Evicting an already-Dead handle is a no-op.
func (p *Pool) Evict(h *Handle, reason string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.health == Dead {
		h.mu.Unlock()
		return
	}
	h.health = Dead
	h.mu.Unlock()

	dp, ok := p.dests[h.dest.Name]
	open := 0
	if ok {
		dp.mu.Lock()
		for i, cand := range dp.handles {
			if cand == h {
				dp.handles = append(dp.handles[:i], dp.handles[i+1:]...)
				break
			}
		}
		open = len(dp.handles)
		dp.mu.Unlock()
	}

	_ = h.conn.CloseWithError(0, reason)
	p.collector.IncEviction(h.dest.Name, reason)
	p.collector.SetOpenConnections(h.dest.Name, open)
	p.log.Debug().Str("destination", h.dest.Name).Str("reason", reason).Msg("connection evicted")
}

// OpenConnections reports the pooled connection count for a destination.
func (p *Pool) OpenConnections(dest string) int {
	dp, ok := p.dests[dest]
	if !ok {
		return 0
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return len(dp.handles)
}

// sweep evicts idle connections so pooled sessions never outlive the
// validator's idle-connection window.
func (p *Pool) sweep() {
	interval := p.cfg.Transport.IdleTimeout.Duration / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			p.sweepOnce(time.Now())
		}
	}
}

func (p *Pool) sweepOnce(now time.Time) {
	for _, dp := range p.dests {
		var idle []*Handle
		dp.mu.Lock()
		for _, h := range dp.handles {
			if h.peerClosed() {
				idle = append(idle, h)
				continue
			}
			h.mu.Lock()
			if h.streams == 0 && now.Sub(h.lastUsed) > p.cfg.Transport.IdleTimeout.Duration {
				idle = append(idle, h)
			}
			h.mu.Unlock()
		}
		dp.mu.Unlock()
		for _, h := range idle {
			if h.peerClosed() {
				p.Evict(h, ReasonPeerClosed)
			} else {
				p.Evict(h, ReasonIdle)
			}
		}
	}
}

// Close drains in-flight streams up to the configured grace period, then
// force-closes whatever remains. Acquire fails with ErrClosed afterwards.
func (p *Pool) Close(ctx context.Context) {
	p.once.Do(func() { close(p.closed) })

	deadline := time.Now().Add(p.cfg.Transport.DrainGrace.Duration)
	for time.Now().Before(deadline) {
		if p.inFlight() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(20 * time.Millisecond):
		}
	}

	for _, dp := range p.dests {
		dp.mu.Lock()
		handles := append([]*Handle(nil), dp.handles...)
		dp.mu.Unlock()
		for _, h := range handles {
			p.Evict(h, ReasonShutdown)
		}
	}
}

func (p *Pool) inFlight() int {
	total := 0
	for _, dp := range p.dests {
		dp.mu.Lock()
		for _, h := range dp.handles {
			h.mu.Lock()
			total += h.streams
			h.mu.Unlock()
		}
		dp.mu.Unlock()
	}
	return total
}
