package sender

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/helius-labs/lite-txn-sender/admission"
	"github.com/helius-labs/lite-txn-sender/config"
	"github.com/helius-labs/lite-txn-sender/forward"
	"github.com/helius-labs/lite-txn-sender/identity"
	"github.com/helius-labs/lite-txn-sender/pool"
	"github.com/helius-labs/lite-txn-sender/telemetry"
)

type recordingCollector struct {
	telemetry.Collector
	mu        sync.Mutex
	succeeded int
	dropped   map[string]int
	rejected  map[string]int
	retried   int
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		Collector: telemetry.Noop(),
		dropped:   make(map[string]int),
		rejected:  make(map[string]int),
	}
}

func (c *recordingCollector) IncSucceeded(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.succeeded++
}

func (c *recordingCollector) IncDropped(_, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped[reason]++
}

func (c *recordingCollector) IncRejected(_, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected[reason]++
}

func (c *recordingCollector) IncRetried(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retried++
}

func (c *recordingCollector) snapshot() (succeeded int, dropped, rejected map[string]int, retried int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := make(map[string]int, len(c.dropped))
	for k, v := range c.dropped {
		d[k] = v
	}
	r := make(map[string]int, len(c.rejected))
	for k, v := range c.rejected {
		r[k] = v
	}
	return c.succeeded, d, r, c.retried
}

type sink struct {
	listener *quic.Listener

	mu       sync.Mutex
	payloads [][]byte
}

func startSink(t *testing.T) *sink {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	tlsConf, err := id.TLSConfig()
	require.NoError(t, err)

	listener, err := quic.ListenAddr("127.0.0.1:0", tlsConf, &quic.Config{
		MaxIncomingUniStreams: 128,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := &sink{listener: listener}
	go func() {
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				for {
					stream, err := conn.AcceptUniStream(ctx)
					if err != nil {
						return
					}
					go func() {
						data, err := io.ReadAll(stream)
						if err != nil {
							return
						}
						s.mu.Lock()
						s.payloads = append(s.payloads, data)
						s.mu.Unlock()
					}()
				}
			}()
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = listener.Close()
	})
	return s
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func serviceConfig(addr string) *config.Config {
	cfg := &config.Config{
		Destinations: []config.DestinationConfig{{
			Name:    "validator",
			Address: addr,
			Stake:   config.Stake{Decimal: decimal.NewFromInt(100)},
		}},
	}
	cfg.Transport.StreamBudget = 8
	cfg.Transport.MaxStreamsPerConn = 8
	cfg.Transport.IdleTimeout.Duration = time.Minute
	cfg.Transport.HandshakeTimeout.Duration = time.Second
	cfg.Transport.StreamTimeout.Duration = time.Second
	cfg.Transport.ReconnectInterval.Duration = time.Millisecond
	cfg.Transport.MaxPayloadSize = 128
	cfg.Transport.DrainGrace.Duration = time.Second
	cfg.Queue.Capacity = 16
	cfg.Queue.Policy = config.QueueOldestDrop
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay.Duration = 5 * time.Millisecond
	cfg.Retry.MaxDelay.Duration = 20 * time.Millisecond
	cfg.Workers = 2
	return cfg
}

func newService(t *testing.T, cfg *config.Config, collector telemetry.Collector) *Service {
	t.Helper()
	if collector == nil {
		collector = telemetry.Noop()
	}
	id, err := identity.Generate()
	require.NoError(t, err)
	adm := admission.New(cfg, collector)
	p, err := pool.New(cfg, id, adm, zerolog.Nop(), collector)
	require.NoError(t, err)
	fwd := forward.New(cfg, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Close(ctx)
	})
	return New(cfg, adm, p, fwd, zerolog.Nop(), collector)
}

func TestSubmitForwardsPayload(t *testing.T) {
	srv := startSink(t)
	collector := newRecordingCollector()
	svc := newService(t, serviceConfig(srv.listener.Addr().String()), collector)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	out, err := svc.SubmitWait(waitCtx, []byte("hello validator"), "validator")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, out.Status)
	require.Equal(t, 1, out.Attempts)
	require.Empty(t, out.Reason)

	require.Eventually(t, func() bool { return srv.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	succeeded, dropped, _, _ := collector.snapshot()
	require.Equal(t, 1, succeeded)
	require.Empty(t, dropped)
}

func TestSubmitRejectsOversized(t *testing.T) {
	srv := startSink(t)
	collector := newRecordingCollector()
	svc := newService(t, serviceConfig(srv.listener.Addr().String()), collector)

	err := svc.Submit(bytes.Repeat([]byte{1}, 129), "validator")
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	// Rejected synchronously: nothing was queued, nothing reached the pool.
	require.Equal(t, 0, svc.QueueDepth("validator"))
	_, _, rejected, _ := collector.snapshot()
	require.Equal(t, 1, rejected[ReasonOversized])
}

func TestSubmitRejectsUnknownDestination(t *testing.T) {
	srv := startSink(t)
	svc := newService(t, serviceConfig(srv.listener.Addr().String()), nil)

	err := svc.Submit([]byte("tx"), "phantom")
	require.ErrorIs(t, err, ErrNoDestination)
}

func TestRetryBoundExact(t *testing.T) {
	// No listener: every dial times out, every attempt is transient.
	cfg := serviceConfig("127.0.0.1:9")
	cfg.Transport.HandshakeTimeout.Duration = 50 * time.Millisecond
	collector := newRecordingCollector()
	svc := newService(t, cfg, collector)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	out, err := svc.SubmitWait(waitCtx, []byte("doomed"), "validator")
	require.NoError(t, err)
	require.Equal(t, StatusDropped, out.Status)
	require.Equal(t, ReasonRetriesExhausted, out.Reason)
	require.Equal(t, cfg.Retry.MaxAttempts, out.Attempts)

	cancel()
	require.NoError(t, <-done)

	_, dropped, _, retried := collector.snapshot()
	require.Equal(t, 1, dropped[ReasonRetriesExhausted])
	require.Equal(t, cfg.Retry.MaxAttempts-1, retried)
}

func TestQueueOverflowShedsOldest(t *testing.T) {
	// Workers not running, so submissions pile up in the queue.
	srv := startSink(t)
	cfg := serviceConfig(srv.listener.Addr().String())
	cfg.Queue.Capacity = 3
	collector := newRecordingCollector()
	svc := newService(t, cfg, collector)

	notify := make(chan Outcome, 1)
	require.NoError(t, svc.submit([]byte("oldest"), "validator", notify))
	for i := 0; i < 4; i++ {
		require.NoError(t, svc.Submit([]byte{byte(i)}, "validator"))
	}

	require.Equal(t, 3, svc.QueueDepth("validator"))

	select {
	case out := <-notify:
		require.Equal(t, StatusDropped, out.Status)
		require.Equal(t, ReasonQueueOverflow, out.Reason)
	case <-time.After(time.Second):
		t.Fatalf("expected shed outcome for the oldest request")
	}

	// 5 submitted: 3 still queued, 2 shed; everything is accounted for.
	_, dropped, _, _ := collector.snapshot()
	require.Equal(t, 2, dropped[ReasonQueueOverflow])
	require.Equal(t, 5, svc.QueueDepth("validator")+dropped[ReasonQueueOverflow])
}

func TestQueueRejectPolicyReturnsError(t *testing.T) {
	srv := startSink(t)
	cfg := serviceConfig(srv.listener.Addr().String())
	cfg.Queue.Capacity = 1
	cfg.Queue.Policy = config.QueueReject
	collector := newRecordingCollector()
	svc := newService(t, cfg, collector)

	require.NoError(t, svc.Submit([]byte("a"), "validator"))
	err := svc.Submit([]byte("b"), "validator")
	require.ErrorIs(t, err, ErrQueueFull)

	_, _, rejected, _ := collector.snapshot()
	require.Equal(t, 1, rejected[ReasonQueueFull])
}

func TestShutdownDrainsQueuedAsDropped(t *testing.T) {
	srv := startSink(t)
	cfg := serviceConfig(srv.listener.Addr().String())
	collector := newRecordingCollector()
	svc := newService(t, cfg, collector)

	// Enqueue before starting, then start with an already-cancelled context:
	// queued requests must terminate with a shutdown outcome, not vanish.
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Submit([]byte{byte(i)}, "validator"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, svc.Run(ctx))

	_, dropped, _, _ := collector.snapshot()
	require.Equal(t, 3, dropped[ReasonShutdown])
	require.ErrorIs(t, svc.Submit([]byte("late"), "validator"), ErrShuttingDown)
}

func TestSubmitAllFansOut(t *testing.T) {
	srv := startSink(t)
	cfg := serviceConfig(srv.listener.Addr().String())
	cfg.Destinations = append(cfg.Destinations, config.DestinationConfig{
		Name:    "validator-2",
		Address: srv.listener.Addr().String(),
		Stake:   config.Stake{Decimal: decimal.NewFromInt(50)},
	})
	svc := newService(t, cfg, nil)

	accepted, err := svc.SubmitAll([]byte("broadcast"))
	require.NoError(t, err)
	require.Equal(t, 2, accepted)
	require.Equal(t, 1, svc.QueueDepth("validator"))
	require.Equal(t, 1, svc.QueueDepth("validator-2"))
}
