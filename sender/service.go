// Package sender is the forwarding pipeline: the local-facing gateway that
// accepts transaction payloads, the per-destination inbound queues, and the
// retry coordinator that walks each request through admission, connection
// acquisition and the stream write.
package sender

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/helius-labs/lite-txn-sender/admission"
	"github.com/helius-labs/lite-txn-sender/config"
	"github.com/helius-labs/lite-txn-sender/forward"
	"github.com/helius-labs/lite-txn-sender/pool"
	"github.com/helius-labs/lite-txn-sender/telemetry"
)

// Service wires the forwarding pipeline together. Submit and SubmitWait are
// the only data-plane entry points; everything downstream of them is resolved
// internally and surfaced as a terminal Outcome plus telemetry.
type Service struct {
	cfg       *config.Config
	log       zerolog.Logger
	collector telemetry.Collector
	adm       *admission.Controller
	pool      *pool.Pool
	fwd       *forward.Forwarder

	queues  map[string]*queue
	closing atomic.Bool
}

// New assembles a service from its collaborators.
func New(cfg *config.Config, adm *admission.Controller, p *pool.Pool, fwd *forward.Forwarder, logger zerolog.Logger, collector telemetry.Collector) *Service {
	if collector == nil {
		collector = telemetry.Noop()
	}
	queues := make(map[string]*queue, len(cfg.Destinations))
	for _, dest := range cfg.Destinations {
		queues[dest.Name] = newQueue(cfg.Queue.Capacity, cfg.Queue.Policy)
	}
	return &Service{
		cfg:       cfg,
		log:       logger.With().Str("component", "sender").Logger(),
		collector: collector,
		adm:       adm,
		pool:      p,
		fwd:       fwd,
		queues:    queues,
	}
}

// Submit accepts a payload for one destination. It either rejects
// synchronously (oversized payload, unknown destination, full queue under the
// reject policy, shutdown) or accepts the request into the pipeline. The
// asynchronous outcome is visible through telemetry only.
func (s *Service) Submit(payload []byte, dest string) error {
	return s.submit(payload, dest, nil)
}

// SubmitWait behaves like Submit but additionally delivers the terminal
// outcome, for front-ends that ask for delivery status.
func (s *Service) SubmitWait(ctx context.Context, payload []byte, dest string) (Outcome, error) {
	notify := make(chan Outcome, 1)
	if err := s.submit(payload, dest, notify); err != nil {
		return Outcome{}, err
	}
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case out := <-notify:
		return out, nil
	}
}

// SubmitAll fans the payload out to every configured destination. It is a
// thin loop over Submit; routing policy beyond that stays external.
func (s *Service) SubmitAll(payload []byte) (int, error) {
	accepted := 0
	var firstErr error
	for _, dest := range s.cfg.Destinations {
		if err := s.Submit(payload, dest.Name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}
	return accepted, firstErr
}

func (s *Service) submit(payload []byte, dest string, notify chan Outcome) error {
	if s.closing.Load() {
		return ErrShuttingDown
	}
	if len(payload) > s.cfg.Transport.MaxPayloadSize {
		s.collector.IncRejected(dest, ReasonOversized)
		return ErrPayloadTooLarge
	}
	q, ok := s.queues[dest]
	if !ok {
		s.collector.IncRejected(dest, ReasonNoDestination)
		return ErrNoDestination
	}

	req := &request{
		payload:  payload,
		dest:     dest,
		enqueued: time.Now(),
		notify:   notify,
	}
	shed, ok := q.push(req)
	if !ok {
		s.collector.IncRejected(dest, ReasonQueueFull)
		return ErrQueueFull
	}
	if shed != nil {
		s.drop(shed, ReasonQueueOverflow, nil)
	}
	s.collector.IncQueued(dest)
	s.collector.SetQueueDepth(dest, q.depth())
	return nil
}

// Run processes queued requests until the context ends, then drains: queued
// requests are shed with a shutdown outcome, in-flight streams get the drain
// grace, and the pool is closed. No request is retried past shutdown.
func (s *Service) Run(ctx context.Context) error {
	group, runCtx := errgroup.WithContext(ctx)
	for name, q := range s.queues {
		slots := s.workerSlots(name)
		for i := 0; i < slots; i++ {
			name, q := name, q
			group.Go(func() error {
				return s.worker(runCtx, name, q)
			})
		}
	}
	err := group.Wait()

	s.closing.Store(true)
	for name, q := range s.queues {
		for _, req := range q.drain() {
			s.drop(req, ReasonShutdown, nil)
		}
		s.collector.SetQueueDepth(name, 0)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Transport.DrainGrace.Duration)
	defer cancel()
	s.pool.Close(drainCtx)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Service) workerSlots(dest string) int {
	if s.cfg.Workers > 0 {
		return s.cfg.Workers
	}
	slots := s.adm.Quota(dest)
	if slots > 16 {
		slots = 16
	}
	if slots < 1 {
		slots = 1
	}
	return slots
}

func (s *Service) worker(ctx context.Context, dest string, q *queue) error {
	for {
		req, err := q.pop(ctx)
		if err != nil {
			return err
		}
		s.collector.SetQueueDepth(dest, q.depth())
		s.process(ctx, req)
	}
}

// process walks one request through its state machine: admitted, forwarding,
// then succeeded, retrying or dropped.
func (s *Service) process(ctx context.Context, req *request) {
	maxAttempts := s.cfg.Retry.MaxAttempts
	for {
		req.attempts++
		err := s.attempt(ctx, req)
		switch forward.Classify(err) {
		case forward.ClassSuccess:
			s.collector.IncSucceeded(req.dest)
			s.finish(req, Outcome{
				Status:      StatusSucceeded,
				Destination: req.dest,
				Attempts:    req.attempts,
			})
			return
		case forward.ClassPermanent:
			reason := ReasonPermanent
			if errors.Is(err, forward.ErrPayloadTooLarge) {
				reason = ReasonOversized
			} else if errors.Is(err, pool.ErrUnknownDestination) {
				reason = ReasonNoDestination
			}
			s.drop(req, reason, err)
			return
		default:
			// Transient; connection-level failures were already reported to
			// the pool inside attempt.
		}

		if errors.Is(err, errSaturatedTimeout) {
			s.drop(req, ReasonSaturated, err)
			return
		}
		if req.attempts >= maxAttempts {
			s.drop(req, ReasonRetriesExhausted, err)
			return
		}
		s.collector.IncRetried(req.dest)
		if !s.backoff(ctx, req.attempts) {
			s.drop(req, ReasonShutdown, ctx.Err())
			return
		}
	}
}

var errSaturatedTimeout = errors.New("sender: admission wait timed out")

// attempt performs a single admitted forward. The admission slot is always
// released before returning so quota accounting cannot leak.
func (s *Service) attempt(ctx context.Context, req *request) error {
	if err := s.awaitAdmission(ctx, req.dest); err != nil {
		return err
	}
	defer s.adm.Release(req.dest)

	h, err := s.pool.Acquire(ctx, req.dest)
	if err != nil {
		return err
	}

	err = s.fwd.Forward(ctx, h, req.payload)
	s.pool.Release(h)

	switch forward.Classify(err) {
	case forward.ClassSuccess:
		s.pool.ReportSuccess(h)
	case forward.ClassTransientStream:
		s.pool.ReportFailure(h)
	case forward.ClassTransientConn:
		// The connection is suspect after a mid-stream failure; retries go
		// to a fresh session.
		s.pool.Evict(h, pool.ReasonFailures)
	}
	return err
}

// awaitAdmission spins on the quota gate with short sleeps. Saturation is
// expected steady-state behaviour near the quota; only a prolonged stall
// becomes a shed.
func (s *Service) awaitAdmission(ctx context.Context, dest string) error {
	deadline := time.Now().Add(s.cfg.Transport.StreamTimeout.Duration)
	for {
		if s.adm.TryAdmit(dest) {
			return nil
		}
		if time.Now().After(deadline) {
			return errSaturatedTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// backoff sleeps between attempts: exponential from the base delay, capped,
// plus jitter. Returns false when the context ended instead.
func (s *Service) backoff(ctx context.Context, attempt int) bool {
	wait := s.cfg.Retry.BaseDelay.Duration << (attempt - 1)
	if limit := s.cfg.Retry.MaxDelay.Duration; wait > limit {
		wait = limit
	}
	if jitter := s.cfg.Retry.Jitter.Duration; jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(jitter)))
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Service) drop(req *request, reason string, err error) {
	s.collector.IncDropped(req.dest, reason)
	s.log.Debug().
		Str("destination", req.dest).
		Str("reason", reason).
		Int("attempts", req.attempts).
		Err(err).
		Msg("request dropped")
	s.finish(req, Outcome{
		Status:      StatusDropped,
		Destination: req.dest,
		Reason:      reason,
		Attempts:    req.attempts,
		Err:         err,
	})
}

func (s *Service) finish(req *request, out Outcome) {
	if req.notify != nil {
		req.notify <- out
	}
}

// QueueDepth reports the inbound queue occupancy for a destination.
func (s *Service) QueueDepth(dest string) int {
	q, ok := s.queues[dest]
	if !ok {
		return 0
	}
	return q.depth()
}
