// Package forward writes transaction payloads onto QUIC streams. One payload
// per unidirectional stream, full write, then FIN; the protocol is
// fire-and-forget, so success means the transport accepted the bytes, never
// that the validator executed anything.
package forward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/helius-labs/lite-txn-sender/config"
	"github.com/helius-labs/lite-txn-sender/pool"
)

// Class buckets a forwarding outcome for the retry coordinator.
type Class int

const (
	// ClassSuccess means the payload was handed to the transport.
	ClassSuccess Class = iota
	// ClassTransientStream covers stream-open refusals; the connection is
	// probably still fine and the attempt can retry on it.
	ClassTransientStream
	// ClassTransientConn covers mid-stream write failures and timeouts; the
	// connection is suspect and should be evicted before retrying.
	ClassTransientConn
	// ClassPermanent covers failures no retry can fix.
	ClassPermanent
)

// ErrPayloadTooLarge is returned before any network operation when a payload
// exceeds the configured maximum.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Classify maps a Forward error to its class. A nil error is success.
// Unrecognised errors are treated as connection-level transient, the safe
// default: the connection gets evicted and the payload retried fresh.
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, ErrPayloadTooLarge) || errors.Is(err, pool.ErrUnknownDestination) {
		return ClassPermanent
	}
	if errors.Is(err, pool.ErrDialThrottled) {
		return ClassTransientStream
	}
	return ClassTransientConn
}

// Forwarder writes payloads to pooled connections.
type Forwarder struct {
	maxPayload int
	timeout    time.Duration
	log        zerolog.Logger
}

// New builds a forwarder from the transport tunables.
func New(cfg *config.Config, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		maxPayload: cfg.Transport.MaxPayloadSize,
		timeout:    cfg.Transport.StreamTimeout.Duration,
		log:        logger.With().Str("component", "forward").Logger(),
	}
}

// Forward sends one payload as the entire body of a new unidirectional
// stream on the handle. Both the stream open and the write are bounded by
// the stream timeout.
func (f *Forwarder) Forward(ctx context.Context, h *pool.Handle, payload []byte) error {
	if len(payload) > f.maxPayload {
		return &classifiedError{
			class: ClassPermanent,
			err:   fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), f.maxPayload),
		}
	}

	openCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	stream, err := h.Conn().OpenUniStreamSync(openCtx)
	if err != nil {
		return &classifiedError{
			class: ClassTransientStream,
			err:   fmt.Errorf("open stream to %s: %w", h.Destination(), err),
		}
	}

	_ = stream.SetWriteDeadline(time.Now().Add(f.timeout))
	if _, err := stream.Write(payload); err != nil {
		stream.CancelWrite(0)
		f.log.Debug().Str("destination", h.Destination()).Err(err).Msg("stream write failed")
		return &classifiedError{
			class: ClassTransientConn,
			err:   fmt.Errorf("write %d bytes to %s: %w", len(payload), h.Destination(), err),
		}
	}
	if err := stream.Close(); err != nil {
		return &classifiedError{
			class: ClassTransientConn,
			err:   fmt.Errorf("finish stream to %s: %w", h.Destination(), err),
		}
	}
	return nil
}
