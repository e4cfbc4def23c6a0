package sender

import "errors"

// Status is the terminal state of a forward request. Every submitted request
// reaches exactly one of these; nothing is lost without a countable outcome.
type Status int

const (
	// StatusSucceeded means the payload was handed to the transport.
	StatusSucceeded Status = iota
	// StatusDropped means the request was shed; Outcome.Reason says why.
	StatusDropped
)

// Drop and rejection reason codes.
const (
	ReasonOversized        = "oversized"
	ReasonNoDestination    = "no_destination"
	ReasonQueueOverflow    = "queue_overflow"
	ReasonQueueFull        = "queue_full"
	ReasonSaturated        = "saturated"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonShutdown         = "shutdown"
	ReasonPermanent        = "permanent"
)

// Outcome reports how a forward request ended. Delivered through SubmitWait
// when the front-end asked for delivery status; always counted in telemetry.
type Outcome struct {
	Status      Status
	Destination string
	Reason      string
	Attempts    int
	Err         error
}

// Synchronous gateway rejections.
var (
	ErrPayloadTooLarge = errors.New("sender: payload exceeds maximum size")
	ErrNoDestination   = errors.New("sender: no such destination")
	ErrQueueFull       = errors.New("sender: inbound queue full")
	ErrShuttingDown    = errors.New("sender: shutting down")
)
