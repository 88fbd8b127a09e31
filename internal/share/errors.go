package share

import "errors"

var (
	// ErrSessionBusy is returned when a transfer in the requested direction
	// is already in progress. Callers surface it immediately; no retry.
	ErrSessionBusy = errors.New("session busy")

	// ErrOfferRejected marks a transfer the peer declined. It is a normal
	// outcome, not a protocol failure.
	ErrOfferRejected = errors.New("offer rejected")

	// ErrSizeLimit marks an offer that exceeds the receiver's limits.
	ErrSizeLimit = errors.New("size limit exceeded")

	// ErrUnknownOffer is returned by Decide for an offer id that is not
	// currently awaiting a decision.
	ErrUnknownOffer = errors.New("unknown offer")

	// ErrProtocol marks an unexpected frame type or malformed payload.
	// The connection is aborted immediately.
	ErrProtocol = errors.New("transfer protocol violation")

	// ErrMalformedBeacon marks an undecodable discovery datagram. The
	// datagram is dropped; the discovery service keeps running.
	ErrMalformedBeacon = errors.New("malformed beacon")

	// ErrFrameTooLarge marks a frame whose declared length exceeds the
	// maximum. Treated like ErrProtocol: the connection is aborted.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)
