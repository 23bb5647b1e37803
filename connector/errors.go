package connector

import "errors"

var (
	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("connector config is nil")

	// ErrDialerNil indicates that a nil Dialer was provided.
	ErrDialerNil = errors.New("dialer is nil")

	// ErrCorrelatorNil indicates that a nil Correlator was provided.
	ErrCorrelatorNil = errors.New("correlator is nil")
)

var (
	// ErrNotConnected indicates that the transport is not connected and the implicit
	// reconnect attempt failed.
	ErrNotConnected = errors.New("not connected")

	// ErrConnClosed indicates that the transport was closed while the request was in flight.
	ErrConnClosed = errors.New("connection closed")

	// ErrTimeout indicates that the round trip exceeded the send timeout. The pending
	// request was evicted, a late response is discarded.
	ErrTimeout = errors.New("round trip timeout")

	// ErrRequestRejected indicates that the correlator refused the request, e.g. the
	// correlation key can't be derived from the frame.
	ErrRequestRejected = errors.New("request rejected")
)
