package session

import "errors"

// Session-fatal error kinds. They terminate the session and are counted in
// sessions_fail; they never propagate past the scheduler boundary.
var (
	ErrMaxRetryExceeded  = errors.New("request retransmitted N3 times with no response")
	ErrSendFailure       = errors.New("transport refused datagram")
	ErrEncodeFailure     = errors.New("failed to encode outbound message")
	ErrAllocationFailure = errors.New("failed to allocate PDN resources")
)
