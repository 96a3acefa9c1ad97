// Package transport implements the transport contract (spec §6): the
// narrow byte-in/byte-out boundary the UDS service layer sends requests
// through and reads responses from. Every concrete transport (mock,
// ISO-TP over CAN, DoIP over TCP) implements the same interface so the
// service layer never branches on wire technology.
package transport

import (
	"context"
	"time"
)

// Transport exchanges one UDS request for its response. Implementations
// are responsible for whatever framing/segmentation their wire needs;
// callers pass and receive plain UDS service-data-unit bytes.
type Transport interface {
	// SendReceive writes request and blocks for the matching response, or
	// returns a *errors.Error of kind Timeout/Transport/Protocol. timeout
	// bounds the whole exchange, including any underlying segmentation.
	SendReceive(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error)

	// Receive blocks for the next response frame without sending a new
	// request. The UDS service layer uses this to absorb the follow-up
	// frame after a 0x78 (response pending) negative response, within the
	// extended P2* budget.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Close releases any underlying connection or device handle. Safe to
	// call more than once.
	Close() error
}
