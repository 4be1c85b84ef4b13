/*
The transporter package abstracts the wire under a connection: something that
can carry request envelopes toward a backend and surface the response
envelopes coming back. The behavior consumes any Transporter; the websocket
subpackage provides the production implementation and tests substitute mocks.
*/
package transporter

import (
	"context"

	"github.com/oplinkoms/controller/connection/backendinfo"
	"github.com/oplinkoms/controller/connection/envelope"
)

type Transporter interface {
	// SendEnvelope transmits one request envelope
	SendEnvelope(request *envelope.RequestEnvelope) error

	// Inbound delivers decoded response envelopes
	Inbound() <-chan *envelope.ResponseEnvelope

	// Close tears the transport down with a reason for the logs
	Close(reason error)

	// Done reports transport death; Err carries why
	Done() <-chan struct{}
	Err() error
}

// Dialer opens a transport to a resolved backend.
type Dialer interface {
	Dial(ctx context.Context, backend *backendinfo.BackendInfo) (Transporter, error)
}
