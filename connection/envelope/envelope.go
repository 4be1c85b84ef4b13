/*
The envelope package defines the frames exchanged with a backend. A request is
wrapped in a RequestEnvelope when it is transmitted, which stamps it with the
backend session and the per-connection transmit sequence. Responses arrive as
ResponseEnvelopes and are matched back to their request by the
(sessionId, txSequence) pair.
*/
package envelope

import "encoding/json"

// Request is the caller-supplied message body handed to a connection. The
// payload is opaque to the connection layer.
type Request struct {
	MessageType string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload"`
}

// RequestEnvelope is the transmitted shell around a Request.
type RequestEnvelope struct {
	SessionId     uint64   `json:"sessionId"`
	TxSequence    uint64   `json:"txSequence"`
	SchemaVersion string   `json:"schemaVersion"`
	Request       *Request `json:"request"`
}

// ResponseEnvelope is the backend's reply shell. A response either carries a
// message body or a failure description, never both.
type ResponseEnvelope struct {
	SessionId          uint64          `json:"sessionId"`
	TxSequence         uint64          `json:"txSequence"`
	ExecutionTimeNanos int64           `json:"executionTimeNanos"`
	Message            json.RawMessage `json:"message,omitempty"`
	Failure            string          `json:"failure,omitempty"`
}

func (r *ResponseEnvelope) Failed() bool {
	return r.Failure != ""
}
