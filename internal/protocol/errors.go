package protocol

import "fmt"

// ProtocolError signals a malformed, oversized, or unexpected message.
// The connection that produced it must be closed; it is never propagated
// to an RPC caller.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// AuthenticationError signals bad credentials, a mismatched major version,
// or a handshake timeout. The connection is closed; the Agent surfaces
// this to its reconnect loop.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string { return "authentication error: " + e.Reason }

// RPCError is a public, method-reported failure propagated to the caller
// of RPC.Call.
type RPCError struct {
	Data any
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error: %v", e.Data) }

// RequestError is raised inside custom request handlers; the RPC layer
// converts it to an RPCError on the wire.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string { return "request error: " + e.Reason }

// InternalError wraps an unexpected handler panic/error. Expose controls
// whether Error() (and therefore the wire Response) reveals Err's text:
// the Agent exposes internal errors to the Manager, the Manager does not
// expose them to the Agent by default.
type InternalError struct {
	Err    error
	Expose bool
}

func (e *InternalError) Error() string {
	if e.Expose && e.Err != nil {
		return e.Err.Error()
	}
	return "RPC call failed"
}

func (e *InternalError) Unwrap() error { return e.Err }
