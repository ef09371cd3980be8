package hydradash

import (
	"errors"
	"fmt"
)

// ErrNodeNotFound is returned when an operation names a node id that is not registered.
var ErrNodeNotFound error = errors.New("node not found")

// ErrNotConnected is returned when a command or refresh targets a node that has not passed a connection test.
var ErrNotConnected error = errors.New("not connected to Hydra node")

// ErrUnreachable wraps network level failures talking to a node.
var ErrUnreachable error = errors.New("node unreachable")

// ErrTimeout is used to indicate that a request did not complete within the node's timeout.
var ErrTimeout error = errors.New("request timed out")

// ErrInvalidCommand is returned for a ClientInput with an unknown tag or a missing payload.
var ErrInvalidCommand error = errors.New("invalid command")

// ErrPhaseAnomaly marks a reported head state whose lifecycle flags are contradictory.
var ErrPhaseAnomaly error = errors.New("head phase anomaly")

// ErrStreamNotConnected is returned when sending over a stream that is not open.
var ErrStreamNotConnected error = errors.New("stream not connected")

// ErrHTTPStatus is returned when a node answers with a non-2xx status.
type ErrHTTPStatus struct {
	Node   string
	Code   int
	Status string
}

func (e *ErrHTTPStatus) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Status)
}

// ErrMalformedResponse is returned when a node's response body cannot be decoded.
type ErrMalformedResponse struct {
	Node    string
	Message string
}

func (e *ErrMalformedResponse) Error() string {
	return fmt.Sprintf("malformed response from %s: %s", e.Node, e.Message)
}

// isConnectionFailure reports whether err means the node could not be
// talked to at all, as opposed to the node rejecting a request.
func isConnectionFailure(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout)
}
