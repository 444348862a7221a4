package browser

import (
	"errors"

	"github.com/standardbeagle/wkdrive/internal/metrics"
	"github.com/standardbeagle/wkdrive/internal/protocol"
)

// ErrConnectionLost is re-exported so callers need only this package.
var ErrConnectionLost = protocol.ErrConnectionLost

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("browser client closed")

type (
	// RemoteError is a failure reported by the engine.
	RemoteError = protocol.RemoteError
	// ProtocolViolation is malformed framing from the engine.
	ProtocolViolation = protocol.ProtocolViolation
	// InvalidArgumentError is a command that could not be encoded.
	InvalidArgumentError = protocol.InvalidArgumentError
)

// IsNodeNotAttached reports whether err is the engine rejecting a node
// handle that no longer belongs to the current document.
func IsNodeNotAttached(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Class == protocol.ClassNodeNotAttached
}

// outcome classifies err for metrics.
func outcome(err error) string {
	var (
		remote    *RemoteError
		violation *ProtocolViolation
		invalid   *InvalidArgumentError
	)
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrConnectionLost):
		return metrics.OutcomeConnectionLost
	case errors.As(err, &remote):
		return metrics.OutcomeRemoteError
	case errors.As(err, &violation):
		return metrics.OutcomeProtocolViolation
	case errors.As(err, &invalid):
		return metrics.OutcomeInvalidArgument
	default:
		return metrics.OutcomeConnectionLost
	}
}
