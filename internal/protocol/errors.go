package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrConnectionLost indicates the channel to the engine closed, a read came
// up short, or a read deadline expired. The in-flight command is lost.
var ErrConnectionLost = errors.New("connection to engine lost")

// Error classes reported by the engine in structured error payloads.
const (
	ClassInvalidResponse = "InvalidResponseError"
	ClassNodeNotAttached = "NodeNotAttachedError"
	ClassJavascript      = "JavascriptError"
	ClassUnknownCommand  = "UnknownCommand"
	ClassArgument        = "ArgumentError"
)

// connectionLost wraps cause so that errors.Is matches both ErrConnectionLost
// and the underlying cause.
func connectionLost(stage string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectionLost, stage, cause)
}

// RemoteError is a failure the engine reported for a well-formed command.
type RemoteError struct {
	Command string
	Class   string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Class == "" {
		return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
	}
	return fmt.Sprintf("%s failed: %s: %s", e.Command, e.Class, e.Message)
}

// errorPayload is the structured form of an error response body.
type errorPayload struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// decodeRemoteError builds a RemoteError from an error payload. Payloads that
// are not a JSON object carrying a message are surfaced verbatim.
func decodeRemoteError(command string, payload []byte) *RemoteError {
	var ep errorPayload
	if err := json.Unmarshal(payload, &ep); err == nil && ep.Message != "" {
		return &RemoteError{Command: command, Class: ep.Class, Message: ep.Message}
	}
	return &RemoteError{Command: command, Message: string(payload)}
}

// ProtocolViolation indicates the peer sent something that is not valid
// framing: an unknown status line, a malformed length, or a payload larger
// than the reader accepts.
type ProtocolViolation struct {
	Command string
	Stage   string
	Line    string
	Reason  string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in %s response (%s): %s: %q", e.Command, e.Stage, e.Reason, e.Line)
}

// InvalidArgumentError is returned by NewCommand when a command cannot be
// encoded unambiguously. Nothing has been written when it is returned.
type InvalidArgumentError struct {
	Command string
	// Index is the argument position, or -1 for the command name.
	Index  int
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid command %q: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("invalid argument %d for %s: %s", e.Index, e.Command, e.Reason)
}
