// Package protocol defines the line-oriented wire protocol spoken between
// the browser client and the headless engine.
//
// A command is the operation name on its own line, one line per argument,
// and a blank line terminating the argument list:
//
//	Visit
//	http://example.org/
//
// A response is a status line, a decimal payload length and exactly that
// many payload bytes:
//
//	ok
//	11
//	<html></html>
//
// A length of 0 is an empty payload and nothing follows it. Failures use the
// status "error" with the same framing; the payload is either a JSON object
// {"class": ..., "message": ...} or a bare message.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Command names understood by the engine.
const (
	CmdVisit               = "Visit"
	CmdCurrentURL          = "CurrentUrl"
	CmdRequestedURL        = "RequestedUrl"
	CmdBody                = "Body"
	CmdSource              = "Source"
	CmdTitle               = "Title"
	CmdStatus              = "Status"
	CmdHeaders             = "Headers"
	CmdExecute             = "Execute"
	CmdEvaluate            = "Evaluate"
	CmdFind                = "Find"
	CmdNode                = "Node"
	CmdIgnoreSSLErrors     = "IgnoreSslErrors"
	CmdSetSkipImageLoading = "SetSkipImageLoading"
	CmdAuthenticate        = "Authenticate"
	CmdSetProxy            = "SetProxy"
	CmdClearProxy          = "ClearProxy"
	CmdReset               = "Reset"
)

// KnownCommands lists every command name the engine accepts.
var KnownCommands = []string{
	CmdVisit, CmdCurrentURL, CmdRequestedURL, CmdBody, CmdSource, CmdTitle,
	CmdStatus, CmdHeaders, CmdExecute, CmdEvaluate, CmdFind, CmdNode,
	CmdIgnoreSSLErrors, CmdSetSkipImageLoading, CmdAuthenticate,
	CmdSetProxy, CmdClearProxy, CmdReset,
}

// IsKnownCommand checks if name is a command the engine accepts.
func IsKnownCommand(name string) bool {
	switch name {
	case CmdVisit, CmdCurrentURL, CmdRequestedURL, CmdBody, CmdSource, CmdTitle,
		CmdStatus, CmdHeaders, CmdExecute, CmdEvaluate, CmdFind, CmdNode,
		CmdIgnoreSSLErrors, CmdSetSkipImageLoading, CmdAuthenticate,
		CmdSetProxy, CmdClearProxy, CmdReset:
		return true
	}
	return false
}

// Command is one encoded request. It is immutable once built.
type Command struct {
	name string
	args []string
}

// NewCommand builds a command from an operation name and its arguments.
// Arguments may be strings, booleans (rendered "true"/"false"), integers
// (rendered in decimal) or fmt.Stringer values.
//
// The name and every argument are validated before anything can be written:
// none may contain a line break and no argument may be empty, since an empty
// line terminates the argument list.
func NewCommand(name string, args ...any) (*Command, error) {
	if name == "" {
		return nil, &InvalidArgumentError{Command: name, Index: -1, Reason: "empty command name"}
	}
	if strings.ContainsAny(name, "\r\n") {
		return nil, &InvalidArgumentError{Command: name, Index: -1, Reason: "line break in command name"}
	}

	cmd := &Command{name: name, args: make([]string, 0, len(args))}
	for i, arg := range args {
		s, err := formatArg(arg)
		if err != nil {
			return nil, &InvalidArgumentError{Command: name, Index: i, Reason: err.Error()}
		}
		if s == "" {
			return nil, &InvalidArgumentError{Command: name, Index: i, Reason: "empty argument"}
		}
		if strings.ContainsAny(s, "\r\n") {
			return nil, &InvalidArgumentError{Command: name, Index: i, Reason: "line break in argument"}
		}
		cmd.args = append(cmd.args, s)
	}
	return cmd, nil
}

func formatArg(arg any) (string, error) {
	switch v := arg.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("unsupported argument type %T", arg)
	}
}

// Name returns the operation name.
func (c *Command) Name() string {
	return c.name
}

// Args returns a copy of the encoded arguments.
func (c *Command) Args() []string {
	out := make([]string, len(c.args))
	copy(out, c.args)
	return out
}

// Lines returns the command as the sequence of lines sent on the wire,
// ending with the blank terminator line.
func (c *Command) Lines() []string {
	lines := make([]string, 0, len(c.args)+2)
	lines = append(lines, c.name)
	lines = append(lines, c.args...)
	lines = append(lines, "")
	return lines
}

// Encode formats the command for transmission.
func (c *Command) Encode() []byte {
	var b strings.Builder
	for _, line := range c.Lines() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// String returns the command name and argument count, for logs.
func (c *Command) String() string {
	return fmt.Sprintf("%s(%d args)", c.name, len(c.args))
}

// LineWriter is the write half of an engine connection.
type LineWriter interface {
	SendLine(line string) error
}

// Writer writes commands to an engine connection.
type Writer struct {
	w LineWriter
}

// NewWriter creates a new command writer.
func NewWriter(w LineWriter) *Writer {
	return &Writer{w: w}
}

// WriteCommand writes every line of cmd, terminator included.
func (w *Writer) WriteCommand(cmd *Command) error {
	for _, line := range cmd.Lines() {
		if err := w.w.SendLine(line); err != nil {
			return err
		}
	}
	return nil
}
