package protocol

import (
	"strconv"
	"strings"
)

// Status lines.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// DefaultMaxPayload bounds the payload length a Reader accepts.
const DefaultMaxPayload = 256 << 20

// LineReader is the read half of an engine connection.
type LineReader interface {
	// ReadLine returns the next line without its terminator.
	ReadLine() (string, error)
	// ReadBytes returns exactly n bytes or an error.
	ReadBytes(n int) ([]byte, error)
}

// Response is a successful reply. An empty payload is a valid result.
type Response struct {
	Command string
	Payload []byte
}

// String returns the payload as text.
func (r *Response) String() string {
	return string(r.Payload)
}

type readState int

const (
	awaitStatus readState = iota
	awaitLength
	awaitBody
	done
	failed
)

func (s readState) String() string {
	switch s {
	case awaitStatus:
		return "status"
	case awaitLength:
		return "length"
	case awaitBody:
		return "body"
	case done:
		return "done"
	case failed:
		return "failed"
	}
	return "unknown"
}

// Reader decodes responses from an engine connection.
type Reader struct {
	r          LineReader
	maxPayload int
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMaxPayload sets the largest payload length the reader accepts.
func WithMaxPayload(n int) ReaderOption {
	return func(r *Reader) {
		r.maxPayload = n
	}
}

// NewReader creates a response reader.
func NewReader(r LineReader, opts ...ReaderOption) *Reader {
	rd := &Reader{r: r, maxPayload: DefaultMaxPayload}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// ReadResponse reads one complete response for command.
//
// Errors:
//   - ErrConnectionLost (wrapped with its cause) when any read fails
//   - *ProtocolViolation for an unknown status, a malformed length or an
//     oversized payload
//   - *RemoteError when the engine reported a failure
func (r *Reader) ReadResponse(command string) (*Response, error) {
	var (
		state   = awaitStatus
		success bool
		length  int
		payload []byte
	)

	for {
		switch state {
		case awaitStatus:
			line, err := r.r.ReadLine()
			if err != nil {
				return nil, connectionLost(state.String(), err)
			}
			line = strings.TrimSuffix(line, "\r")
			switch line {
			case StatusOK:
				success = true
			case StatusError:
				success = false
			default:
				return nil, &ProtocolViolation{Command: command, Stage: state.String(), Line: line, Reason: "unknown status"}
			}
			state = awaitLength

		case awaitLength:
			line, err := r.r.ReadLine()
			if err != nil {
				return nil, connectionLost(state.String(), err)
			}
			line = strings.TrimSuffix(line, "\r")
			n, err := parseLength(line)
			if err != nil {
				return nil, &ProtocolViolation{Command: command, Stage: state.String(), Line: line, Reason: err.Error()}
			}
			if n > r.maxPayload {
				return nil, &ProtocolViolation{Command: command, Stage: state.String(), Line: line, Reason: "payload exceeds limit of " + strconv.Itoa(r.maxPayload)}
			}
			length = n
			if length == 0 {
				state = done
			} else {
				state = awaitBody
			}

		case awaitBody:
			b, err := r.r.ReadBytes(length)
			if err != nil {
				return nil, connectionLost(state.String(), err)
			}
			if len(b) != length {
				return nil, connectionLost(state.String(), errShortRead(len(b), length))
			}
			payload = b
			state = done

		case done:
			if !success {
				state = failed
				continue
			}
			if payload == nil {
				payload = []byte{}
			}
			return &Response{Command: command, Payload: payload}, nil

		case failed:
			return nil, decodeRemoteError(command, payload)
		}
	}
}

// parseLength accepts only plain non-negative decimal numbers.
func parseLength(line string) (int, error) {
	if line == "" {
		return 0, errEmptyLength
	}
	for i := 0; i < len(line); i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, errNotDecimal
		}
	}
	n, err := strconv.Atoi(line)
	if err != nil {
		return 0, errLengthRange
	}
	return n, nil
}

type lengthError string

func (e lengthError) Error() string { return string(e) }

const (
	errEmptyLength lengthError = "empty length"
	errNotDecimal  lengthError = "length is not a decimal number"
	errLengthRange lengthError = "length out of range"
)

type shortReadError struct {
	got, want int
}

func (e *shortReadError) Error() string {
	return "short read: got " + strconv.Itoa(e.got) + " of " + strconv.Itoa(e.want) + " bytes"
}

func errShortRead(got, want int) error {
	return &shortReadError{got: got, want: want}
}
