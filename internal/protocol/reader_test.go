package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
)

// bufLineReader adapts a string to LineReader the way a socket does.
type bufLineReader struct {
	r *bufio.Reader
}

func newBufLineReader(s string) *bufLineReader {
	return &bufLineReader{r: bufio.NewReader(strings.NewReader(s))}
}

func (b *bufLineReader) ReadLine() (string, error) {
	line, err := b.r.ReadString('\n')
	if err != nil {
		if line == "" {
			return "", err
		}
		return "", io.ErrUnexpectedEOF
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func (b *bufLineReader) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(b.r, buf)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func TestReadResponse_Success(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "text payload", input: "ok\n5\nhello", want: "hello"},
		{name: "empty payload", input: "ok\n0\n", want: ""},
		{name: "payload with newlines", input: "ok\n7\na\nb\n\nc\n", want: "a\nb\n\nc\n"},
		{name: "crlf status and length", input: "ok\r\n2\r\nhi", want: "hi"},
		{name: "multibyte payload counts bytes", input: "ok\n7\nD'oh!é", want: "D'oh!é"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewReader(newBufLineReader(tt.input)).ReadResponse(CmdBody)
			if err != nil {
				t.Fatalf("ReadResponse() error = %v", err)
			}
			if resp.String() != tt.want {
				t.Errorf("payload = %q, want %q", resp.String(), tt.want)
			}
			if resp.Payload == nil {
				t.Error("payload is nil, want non-nil")
			}
		})
	}
}

func TestReadResponse_ZeroLengthDoesNotReadBody(t *testing.T) {
	// The next response must still be readable after an empty one.
	r := NewReader(newBufLineReader("ok\n0\nok\n3\nabc"))

	first, err := r.ReadResponse(CmdExecute)
	if err != nil {
		t.Fatalf("first ReadResponse() error = %v", err)
	}
	if len(first.Payload) != 0 {
		t.Errorf("first payload = %q, want empty", first.Payload)
	}

	second, err := r.ReadResponse(CmdBody)
	if err != nil {
		t.Fatalf("second ReadResponse() error = %v", err)
	}
	if second.String() != "abc" {
		t.Errorf("second payload = %q, want abc", second.Payload)
	}
}

func TestReadResponse_RemoteError(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantClass string
		wantMsg   string
	}{
		{
			name:      "structured",
			input:     structuredError(ClassNodeNotAttached, "node is gone"),
			wantClass: ClassNodeNotAttached,
			wantMsg:   "node is gone",
		},
		{
			name:    "raw message",
			input:   "error\n13\nsomething bad",
			wantMsg: "something bad",
		},
		{
			name:    "json without message is raw",
			input:   "error\n2\n{}",
			wantMsg: "{}",
		},
		{
			name:    "empty payload",
			input:   "error\n0\n",
			wantMsg: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(newBufLineReader(tt.input)).ReadResponse(CmdNode)
			var remote *RemoteError
			if !errors.As(err, &remote) {
				t.Fatalf("ReadResponse() error = %v, want *RemoteError", err)
			}
			if remote.Command != CmdNode {
				t.Errorf("Command = %q, want %q", remote.Command, CmdNode)
			}
			if remote.Class != tt.wantClass {
				t.Errorf("Class = %q, want %q", remote.Class, tt.wantClass)
			}
			if remote.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", remote.Message, tt.wantMsg)
			}
		})
	}
}

func structuredError(class, msg string) string {
	return string(FormatError(class, msg))
}

func TestReadResponse_ProtocolViolation(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantStage string
	}{
		{name: "unknown status", input: "OK\n0\n", wantStage: "status"},
		{name: "garbage status", input: "<html>\n", wantStage: "status"},
		{name: "non numeric length", input: "ok\nabc\n", wantStage: "length"},
		{name: "negative length", input: "ok\n-1\n", wantStage: "length"},
		{name: "signed length", input: "ok\n+5\nhello", wantStage: "length"},
		{name: "empty length", input: "ok\n\n", wantStage: "length"},
		{name: "length overflow", input: "ok\n99999999999999999999999\n", wantStage: "length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(newBufLineReader(tt.input)).ReadResponse(CmdBody)
			var pv *ProtocolViolation
			if !errors.As(err, &pv) {
				t.Fatalf("ReadResponse() error = %v, want *ProtocolViolation", err)
			}
			if pv.Stage != tt.wantStage {
				t.Errorf("Stage = %q, want %q", pv.Stage, tt.wantStage)
			}
			if errors.Is(err, ErrConnectionLost) {
				t.Error("protocol violation must not be reported as connection lost")
			}
		})
	}
}

func TestReadResponse_MaxPayload(t *testing.T) {
	_, err := NewReader(newBufLineReader("ok\n10\n0123456789"), WithMaxPayload(4)).ReadResponse(CmdSource)
	var pv *ProtocolViolation
	if !errors.As(err, &pv) {
		t.Fatalf("ReadResponse() error = %v, want *ProtocolViolation", err)
	}
}

func TestReadResponse_ConnectionLost(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "closed before status", input: ""},
		{name: "closed mid status", input: "o"},
		{name: "closed before length", input: "ok\n"},
		{name: "closed mid payload", input: "ok\n10\nshort"},
		{name: "closed before error payload", input: "error\n4\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewReader(newBufLineReader(tt.input)).ReadResponse(CmdBody)
			if resp != nil {
				t.Errorf("ReadResponse() returned partial response %q", resp.Payload)
			}
			if !errors.Is(err, ErrConnectionLost) {
				t.Fatalf("ReadResponse() error = %v, want ErrConnectionLost", err)
			}
		})
	}
}

func TestReadResponse_ConnectionLostKeepsCause(t *testing.T) {
	_, err := NewReader(newBufLineReader("ok\n10\nshort")).ReadResponse(CmdBody)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("error %v does not wrap io.ErrUnexpectedEOF", err)
	}
}
