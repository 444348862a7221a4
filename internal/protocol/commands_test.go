package protocol

import (
	"errors"
	"strings"
	"testing"
)

type stringerArg string

func (s stringerArg) String() string { return string(s) }

func TestNewCommand_Encode(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		args []any
		want string
	}{
		{
			name: "no args",
			cmd:  CmdBody,
			want: "Body\n\n",
		},
		{
			name: "single string",
			cmd:  CmdVisit,
			args: []any{"http://example.org/"},
			want: "Visit\nhttp://example.org/\n\n",
		},
		{
			name: "bool and int",
			cmd:  CmdSetProxy,
			args: []any{"localhost", 8080},
			want: "SetProxy\nlocalhost\n8080\n\n",
		},
		{
			name: "bool renders lowercase",
			cmd:  CmdIgnoreSSLErrors,
			args: []any{true},
			want: "IgnoreSslErrors\ntrue\n\n",
		},
		{
			name: "stringer",
			cmd:  CmdNode,
			args: []any{"text", stringerArg("node-1")},
			want: "Node\ntext\nnode-1\n\n",
		},
		{
			name: "argument with spaces",
			cmd:  CmdExecute,
			args: []any{"document.title = 'a b'"},
			want: "Execute\ndocument.title = 'a b'\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := NewCommand(tt.cmd, tt.args...)
			if err != nil {
				t.Fatalf("NewCommand() error = %v", err)
			}
			if got := string(cmd.Encode()); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewCommand_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		cmd       string
		args      []any
		wantIndex int
	}{
		{name: "empty name", cmd: "", wantIndex: -1},
		{name: "newline in name", cmd: "Vi\nsit", wantIndex: -1},
		{name: "newline in argument", cmd: CmdExecute, args: []any{"a = 1;\nb = 2;"}, wantIndex: 0},
		{name: "carriage return in argument", cmd: CmdVisit, args: []any{"http://x/\r"}, wantIndex: 0},
		{name: "empty argument", cmd: CmdAuthenticate, args: []any{"user", ""}, wantIndex: 1},
		{name: "unsupported type", cmd: CmdVisit, args: []any{3.5}, wantIndex: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := NewCommand(tt.cmd, tt.args...)
			if cmd != nil {
				t.Errorf("NewCommand() returned command %v, want nil", cmd)
			}
			var argErr *InvalidArgumentError
			if !errors.As(err, &argErr) {
				t.Fatalf("NewCommand() error = %v, want *InvalidArgumentError", err)
			}
			if argErr.Index != tt.wantIndex {
				t.Errorf("Index = %d, want %d", argErr.Index, tt.wantIndex)
			}
		})
	}
}

type recordingLineWriter struct {
	lines  []string
	failAt int
}

func (w *recordingLineWriter) SendLine(line string) error {
	if w.failAt > 0 && len(w.lines)+1 == w.failAt {
		return errors.New("broken pipe")
	}
	w.lines = append(w.lines, line)
	return nil
}

func TestWriter_WriteCommand(t *testing.T) {
	cmd, err := NewCommand(CmdAuthenticate, "user", "secret")
	if err != nil {
		t.Fatal(err)
	}

	rec := &recordingLineWriter{}
	if err := NewWriter(rec).WriteCommand(cmd); err != nil {
		t.Fatalf("WriteCommand() error = %v", err)
	}

	want := []string{"Authenticate", "user", "secret", ""}
	if strings.Join(rec.lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", rec.lines, want)
	}
}

func TestWriter_WriteCommandStopsOnError(t *testing.T) {
	cmd, _ := NewCommand(CmdVisit, "http://example.org/")
	rec := &recordingLineWriter{failAt: 2}
	if err := NewWriter(rec).WriteCommand(cmd); err == nil {
		t.Fatal("WriteCommand() error = nil, want error")
	}
	if len(rec.lines) != 1 {
		t.Errorf("wrote %d lines before failing, want 1", len(rec.lines))
	}
}

func TestIsKnownCommand(t *testing.T) {
	for _, name := range KnownCommands {
		if !IsKnownCommand(name) {
			t.Errorf("IsKnownCommand(%q) = false", name)
		}
	}
	for _, name := range []string{"", "visit", "PING", "Render"} {
		if IsKnownCommand(name) {
			t.Errorf("IsKnownCommand(%q) = true", name)
		}
	}
}
