package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Request is a command as received by the engine.
type Request struct {
	Name string
	Args []string
}

// Arg returns the i'th argument, or "" when it was omitted.
func (r *Request) Arg(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}
	return r.Args[i]
}

// Parser reads commands on the engine side of a connection.
//
// Format:
//
//	NAME\n
//	ARG\n ... (zero or more)
//	\n
type Parser struct {
	reader *bufio.Reader
}

// NewParser creates a new protocol parser.
func NewParser(r io.Reader) *Parser {
	return &Parser{
		reader: bufio.NewReader(r),
	}
}

// ErrUnknownCommand indicates a command name the engine does not handle.
type ErrUnknownCommand struct {
	Name string
}

func (e *ErrUnknownCommand) Error() string {
	return "unknown command: " + e.Name
}

// ParseCommand reads the next command. Blank lines before a command name are
// skipped. io.EOF is returned when the peer closes cleanly between commands;
// io.ErrUnexpectedEOF when it closes in the middle of one.
//
// The command is returned even when its name is unknown, together with an
// *ErrUnknownCommand, so the caller can answer with an error response and keep
// serving.
func (p *Parser) ParseCommand() (*Request, error) {
	var name string
	for {
		line, err := p.readLine()
		if err != nil {
			return nil, err
		}
		if line != "" {
			name = line
			break
		}
	}

	req := &Request{Name: name}
	for {
		line, err := p.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("reading arguments of %s: %w", name, io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		if line == "" {
			break
		}
		req.Args = append(req.Args, line)
	}

	if !IsKnownCommand(name) {
		return req, &ErrUnknownCommand{Name: name}
	}
	return req, nil
}

func (p *Parser) readLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}
