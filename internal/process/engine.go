// Package process supervises the headless engine's operating-system process.
//
// The engine is started with its own process group, announces its listening
// port on stdout with a line such as
//
//	wkdrive engine listening on port: 40123
//
// and is stopped with a graceful signal followed by a forced kill. Only the
// process that started the engine may stop it: a forked child sharing the
// Engine value sees Stop as a no-op.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStartTimeout is returned when the engine does not announce its port
	// within Config.StartTimeout.
	ErrStartTimeout = errors.New("engine did not announce its port in time")
	// ErrExitedEarly is returned when the engine exits before announcing its port.
	ErrExitedEarly = errors.New("engine exited before announcing its port")
	// ErrInvalidState is returned when an operation is invalid for the current state.
	ErrInvalidState = errors.New("invalid engine state for operation")
)

// portPattern matches the engine's startup announcement.
var portPattern = regexp.MustCompile(`listening on port: (\d+)`)

// State is the supervisor's view of the engine process.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Config describes how to launch the engine.
type Config struct {
	// Path is the engine executable.
	Path string
	// Args are passed to the engine verbatim.
	Args []string
	// Env replaces the inherited environment when non-empty.
	Env []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// StartTimeout bounds the wait for the port announcement.
	StartTimeout time.Duration
	// GracefulTimeout is how long Stop waits after the graceful signal.
	GracefulTimeout time.Duration
	// Logger receives engine stderr at debug level.
	Logger *zap.Logger
	// PIDFunc reports the current process id. Defaults to os.Getpid.
	PIDFunc func() int
}

// DefaultConfig returns a Config with the standard timeouts.
func DefaultConfig(path string, args ...string) Config {
	return Config{
		Path:            path,
		Args:            args,
		StartTimeout:    10 * time.Second,
		GracefulTimeout: 5 * time.Second,
	}
}

// Engine is a running engine process.
type Engine struct {
	cmd    *exec.Cmd
	stdin  interface{ Close() error }
	port   int
	owner  int
	pidFn  func() int
	logger *zap.Logger

	gracefulTimeout time.Duration

	state    atomic.Int32
	exitCode atomic.Int32
	done     chan struct{}

	stderrMu   sync.Mutex
	stderrTail []string

	job jobHandle
}

const stderrTailLines = 20

// Port returns the port the engine announced.
func (e *Engine) Port() int {
	return e.port
}

// Addr returns the engine's loopback address.
func (e *Engine) Addr() string {
	return "127.0.0.1:" + strconv.Itoa(e.port)
}

// PID returns the engine's process id.
func (e *Engine) PID() int {
	if e.cmd == nil || e.cmd.Process == nil {
		return 0
	}
	return e.cmd.Process.Pid
}

// OwnerPID returns the id of the process that started the engine.
func (e *Engine) OwnerPID() int {
	return e.owner
}

// IsOwner reports whether the calling process started the engine.
func (e *Engine) IsOwner() bool {
	return e.pidFn() == e.owner
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) compareAndSwapState(from, to State) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Alive reports whether the engine process is still running.
func (e *Engine) Alive() bool {
	select {
	case <-e.done:
		return false
	default:
		return isProcessAlive(e.PID())
	}
}

// Done is closed when the engine process has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// ExitCode returns the exit code once Done is closed, -1 for a signal.
func (e *Engine) ExitCode() int {
	return int(e.exitCode.Load())
}

// Stderr returns the most recent lines the engine wrote to stderr.
func (e *Engine) Stderr() string {
	e.stderrMu.Lock()
	defer e.stderrMu.Unlock()
	return strings.Join(e.stderrTail, "\n")
}

func (e *Engine) appendStderr(line string) {
	e.stderrMu.Lock()
	defer e.stderrMu.Unlock()
	if len(e.stderrTail) == stderrTailLines {
		copy(e.stderrTail, e.stderrTail[1:])
		e.stderrTail = e.stderrTail[:stderrTailLines-1]
	}
	e.stderrTail = append(e.stderrTail, line)
}

// parsePort extracts the port from an announcement line. Returns 0 if the
// line is not an announcement.
func parsePort(line string) int {
	m := portPattern.FindStringSubmatch(line)
	if len(m) < 2 {
		return 0
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port <= 0 || port > 65535 {
		return 0
	}
	return port
}

func (e *Engine) exitError() error {
	msg := fmt.Sprintf("%v (exit code %d)", ErrExitedEarly, e.ExitCode())
	if tail := e.Stderr(); tail != "" {
		msg += ": " + tail
	}
	return &exitError{msg: msg}
}

type exitError struct{ msg string }

func (e *exitError) Error() string        { return e.msg }
func (e *exitError) Is(target error) bool { return target == ErrExitedEarly }

func defaultPID() int { return os.Getpid() }
