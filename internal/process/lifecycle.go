package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Start launches the engine and waits until it announces its port.
//
// ctx bounds only the startup; the engine keeps running after Start returns
// until Stop is called or it exits on its own. On any startup failure the
// process is killed before Start returns.
func Start(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Path == "" {
		return nil, errors.New("engine path is empty")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PIDFunc == nil {
		cfg.PIDFunc = defaultPID
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	} else {
		cmd.Env = os.Environ()
	}

	// Set platform-specific process attributes for clean shutdown
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stderr: %w", err)
	}
	// The engine exits when its stdin reaches EOF, so it cannot outlive us
	// even if we are killed without a chance to call Stop.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine %s: %w", cfg.Path, err)
	}

	e := &Engine{
		cmd:             cmd,
		stdin:           stdin,
		owner:           cfg.PIDFunc(),
		pidFn:           cfg.PIDFunc,
		logger:          cfg.Logger.With(zap.Int("engine_pid", cmd.Process.Pid)),
		gracefulTimeout: cfg.GracefulTimeout,
		done:            make(chan struct{}),
	}
	e.setState(StateStarting)

	// Non-fatal: without a job object the engine still runs, children just
	// are not tracked.
	if err := e.setupJob(); err != nil {
		e.logger.Debug("engine job object unavailable", zap.Error(err))
	}

	portc := make(chan int, 1)
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		e.scanStdout(stdout, portc)
	}()
	go func() {
		defer readers.Done()
		e.scanStderr(stderr)
	}()
	go e.wait(&readers)

	timer := time.NewTimer(cfg.StartTimeout)
	defer timer.Stop()

	select {
	case port := <-portc:
		e.port = port
		e.setState(StateRunning)
		e.logger.Debug("engine started", zap.Int("port", port))
		return e, nil
	case <-e.done:
		return nil, e.exitError()
	case <-timer.C:
		e.forceKill()
		return nil, fmt.Errorf("%w after %s", ErrStartTimeout, cfg.StartTimeout)
	case <-ctx.Done():
		e.forceKill()
		return nil, ctx.Err()
	}
}

// scanStdout forwards the first port announcement and drains the rest.
func (e *Engine) scanStdout(r io.Reader, portc chan<- int) {
	sc := bufio.NewScanner(r)
	announced := false
	for sc.Scan() {
		line := sc.Text()
		if !announced {
			if port := parsePort(line); port > 0 {
				announced = true
				portc <- port
				continue
			}
		}
		e.logger.Debug("engine stdout", zap.String("line", line))
	}
}

func (e *Engine) scanStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		e.appendStderr(line)
		e.logger.Debug("engine stderr", zap.String("line", line))
	}
}

// wait reaps the process once its output pipes are drained.
func (e *Engine) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := e.cmd.Wait()

	e.cleanupJob()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			e.exitCode.Store(int32(exitErr.ExitCode()))
		} else {
			e.exitCode.Store(-1)
		}
		if e.State() != StateStopping {
			e.setState(StateFailed)
		} else {
			e.setState(StateStopped)
		}
	} else {
		e.exitCode.Store(0)
		e.setState(StateStopped)
	}
	e.logger.Debug("engine exited", zap.Int("exit_code", e.ExitCode()))

	close(e.done)
}

// Stop terminates the engine gracefully, falling back to a forced kill.
//
// Stop is a no-op when called from any process other than the one that
// started the engine, so a forked child never tears down its parent's
// engine.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.IsOwner() {
		e.logger.Debug("not stopping engine owned by another process",
			zap.Int("owner_pid", e.owner), zap.Int("pid", e.pidFn()))
		return nil
	}

	select {
	case <-e.done:
		return nil
	default:
	}

	if !e.compareAndSwapState(StateRunning, StateStopping) {
		if e.State() == StateStopping {
			select {
			case <-e.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-e.done:
			return nil
		default:
		}
		return fmt.Errorf("%w: cannot stop engine (state: %s)", ErrInvalidState, e.State())
	}

	_ = e.stdin.Close()

	select {
	case <-ctx.Done():
		// Context already cancelled, skip graceful shutdown
		return e.forceKill()
	default:
	}

	if err := signalTerm(e.PID()); err != nil && !isNoSuchProcess(err) {
		e.logger.Debug("graceful signal failed", zap.Error(err))
	}

	timer := time.NewTimer(e.gracefulTimeout)
	defer timer.Stop()

	select {
	case <-e.done:
		return nil
	case <-timer.C:
		return e.forceKill()
	case <-ctx.Done():
		return e.forceKill()
	}
}

// forceKill kills the engine and its children and waits briefly for exit.
func (e *Engine) forceKill() error {
	if e.cmd == nil || e.cmd.Process == nil {
		return nil
	}
	if err := signalKill(e.PID()); err != nil && !isNoSuchProcess(err) {
		return fmt.Errorf("failed to kill engine: %w", err)
	}

	select {
	case <-e.done:
	case <-time.After(2 * time.Second):
		e.logger.Warn("engine did not exit after kill")
	}
	return nil
}
