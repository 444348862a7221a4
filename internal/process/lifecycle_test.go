//go:build !windows

package process

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func shellConfig(script string) Config {
	cfg := DefaultConfig("/bin/sh", "-c", script)
	cfg.StartTimeout = 5 * time.Second
	cfg.GracefulTimeout = 2 * time.Second
	return cfg
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		line string
		want int
	}{
		{"wkdrive engine listening on port: 4444", 4444},
		{"listening on port: 1", 1},
		{"some prefix listening on port: 65535 trailing", 65535},
		{"listening on port: 70000", 0},
		{"listening on port: 0", 0},
		{"listening on port:", 0},
		{"hello", 0},
	}

	for _, tt := range tests {
		if got := parsePort(tt.line); got != tt.want {
			t.Errorf("parsePort(%q) = %d, want %d", tt.line, got, tt.want)
		}
	}
}

func TestStart_AnnouncesPort(t *testing.T) {
	cfg := shellConfig(`echo "starting up"; echo "wkdrive engine listening on port: 4321"; exec sleep 30`)

	eng, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer eng.Stop(context.Background())

	if eng.Port() != 4321 {
		t.Errorf("expected port=4321, got %d", eng.Port())
	}
	if eng.Addr() != "127.0.0.1:4321" {
		t.Errorf("expected addr=127.0.0.1:4321, got %s", eng.Addr())
	}
	if eng.State() != StateRunning {
		t.Errorf("expected state=running, got %s", eng.State())
	}
	if !eng.Alive() {
		t.Error("expected engine to be alive")
	}
	if eng.PID() <= 0 {
		t.Errorf("expected a pid, got %d", eng.PID())
	}
}

func TestStart_ExitedEarly(t *testing.T) {
	cfg := shellConfig(`echo "cannot bind" >&2; exit 3`)

	_, err := Start(context.Background(), cfg)
	if !errors.Is(err, ErrExitedEarly) {
		t.Fatalf("expected ErrExitedEarly, got %v", err)
	}
	if !strings.Contains(err.Error(), "cannot bind") {
		t.Errorf("expected stderr in error, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "exit code 3") {
		t.Errorf("expected exit code in error, got %q", err.Error())
	}
}

func TestStart_Timeout(t *testing.T) {
	cfg := shellConfig(`exec sleep 30`)
	cfg.StartTimeout = 200 * time.Millisecond

	start := time.Now()
	_, err := Start(context.Background(), cfg)
	if !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("expected ErrStartTimeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timeout took too long: %s", time.Since(start))
	}
}

func TestStart_ContextCancelled(t *testing.T) {
	cfg := shellConfig(`exec sleep 30`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Start(ctx, cfg)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestStart_MissingExecutable(t *testing.T) {
	_, err := Start(context.Background(), DefaultConfig("/nonexistent/wkdrive-engine"))
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
}

func TestStop_Graceful(t *testing.T) {
	eng, err := Start(context.Background(), shellConfig(`echo "listening on port: 9000"; exec sleep 30`))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case <-eng.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not exit")
	}
	if eng.Alive() {
		t.Error("expected engine to be dead")
	}
	if eng.State() != StateStopped {
		t.Errorf("expected state=stopped, got %s", eng.State())
	}

	// Stopping twice is harmless.
	if err := eng.Stop(context.Background()); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestStop_ExitsOnStdinClose(t *testing.T) {
	// The engine ignores SIGTERM but exits when stdin closes.
	eng, err := Start(context.Background(), shellConfig(`trap "" TERM; echo "listening on port: 9001"; read line; exit 0`))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("expected exit on stdin close, took %s", elapsed)
	}
	if eng.ExitCode() != 0 {
		t.Errorf("expected exit_code=0, got %d", eng.ExitCode())
	}
}

func TestStop_ForceKill(t *testing.T) {
	cfg := shellConfig(`trap "" TERM; echo "listening on port: 9002"; while true; do sleep 1; done`)
	cfg.GracefulTimeout = 200 * time.Millisecond

	eng, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	select {
	case <-eng.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine survived force kill")
	}
}

func TestStop_NotOwner(t *testing.T) {
	var pid atomic.Int64
	pid.Store(1000)

	cfg := shellConfig(`echo "listening on port: 9003"; exec sleep 30`)
	cfg.PIDFunc = func() int { return int(pid.Load()) }

	eng, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if eng.OwnerPID() != 1000 {
		t.Errorf("expected owner pid 1000, got %d", eng.OwnerPID())
	}

	// Simulate a forked child.
	pid.Store(2000)
	if eng.IsOwner() {
		t.Error("expected IsOwner=false in child")
	}
	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop in child failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if !eng.Alive() {
		t.Fatal("child must not stop the owner's engine")
	}
	if eng.State() != StateRunning {
		t.Errorf("expected state=running, got %s", eng.State())
	}

	pid.Store(1000)
	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop in owner failed: %v", err)
	}
	if eng.Alive() {
		t.Error("expected engine to be dead after owner Stop")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		StateStopped:  "stopped",
		StateFailed:   "failed",
		State(99):     "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
