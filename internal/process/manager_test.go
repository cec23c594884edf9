package process

import (
	"bufio"
	"context"
	"testing"
	"time"
)

func TestSpawnEchoAndExit(t *testing.T) {
	m := New(nil)
	h, err := m.Spawn(context.Background(), Spec{Command: "sh", Args: []string{"-c", "echo hello; exit 0"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Stdin.Close()

	scanner := bufio.NewScanner(h.Stdout)
	if !scanner.Scan() {
		t.Fatalf("expected a line of output")
	}
	if got := scanner.Text(); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}

	if err := h.Wait(); err != nil {
		t.Errorf("Wait() = %v, want nil", err)
	}
	if h.Alive() {
		t.Errorf("Alive() = true after exit")
	}
}

func TestCaptureStderr(t *testing.T) {
	m := New(nil)
	h, err := m.Spawn(context.Background(), Spec{Command: "sh", Args: []string{"-c", "echo oops >&2; exit 1"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Stdin.Close()
	h.Wait()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(h.RecentStderr()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	lines := h.RecentStderr()
	if len(lines) != 1 || lines[0] != "oops" {
		t.Errorf("RecentStderr() = %v, want [oops]", lines)
	}
}

func TestTerminateGracefulExit(t *testing.T) {
	m := New(nil)
	h, err := m.Spawn(context.Background(), Spec{Command: "sh", Args: []string{"-c", "trap 'exit 0' TERM; sleep 30 & wait"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Stdin.Close()

	start := time.Now()
	if err := h.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > killGrace {
		t.Errorf("Terminate took %s, expected graceful exit well under the %s grace window", elapsed, killGrace)
	}
	if h.Alive() {
		t.Errorf("Alive() = true after Terminate")
	}
}

func TestTerminateIdempotent(t *testing.T) {
	m := New(nil)
	h, err := m.Spawn(context.Background(), Spec{Command: "sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Stdin.Close()
	h.Wait()

	if err := h.Terminate(); err != nil {
		t.Errorf("Terminate on already-exited process: %v", err)
	}
}

func TestStderrRingBoundsMemory(t *testing.T) {
	r := newStderrRing(3)
	for i := 0; i < 10; i++ {
		r.add("line")
	}
	if got := len(r.snapshot()); got != 3 {
		t.Errorf("snapshot length = %d, want 3", got)
	}
}
