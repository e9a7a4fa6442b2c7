package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunSubprocessSuccess(t *testing.T) {
	script := writeScript(t, "echo out; echo err 1>&2; exit 0\n")
	res, err := RunSubprocess(context.Background(), script, nil, t.TempDir(), 5*time.Second)
	if err != nil {
		t.Fatalf("RunSubprocess: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if !containsAll(res.Log, "=== STDOUT ===", "=== STDERR ===", "out", "err") {
		t.Fatalf("unexpected log: %s", res.Log)
	}
}

func TestRunSubprocessNonZeroExitTolerated(t *testing.T) {
	script := writeScript(t, "echo partial; exit 3\n")
	res, err := RunSubprocess(context.Background(), script, nil, t.TempDir(), 5*time.Second)
	if err != nil {
		t.Fatalf("RunSubprocess: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRunSubprocessTimeout(t *testing.T) {
	script := writeScript(t, "echo partial; sleep 10\n")
	_, err := RunSubprocess(context.Background(), script, nil, t.TempDir(), 200*time.Millisecond)
	var timeoutErr *ErrTimeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !containsAll(timeoutErr.Log, "=== STDOUT (partial) ===", "=== STDERR (partial) ===") {
		t.Fatalf("unexpected partial log: %s", timeoutErr.Log)
	}
}

func TestRunSubprocessCancelled(t *testing.T) {
	script := writeScript(t, "sleep 10\n")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := RunSubprocess(ctx, script, nil, t.TempDir(), 5*time.Second)
	var cancelErr *ErrCancelled
	if !errors.As(err, &cancelErr) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestRunSubprocessBinaryNotFound(t *testing.T) {
	_, err := RunSubprocess(context.Background(), "pail-definitely-not-a-real-binary", nil, t.TempDir(), time.Second)
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("expected ErrBinaryNotFound, got %v", err)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	return len(sub) == 0 || (len(s) >= len(sub) && indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
