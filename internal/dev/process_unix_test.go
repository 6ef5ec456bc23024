//go:build !windows

package dev

import (
	"io"
	"os/exec"
	"testing"
	"time"
)

func TestStopProcess_Terminates(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	proc, err := startProcess(processSpec{Binary: sleep, Args: []string{"30"}, Stdout: io.Discard, Stderr: io.Discard})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	stopProcess(proc, 5*time.Second)

	select {
	case <-proc.done:
	default:
		t.Fatal("process still running after stopProcess")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("SIGTERM ignored, stop took %s", elapsed)
	}
}

func TestStopProcess_KillsAfterGrace(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	proc, err := startProcess(processSpec{
		Binary: sh,
		Args:   []string{"-c", "trap '' TERM; sleep 30"},
		Stdout: io.Discard,
		Stderr: io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Let the shell install its trap.
	time.Sleep(100 * time.Millisecond)

	stopProcess(proc, 200*time.Millisecond)
	select {
	case <-proc.done:
	default:
		t.Fatal("process survived SIGKILL")
	}
}

func TestStopProcess_Nil(t *testing.T) {
	stopProcess(nil, time.Second)
}
