package jail

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	if r.Count() != 0 {
		t.Fatal("fresh registry not empty")
	}

	// our own pid has a readable /proc/<pid>/syscall
	self := os.Getpid()
	rec := r.Add(self, -1)
	if rec.PID != self {
		t.Errorf("pid %d recorded as %d", self, rec.PID)
	}
	if rec.Remote != "[STANDALONE]" {
		t.Errorf("non-socket fd should yield the standalone marker, got %q", rec.Remote)
	}
	if rec.SyscallFD < 0 {
		t.Error("syscall fd should be open for a live pid")
	}
	if r.Count() != 1 || r.Find(self) != rec {
		t.Error("record not findable")
	}

	r.Remove(self)
	if r.Count() != 0 || r.Find(self) != nil {
		t.Error("record not removed")
	}
	if rec.SyscallFD != -1 {
		t.Error("syscall fd not closed on remove")
	}

	// removing twice must be harmless
	r.Remove(self)
}

func TestRegistrySyscallFDTolerated(t *testing.T) {
	r := NewRegistry()
	// certainly-dead pid: open fails, fd recorded as -1
	rec := r.Add((1<<22)-1, -1)
	if rec.SyscallFD != -1 {
		t.Errorf("expected -1 syscall fd, got %d", rec.SyscallFD)
	}
	r.Remove(rec.PID)
}

func TestRegistryInsertionOrder(t *testing.T) {
	r := NewRegistry()
	pids := []int{100, 50, 200}
	for _, p := range pids {
		r.Add(p, -1)
	}
	recs := r.Records()
	for i, p := range pids {
		if recs[i].PID != p {
			t.Fatalf("position %d: expected pid %d, got %d", i, p, recs[i].PID)
		}
	}
	r.Remove(50)
	recs = r.Records()
	if recs[0].PID != 100 || recs[1].PID != 200 {
		t.Error("order broken after middle removal")
	}
}

func TestRegistryKillAll(t *testing.T) {
	cmd := exec.Command("/bin/sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	r.Add(cmd.Process.Pid, -1)

	r.KillAll()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		ee, ok := err.(*exec.ExitError)
		if !ok {
			t.Fatalf("expected exit error, got %v", err)
		}
		ws := ee.Sys().(syscall.WaitStatus)
		if !ws.Signaled() || ws.Signal() != syscall.SIGKILL {
			t.Errorf("expected SIGKILL, got %v", ws)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("child survived KillAll")
	}
}
