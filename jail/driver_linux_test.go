package jail

import (
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/criyle/go-jail/config"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// noNamespaceArgs disables every namespace so the clone degrades to a plain
// fork and the tests run unprivileged
var noNamespaceArgs = []string{
	"--disable_clone_newnet", "--disable_clone_newuser", "--disable_clone_newns",
	"--disable_clone_newpid", "--disable_clone_newipc", "--disable_clone_newuts",
	"--disable_clone_newcgroup",
}

func onceConfig(t *testing.T, tlimit string, argv ...string) *config.Jail {
	t.Helper()
	args := append([]string{"-M", "o", "-t", tlimit, "--rlimit_nofile", "256"}, noNamespaceArgs...)
	args = append(args, "--")
	args = append(args, argv...)
	j, err := config.Load(args)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func runOnce(t *testing.T, cfg *config.Jail) int {
	t.Helper()
	d, err := NewDriver(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return d.Run()
}

func TestStandaloneTrue(t *testing.T) {
	if got := runOnce(t, onceConfig(t, "10", "/bin/true")); got != 0 {
		t.Errorf("supervisor returned %d, want 0", got)
	}
}

func TestStandaloneExitStatusFolded(t *testing.T) {
	cfg := onceConfig(t, "10", "/bin/sh", "-c", "exit 137")
	if got := runOnce(t, cfg); got != 37 {
		t.Errorf("supervisor returned %d, want 37", got)
	}
}

func TestStandaloneSignalMapped(t *testing.T) {
	cfg := onceConfig(t, "10", "/bin/sh", "-c", "kill -SEGV $$")
	if got := runOnce(t, cfg); got != 111 {
		t.Errorf("supervisor returned %d, want 111 (100+SIGSEGV)", got)
	}
}

func TestStandaloneTimeLimit(t *testing.T) {
	cfg := onceConfig(t, "1", "/bin/sleep", "10")
	start := time.Now()
	got := runOnce(t, cfg)
	elapsed := time.Since(start)
	if got != 109 {
		t.Errorf("supervisor returned %d, want 109 (100+SIGKILL)", got)
	}
	if elapsed > 5*time.Second {
		t.Errorf("kill took %v, want roughly 2s", elapsed)
	}
}

func TestStandaloneExecFailure(t *testing.T) {
	cfg := onceConfig(t, "10", "/definitely/not/here")
	if got := runOnce(t, cfg); got != 1 {
		t.Errorf("supervisor returned %d, want 1 for an exec failure", got)
	}
}

// TestUserNsMapsWritten checks that once Spawn returns for a child with a user
// namespace, its uid map holds exactly the configured entry
func TestUserNsMapsWritten(t *testing.T) {
	args := append([]string{
		"-M", "o", "-t", "5", "--rlimit_nofile", "256",
		"--disable_clone_newnet", "--disable_clone_newns", "--disable_clone_newpid",
		"--disable_clone_newipc", "--disable_clone_newuts", "--disable_clone_newcgroup",
		"-u", "0::1", "-g", "0::1",
	}, "--", "/bin/sleep", "2")
	cfg, err := config.Load(args)
	if err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry()
	s, err := NewSpawner(cfg, reg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Spawn(0, 1, 2); err != nil {
		t.Skipf("user namespaces unavailable: %v", err)
	}
	if reg.Count() != 1 {
		t.Fatal("spawn did not register the child")
	}
	pid := reg.Records()[0].PID
	defer func() {
		unix.Kill(pid, unix.SIGKILL)
		var ws unix.WaitStatus
		unix.Wait4(pid, &ws, 0, nil)
		reg.Remove(pid)
	}()

	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/uid_map")
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(string(data))
	want := []string{"0", strconv.Itoa(os.Geteuid()), "1"}
	if len(fields) != 3 || fields[0] != want[0] || fields[1] != want[1] || fields[2] != want[2] {
		t.Errorf("uid_map %q, want %v", data, want)
	}
}
