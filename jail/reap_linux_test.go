package jail

import (
	"testing"

	"golang.org/x/sys/unix"
)

func exitedStatus(code int) unix.WaitStatus  { return unix.WaitStatus(code << 8) }
func signaledStatus(sig int) unix.WaitStatus { return unix.WaitStatus(sig) }

func TestMapExitStatus(t *testing.T) {
	tests := []struct {
		name   string
		status unix.WaitStatus
		want   int
	}{
		{"clean exit", exitedStatus(0), 0},
		{"exit 1", exitedStatus(1), 1},
		{"exit 99", exitedStatus(99), 99},
		{"exit folds into user band", exitedStatus(137), 37},
		{"nonzero multiple of 100 stays visible", exitedStatus(200), 1},
		{"exit 100", exitedStatus(100), 1},
		{"SIGSEGV", signaledStatus(11), 111},
		{"SIGKILL", signaledStatus(9), 109},
		{"SIGSYS", signaledStatus(31), 131},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := mapExitStatus(tc.status); got != tc.want {
				t.Errorf("mapExitStatus(%#x) = %d, want %d", uint32(tc.status), got, tc.want)
			}
		})
	}
}

func TestParseProcSyscall(t *testing.T) {
	nr, args, ok := parseProcSyscall("202 0x55f0 0x80 0x0 0x0 0x0 0xffff 0x7ffd9a8e1c40 0x7f2b9e2d4f2a\n")
	if !ok {
		t.Fatal("valid line rejected")
	}
	if nr != 202 {
		t.Errorf("syscall nr %d", nr)
	}
	if args[0] != 0x55f0 || args[6] != 0x7ffd9a8e1c40 || args[7] != 0x7f2b9e2d4f2a {
		t.Errorf("args misparsed: %#x", args)
	}

	for _, bad := range []string{
		"",
		"running",
		"202 0x1 0x2",                               // too few fields
		"202 0x1 0x2 0x3 0x4 0x5 0x6 0x7 0x8 0x9",   // too many
		"nope 0x1 0x2 0x3 0x4 0x5 0x6 0x7 0x8",      // bad nr
		"202 zz 0x2 0x3 0x4 0x5 0x6 0x7 0x8",        // bad arg
	} {
		if _, _, ok := parseProcSyscall(bad); ok {
			t.Errorf("accepted malformed line %q", bad)
		}
	}
}
