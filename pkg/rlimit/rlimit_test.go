//go:build linux

package rlimit

import (
	"strings"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

func TestPrepareRLimit(t *testing.T) {
	l := Limits{
		AddressSpace: MB(512),
		Core:         0,
		CPU:          600,
		FileSize:     MB(1),
		OpenFile:     32,
		NProc:        1024,
		Stack:        MB(8),
	}
	got := l.PrepareRLimit()
	want := []struct {
		res int
		cur uint64
	}{
		{syscall.RLIMIT_AS, 512 << 20},
		{syscall.RLIMIT_CORE, 0},
		{syscall.RLIMIT_CPU, 600},
		{syscall.RLIMIT_FSIZE, 1 << 20},
		{syscall.RLIMIT_NOFILE, 32},
		{unix.RLIMIT_NPROC, 1024},
		{syscall.RLIMIT_STACK, 8 << 20},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d limits, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i].Res != w.res {
			t.Errorf("limit %d: expected resource %d, got %d", i, w.res, got[i].Res)
		}
		if got[i].Rlim.Cur != w.cur || got[i].Rlim.Max != w.cur {
			t.Errorf("limit %d: expected cur=max=%d, got %v", i, w.cur, got[i].Rlim)
		}
	}
}

func TestMB(t *testing.T) {
	if MB(0) != 0 {
		t.Error("MB(0) should be 0")
	}
	if MB(1) != 1<<20 {
		t.Error("MB(1) should be 1<<20")
	}
	if MB(RLimInfinity) != RLimInfinity {
		t.Error("MB must pass infinity through unscaled")
	}
}

func TestString(t *testing.T) {
	l := Limits{CPU: 3, OpenFile: 16, Stack: RLimInfinity}
	s := l.String()
	if s == "" {
		t.Fatal("empty string")
	}
	for _, sub := range []string{"CPU[3 s]", "OpenFile[16]", "Stack[inf]"} {
		if !strings.Contains(s, sub) {
			t.Errorf("%q missing from %q", sub, s)
		}
	}
}
