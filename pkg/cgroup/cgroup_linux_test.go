package cgroup

import (
	"os"
	"path"
	"strconv"
	"testing"
)

// fakeController pre-creates the per-pid directory with the control files a
// kernel cgroupfs would provide, since the writer opens without O_CREAT
func fakeController(t *testing.T, mnt, parent string, pid int, files ...string) string {
	t.Helper()
	dir := path.Join(mnt, parent, "JAIL."+strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, f := range append(files, "tasks") {
		if err := os.WriteFile(path.Join(dir, f), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestInitParentMemory(t *testing.T) {
	mnt := t.TempDir()
	pid := 4242
	dir := fakeController(t, mnt, "parent", pid, "memory.limit_in_bytes")

	c := &Config{MemMount: mnt, MemParent: "parent", MemMax: 1 << 20}
	if err := c.InitParent(pid); err != nil {
		t.Fatal(err)
	}

	limit, err := os.ReadFile(path.Join(dir, "memory.limit_in_bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if string(limit) != "1048576" {
		t.Errorf("limit file content %q", limit)
	}
	tasks, err := os.ReadFile(path.Join(dir, "tasks"))
	if err != nil {
		t.Fatal(err)
	}
	if string(tasks) != strconv.Itoa(pid) {
		t.Errorf("tasks file content %q", tasks)
	}
}

func TestInitParentDisabled(t *testing.T) {
	// zero limits leave the filesystem untouched
	c := &Config{MemMount: "/nonexistent", MemParent: "x"}
	if err := c.InitParent(1); err != nil {
		t.Fatal(err)
	}
	var nilConf *Config
	if err := nilConf.InitParent(1); err != nil {
		t.Fatal(err)
	}
}

func TestFinish(t *testing.T) {
	mnt := t.TempDir()
	pid := 777
	dir := path.Join(mnt, "p", "JAIL."+strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	c := &Config{PidsMount: mnt, PidsParent: "p", PidsMax: 10}
	if err := c.Finish(pid); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("per-pid cgroup dir not removed")
	}

	// already-gone dirs are not an error
	if err := c.Finish(pid); err != nil {
		t.Fatal(err)
	}
}
