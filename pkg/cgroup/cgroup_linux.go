// Package cgroup attaches sandboxed children to per-pid cgroup (v1)
// sub-directories and tears them down on reap.
package cgroup

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// Config describes the per-controller placement for sandboxed children.
// A controller with a zero limit is left untouched.
type Config struct {
	MemMount  string
	MemParent string
	MemMax    uint64 // memory.limit_in_bytes

	PidsMount  string
	PidsParent string
	PidsMax    uint64 // pids.max

	NetClsMount   string
	NetClsParent  string
	NetClsClassID uint32 // net_cls.classid

	CPUMount    string
	CPUParent   string
	CPUMsPerSec uint64 // converted to cfs quota over a 1s period
}

// subdirName returns the per-pid cgroup directory name
func subdirName(pid int) string {
	return "JAIL." + strconv.Itoa(pid)
}

// InitParent creates per-pid subdirectories under each configured controller,
// writes the limits and finally moves pid into them via the tasks file.
// Called in the parent after a successful clone, before the handshake.
func (c *Config) InitParent(pid int) error {
	if c == nil {
		return nil
	}
	if c.MemMax > 0 {
		if err := initController(c.MemMount, c.MemParent, pid,
			"memory.limit_in_bytes", strconv.FormatUint(c.MemMax, 10)); err != nil {
			return fmt.Errorf("cgroup: memory: %w", err)
		}
	}
	if c.PidsMax > 0 {
		if err := initController(c.PidsMount, c.PidsParent, pid,
			"pids.max", strconv.FormatUint(c.PidsMax, 10)); err != nil {
			return fmt.Errorf("cgroup: pids: %w", err)
		}
	}
	if c.NetClsClassID > 0 {
		if err := initController(c.NetClsMount, c.NetClsParent, pid,
			"net_cls.classid", fmt.Sprintf("0x%x", c.NetClsClassID)); err != nil {
			return fmt.Errorf("cgroup: net_cls: %w", err)
		}
	}
	if c.CPUMsPerSec > 0 {
		base := path.Join(c.CPUMount, c.CPUParent, subdirName(pid))
		if err := ensureDirExists(base); err != nil {
			return fmt.Errorf("cgroup: cpu: %w", err)
		}
		quota := strconv.FormatUint(c.CPUMsPerSec*1000, 10)
		if err := writeFile(path.Join(base, "cpu.cfs_quota_us"), []byte(quota)); err != nil {
			return fmt.Errorf("cgroup: cpu: %w", err)
		}
		if err := writeFile(path.Join(base, "cpu.cfs_period_us"), []byte("1000000")); err != nil {
			return fmt.Errorf("cgroup: cpu: %w", err)
		}
		if err := addTask(base, pid); err != nil {
			return fmt.Errorf("cgroup: cpu: %w", err)
		}
	}
	return nil
}

// Finish removes the per-pid subdirectories after the child was reaped.
// Removal failures are collected and returned joined; a missing directory is
// not an error. The removal is not retried.
func (c *Config) Finish(pid int) error {
	if c == nil {
		return nil
	}
	var errs []error
	for _, e := range []struct {
		mount, parent string
		used          bool
	}{
		{c.MemMount, c.MemParent, c.MemMax > 0},
		{c.PidsMount, c.PidsParent, c.PidsMax > 0},
		{c.NetClsMount, c.NetClsParent, c.NetClsClassID > 0},
		{c.CPUMount, c.CPUParent, c.CPUMsPerSec > 0},
	} {
		if !e.used {
			continue
		}
		p := path.Join(e.mount, e.parent, subdirName(pid))
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func initController(mount, parent string, pid int, limitFile, limitValue string) error {
	base := path.Join(mount, parent, subdirName(pid))
	if err := ensureDirExists(base); err != nil {
		return err
	}
	if err := writeFile(path.Join(base, limitFile), []byte(limitValue)); err != nil {
		return err
	}
	return addTask(base, pid)
}

func addTask(base string, pid int) error {
	return writeFile(path.Join(base, "tasks"), []byte(strconv.Itoa(pid)))
}

// ensureDirExists creates the directory if the path does not exist
func ensureDirExists(p string) error {
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return os.MkdirAll(p, dirPerm)
	}
	return nil
}

func writeFile(p string, content []byte) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	_, err = f.Write(content)
	if err1 := f.Close(); err == nil {
		err = err1
	}
	return err
}
