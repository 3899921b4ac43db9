package jail

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/criyle/go-jail/config"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	newUIDMapBin = "/usr/bin/newuidmap"
	newGIDMapBin = "/usr/bin/newgidmap"
)

// initUserNsFromParent installs the child's uid/gid maps from the parent.
// The fixed order is gid-self, gid-external, uid-self, uid-external: the
// external gid helper must run while the target is still root in its user
// namespace, before any uid map lands.
func initUserNsFromParent(c *config.Jail, pid int, log *zap.Logger) error {
	if !c.CloneNewUser {
		return nil
	}
	// the deny must land before any map write; for a child in the initial
	// user namespace the kernel rejects it, hence the gate above
	if err := denySetgroups(pid); err != nil {
		return err
	}
	if err := writeSelfMaps(procPidPath(pid, "gid_map"), c.GIDMaps, log); err != nil {
		return err
	}
	if err := runMapHelper(newGIDMapBin, pid, c.GIDMaps); err != nil {
		return err
	}
	if err := writeSelfMaps(procPidPath(pid, "uid_map"), c.UIDMaps, log); err != nil {
		return err
	}
	return runMapHelper(newUIDMapBin, pid, c.UIDMaps)
}

// denySetgroups writes "deny" to /proc/<pid>/setgroups. Not needed when our
// euid is zero: writing the id maps as root succeeds anyway.
func denySetgroups(pid int) error {
	if os.Geteuid() == 0 {
		return nil
	}
	return writeProcFile(procPidPath(pid, "setgroups"), []byte("deny"))
}

// writeSelfMaps concatenates all supervisor-written entries into a single
// buffer and writes it in one go; the kernel allows only one write per map
// file.
func writeSelfMaps(path string, maps []config.IDMap, log *zap.Logger) error {
	var buf []byte
	for _, m := range maps {
		if m.UseHelper {
			continue
		}
		buf = strconv.AppendUint(buf, uint64(m.Inside), 10)
		buf = append(buf, ' ')
		buf = strconv.AppendUint(buf, uint64(m.Outside), 10)
		buf = append(buf, ' ')
		buf = strconv.AppendUint(buf, uint64(m.Count), 10)
		buf = append(buf, '\n')
	}
	if len(buf) == 0 {
		return nil
	}
	log.Debug("writing id map", zap.String("path", path), zap.ByteString("map", buf))
	return writeProcFile(path, buf)
}

// runMapHelper invokes the setuid newuidmap/newgidmap binary for the entries
// that need it; ranges beyond the caller's own id cannot be self-written.
func runMapHelper(bin string, pid int, maps []config.IDMap) error {
	args := []string{strconv.Itoa(pid)}
	for _, m := range maps {
		if !m.UseHelper {
			continue
		}
		args = append(args,
			strconv.FormatUint(uint64(m.Inside), 10),
			strconv.FormatUint(uint64(m.Outside), 10),
			strconv.FormatUint(uint64(m.Count), 10))
	}
	if len(args) == 1 {
		return nil
	}
	out, err := exec.Command(bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", bin, args, err, out)
	}
	return nil
}

func procPidPath(pid int, name string) string {
	return "/proc/" + strconv.Itoa(pid) + "/" + name
}

func writeProcFile(path string, content []byte) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := unix.Write(fd, content); err != nil {
		unix.Close(fd)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
