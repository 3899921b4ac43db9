package jail

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"

	"github.com/criyle/go-jail/config"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// netListen opens the dual-stack listening socket for the TCP mode. An
// AF_INET6 socket with V6ONLY off accepts v4 peers as v4-mapped addresses,
// so one socket covers both families.
func netListen(host string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("jail: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("jail: SO_REUSEADDR: %w", err)
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)

	sa := &unix.SockaddrInet6{Port: port}
	if host != "" && host != "::" {
		ip := net.ParseIP(host)
		if ip == nil {
			unix.Close(fd)
			return -1, fmt.Errorf("jail: cannot parse bind host %q", host)
		}
		copy(sa.Addr[:], ip.To16())
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("jail: bind [%s]:%d: %w", host, port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("jail: listen: %w", err)
	}
	return fd, nil
}

// netAccept waits up to timeoutMs for a connection and accepts it with
// close-on-exec set. Returns -1 on timeout and on EINTR; the caller's loop
// treats both as "no connection this tick".
func netAccept(listenFD, timeoutMs int) int {
	pfd := []unix.PollFd{{Fd: int32(listenFD), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, timeoutMs)
	if err != nil || n == 0 {
		return -1
	}
	connFD, _, err := unix.Accept4(listenFD, unix.SOCK_CLOEXEC)
	if err != nil {
		return -1
	}
	return connFD
}

// connToText renders the peer of sock as "[ip]:port". Descriptors that are
// not connected sockets (standalone stdio) yield the standalone marker.
func connToText(sock int) (string, net.IP) {
	sa, err := unix.Getpeername(sock)
	if err != nil {
		return "[STANDALONE]", nil
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet6:
		ip := net.IP(append([]byte(nil), sa.Addr[:]...))
		return "[" + ip.String() + "]:" + strconv.Itoa(sa.Port), ip
	case *unix.SockaddrInet4:
		ip := net.IP(append([]byte(nil), sa.Addr[:]...))
		return "[" + ip.String() + "]:" + strconv.Itoa(sa.Port), ip
	}
	return "[UNKNOWN]", nil
}

// limitConns is the admission check in listener mode: at most MaxConnsPerIP
// live children per peer address
func limitConns(c *config.Jail, reg *Registry, log *zap.Logger, connFD int) bool {
	if c.MaxConnsPerIP == 0 {
		return true
	}
	remote, ip := connToText(connFD)
	if ip == nil {
		return true
	}
	cnt := uint(0)
	for _, rec := range reg.Records() {
		if rec.RemoteIP.Equal(ip) {
			cnt++
		}
	}
	if cnt >= c.MaxConnsPerIP {
		log.Warn("rejecting connection, per-IP limit reached",
			zap.String("remote", remote),
			zap.Uint("limit", c.MaxConnsPerIP))
		return false
	}
	return true
}

// initParentNet creates a MACVLAN peer on the configured master interface
// and moves it into the child's net namespace, driven through iproute2
func initParentNet(c *config.Jail, pid int) error {
	if !c.CloneNewNet || c.MacvlanMaster == "" {
		return nil
	}
	ip, err := exec.LookPath("ip")
	if err != nil {
		return fmt.Errorf("iproute2 not found: %w", err)
	}
	out, err := exec.Command(ip,
		"link", "add", "link", c.MacvlanMaster,
		"name", c.MacvlanName,
		"netns", strconv.Itoa(pid),
		"type", "macvlan", "mode", "bridge").CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip link add for pid %d: %w: %s", pid, err, out)
	}
	return nil
}
