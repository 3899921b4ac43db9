package jail

import (
	"net"
	"strconv"
	"testing"

	"github.com/criyle/go-jail/config"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// listenEphemeral binds port 0 and reports the kernel-assigned port
func listenEphemeral(t *testing.T) (int, int) {
	t.Helper()
	fd, err := netListen("::1", 0)
	if err != nil {
		t.Fatal(err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatal(err)
	}
	return fd, sa.(*unix.SockaddrInet6).Port
}

func TestListenAcceptPeer(t *testing.T) {
	lfd, port := listenEphemeral(t)
	defer unix.Close(lfd)

	conn, err := net.Dial("tcp", net.JoinHostPort("::1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	connFD := netAccept(lfd, 3000)
	if connFD < 0 {
		t.Fatal("accept failed")
	}
	defer unix.Close(connFD)

	remote, ip := connToText(connFD)
	if ip == nil {
		t.Fatal("no peer ip")
	}
	if !ip.Equal(net.ParseIP("::1")) {
		t.Errorf("peer ip %v", ip)
	}
	if remote == "" || remote[0] != '[' {
		t.Errorf("peer text %q", remote)
	}
}

func TestAcceptTimeout(t *testing.T) {
	lfd, _ := listenEphemeral(t)
	defer unix.Close(lfd)
	if fd := netAccept(lfd, 10); fd != -1 {
		t.Errorf("expected timeout, got fd %d", fd)
	}
}

func TestConnToTextNonSocket(t *testing.T) {
	remote, ip := connToText(0)
	if remote != "[STANDALONE]" || ip != nil {
		t.Errorf("got %q %v", remote, ip)
	}
}

func TestLimitConns(t *testing.T) {
	log := zap.NewNop()
	reg := NewRegistry()
	c := &config.Jail{MaxConnsPerIP: 1}

	lfd, port := listenEphemeral(t)
	defer unix.Close(lfd)
	conn, err := net.Dial("tcp", net.JoinHostPort("::1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	connFD := netAccept(lfd, 3000)
	if connFD < 0 {
		t.Fatal("accept failed")
	}
	defer unix.Close(connFD)

	if !limitConns(c, reg, log, connFD) {
		t.Fatal("first connection must pass")
	}

	// a live child from the same address exhausts the limit
	rec := reg.Add(12345, connFD)
	if rec.RemoteIP == nil {
		t.Fatal("registry did not capture the peer address")
	}
	if limitConns(c, reg, log, connFD) {
		t.Error("second connection from the same ip must be rejected")
	}

	// unlimited always passes
	if !limitConns(&config.Jail{}, reg, log, connFD) {
		t.Error("zero limit means unlimited")
	}

	reg.Remove(12345)
	if !limitConns(c, reg, log, connFD) {
		t.Error("limit frees up when the child is reaped")
	}
}
