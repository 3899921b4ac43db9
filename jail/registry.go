package jail

import (
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// Record is the bookkeeping for one live child, owned by the Registry
type Record struct {
	PID    int
	Start  time.Time
	Remote string
	// RemoteIP is nil for standalone children
	RemoteIP net.IP
	// SyscallFD is an fd on /proc/<pid>/syscall used for seccomp violation
	// reports, or -1 when the open failed
	SyscallFD int
}

// Registry tracks live children by pid with insertion-order iteration.
// It is touched only by the single supervisor goroutine, so no locking.
type Registry struct {
	order []*Record
	pids  map[int]*Record
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{pids: make(map[int]*Record)}
}

// Add registers a freshly cloned child. The peer identity is resolved from
// the connection socket; the /proc syscall fd is opened best-effort since the
// child may already be gone by the time we get here.
func (r *Registry) Add(pid, sock int) *Record {
	remote, ip := connToText(sock)
	fd, err := unix.Open("/proc/"+strconv.Itoa(pid)+"/syscall", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		fd = -1
	}
	rec := &Record{
		PID:       pid,
		Start:     time.Now(),
		Remote:    remote,
		RemoteIP:  ip,
		SyscallFD: fd,
	}
	r.order = append(r.order, rec)
	r.pids[pid] = rec
	return rec
}

// Remove drops the record and closes its syscall fd
func (r *Registry) Remove(pid int) {
	rec, ok := r.pids[pid]
	if !ok {
		return
	}
	if rec.SyscallFD >= 0 {
		unix.Close(rec.SyscallFD)
		rec.SyscallFD = -1
	}
	delete(r.pids, pid)
	for i, o := range r.order {
		if o == rec {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Find returns the record for pid, or nil
func (r *Registry) Find(pid int) *Record {
	return r.pids[pid]
}

// Count returns the number of live children
func (r *Registry) Count() int {
	return len(r.order)
}

// Records returns the live children in insertion order. The returned slice
// must not be mutated across Add/Remove calls.
func (r *Registry) Records() []*Record {
	return r.order
}

// KillAll sends SIGKILL to every registered child
func (r *Registry) KillAll() {
	for _, rec := range r.order {
		unix.Kill(rec.PID, unix.SIGKILL)
	}
}
