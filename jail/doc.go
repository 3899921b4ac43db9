// Package jail implements the sandbox lifecycle engine: namespaced child
// creation with a parent/child handshake, uid/gid map installation, per-child
// bookkeeping, the reap/timeout loop and the standalone and TCP listener
// drivers.
//
// The supervisor is single threaded and purely synchronous; concurrency
// exists only because children run as independent OS processes.
//
// unshare cgroup namespace requires kernel >= 4.6
// seccomp, unshare pid / user namespaces requires kernel >= 3.8
package jail
