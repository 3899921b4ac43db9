package seccomp

import (
	"fmt"
	"syscall"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"
)

// Builder is used to build the filter from named syscall lists. Kill takes
// precedence over Allow for syscalls named in both.
type Builder struct {
	Allow, Kill []string
	Default     Action
}

// Build compiles the policy into a kernel-loadable filter
func (b *Builder) Build() (Filter, error) {
	var groups []libseccomp.SyscallGroup
	if len(b.Kill) > 0 {
		groups = append(groups, libseccomp.SyscallGroup{
			Names:  b.Kill,
			Action: libseccomp.ActionKillProcess,
		})
	}
	if len(b.Allow) > 0 {
		groups = append(groups, libseccomp.SyscallGroup{
			Names:  b.Allow,
			Action: libseccomp.ActionAllow,
		})
	}
	policy := libseccomp.Policy{
		DefaultAction: toLibAction(b.Default),
		Syscalls:      groups,
	}
	insts, err := policy.Assemble()
	if err != nil {
		return nil, fmt.Errorf("seccomp: assemble policy: %w", err)
	}
	return ExportBPF(insts)
}

// ExportBPF converts assembled BPF instructions to the raw filter loaded by
// the seccomp syscall
func ExportBPF(insts []bpf.Instruction) (Filter, error) {
	raw, err := bpf.Assemble(insts)
	if err != nil {
		return nil, fmt.Errorf("seccomp: assemble bpf: %w", err)
	}
	ret := make(Filter, 0, len(raw))
	for _, r := range raw {
		ret = append(ret, syscall.SockFilter{
			Code: r.Op,
			Jt:   r.Jt,
			Jf:   r.Jf,
			K:    r.K,
		})
	}
	return ret, nil
}

func toLibAction(a Action) libseccomp.Action {
	switch a {
	case ActionAllow:
		return libseccomp.ActionAllow
	case ActionErrno:
		return libseccomp.ActionErrno
	case ActionTrap:
		return libseccomp.ActionTrap
	case ActionKill:
		return libseccomp.ActionKillProcess
	case ActionLog:
		return libseccomp.ActionLog
	}
	return libseccomp.ActionKillProcess
}
