package config

import (
	"fmt"
	"os"

	"github.com/criyle/go-jail/pkg/cgroup"
	"github.com/criyle/go-jail/pkg/mount"
	"github.com/criyle/go-jail/pkg/rlimit"
	"github.com/criyle/go-jail/pkg/seccomp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"
)

// Load parses command line flags and the optional YAML config file into the
// immutable Jail record. Values from the config file act as defaults; flags
// given on the command line win. The remaining positional arguments (after
// "--") are the program and its argv.
func Load(args []string) (*Jail, error) {
	flags := pflag.NewFlagSet("jail", pflag.ContinueOnError)

	configFile := flags.String("config", "", "YAML config file with the same keys as the flags")
	mode := flags.StringP("mode", "M", "once", "execution mode: listen|once|execve|rerun")
	bind := flags.String("bindhost", "::", "address to bind the listening socket to (listen mode)")
	port := flags.IntP("port", "p", 31337, "TCP port to listen on (listen mode)")
	tlimit := flags.Int64P("time_limit", "t", 600, "max wall clock time per child in seconds, 0 is unlimited")
	maxConns := flags.UintP("max_conns_per_ip", "i", 0, "max concurrent connections per peer IP, 0 is unlimited")

	hostname := flags.StringP("hostname", "H", "JAIL", "UTS hostname inside the jail")
	cwd := flags.StringP("cwd", "D", "/", "working directory inside the jail")
	chroot := flags.StringP("chroot", "c", "/", "directory bind-mounted as the new root, empty for a bare tmpfs root")
	rootRW := flags.Bool("rw", false, "mount the new root read-write")
	mountProc := flags.Bool("mount_proc", true, "mount /proc inside the jail")
	procRW := flags.Bool("proc_rw", false, "mount /proc read-write")
	tmpfsSize := flags.Uint64("tmpfs_size", 4*1024*1024, "size in bytes of the tmpfs root mounts")
	bindRO := flags.StringArrayP("bindmount_ro", "R", nil, "read-only bind mount spec src[:dst]")
	bindRW := flags.StringArrayP("bindmount", "B", nil, "read-write bind mount spec src[:dst]")
	tmpfsMnt := flags.StringArrayP("tmpfsmount", "T", nil, "tmpfs mount target")

	disNet := flags.BoolP("disable_clone_newnet", "N", false, "don't unshare the net namespace")
	disUser := flags.Bool("disable_clone_newuser", false, "don't unshare the user namespace")
	disNS := flags.Bool("disable_clone_newns", false, "don't unshare the mount namespace")
	disPID := flags.Bool("disable_clone_newpid", false, "don't unshare the pid namespace")
	disIPC := flags.Bool("disable_clone_newipc", false, "don't unshare the ipc namespace")
	disUTS := flags.Bool("disable_clone_newuts", false, "don't unshare the uts namespace")
	disCgroup := flags.Bool("disable_clone_newcgroup", false, "don't unshare the cgroup namespace")

	rlAS := flags.Uint64("rlimit_as", 512, "RLIMIT_AS in MB")
	rlCore := flags.Uint64("rlimit_core", 0, "RLIMIT_CORE in MB")
	rlCPU := flags.Uint64("rlimit_cpu", 600, "RLIMIT_CPU in seconds")
	rlFsize := flags.Uint64("rlimit_fsize", 1, "RLIMIT_FSIZE in MB")
	rlNofile := flags.Uint64("rlimit_nofile", 32, "RLIMIT_NOFILE")
	rlNproc := flags.Uint64("rlimit_nproc", 0, "RLIMIT_NPROC, 0 takes the current soft limit")
	rlStack := flags.Uint64("rlimit_stack", 0, "RLIMIT_STACK in MB, 0 takes the current soft limit")
	personality := flags.Uint64("persona", 0, "personality bitmask applied in the child")

	uidMaps := flags.StringArrayP("uid_mapping", "u", nil, "uid map entry inside:outside:count, written by the supervisor")
	gidMaps := flags.StringArrayP("gid_mapping", "g", nil, "gid map entry inside:outside:count, written by the supervisor")
	newuidMaps := flags.StringArrayP("uid_mapping_helper", "U", nil, "uid map entry written via /usr/bin/newuidmap")
	newgidMaps := flags.StringArrayP("gid_mapping_helper", "G", nil, "gid map entry written via /usr/bin/newgidmap")

	keepEnv := flags.BoolP("keep_env", "e", false, "pass the current environment to the child")
	keepCaps := flags.Bool("keep_caps", false, "don't drop capabilities in the child")
	silent := flags.Bool("silent", false, "redirect child stdio to /dev/null (standalone modes)")
	skipSetsid := flags.Bool("skip_setsid", false, "don't call setsid in the child")
	disableNNP := flags.Bool("disable_no_new_privs", false, "don't set PR_SET_NO_NEW_PRIVS")
	daemonize := flags.BoolP("daemonize", "d", false, "detach from the terminal before running")
	env := flags.StringArrayP("env", "E", nil, "KEY=VALUE passed to the child")
	passFDs := flags.IntSlice("pass_fd", nil, "fd kept open across exec (not swept close-on-exec)")

	secAllow := flags.StringArray("seccomp_allow", nil, "syscall name always allowed by the filter")
	secKill := flags.StringArray("seccomp_kill", nil, "syscall name killing the process when invoked")
	secDefault := flags.String("seccomp_default", "", "default filter action: allow|errno|trap|kill|log, empty disables seccomp")

	cgMemMount := flags.String("cgroup_mem_mount", "/sys/fs/cgroup/memory", "memory controller mount point")
	cgMemParent := flags.String("cgroup_mem_parent", "", "parent cgroup for the memory controller")
	cgMemMax := flags.Uint64("cgroup_mem_max", 0, "memory.limit_in_bytes, 0 disables")
	cgPidsMount := flags.String("cgroup_pids_mount", "/sys/fs/cgroup/pids", "pids controller mount point")
	cgPidsParent := flags.String("cgroup_pids_parent", "", "parent cgroup for the pids controller")
	cgPidsMax := flags.Uint64("cgroup_pids_max", 0, "pids.max, 0 disables")
	cgNetMount := flags.String("cgroup_net_cls_mount", "/sys/fs/cgroup/net_cls", "net_cls controller mount point")
	cgNetParent := flags.String("cgroup_net_cls_parent", "", "parent cgroup for the net_cls controller")
	cgNetClass := flags.Uint32("cgroup_net_cls_classid", 0, "net_cls.classid, 0 disables")
	cgCPUMount := flags.String("cgroup_cpu_mount", "/sys/fs/cgroup/cpu", "cpu controller mount point")
	cgCPUParent := flags.String("cgroup_cpu_parent", "", "parent cgroup for the cpu controller")
	cgCPUMs := flags.Uint64("cgroup_cpu_ms_per_sec", 0, "cpu time in ms per second, 0 disables")

	macvlanMaster := flags.String("macvlan_iface", "", "master interface for the MACVLAN peer moved into the jail")
	macvlanName := flags.String("macvlan_vs_name", "vs", "name of the MACVLAN peer inside the jail")

	logFile := flags.StringP("log", "l", "", "log file, empty logs to stderr")
	logLevel := flags.StringP("log_level", "v", "info", "log level: debug|info|warn|error")
	logMode := flags.String("log_mode", "production", "log encoder: production|development")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	// config file values become flag defaults, explicit flags still win
	if *configFile != "" {
		v := viper.New()
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", *configFile, err)
		}
		var err error
		flags.VisitAll(func(f *pflag.Flag) {
			if err != nil || f.Changed || !v.IsSet(f.Name) {
				return
			}
			if val := v.GetString(f.Name); val != "" {
				err = f.Value.Set(val)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("config: apply %s: %w", *configFile, err)
		}
	}

	rest := flags.Args()
	if len(rest) == 0 {
		return nil, fmt.Errorf("config: no program to execute, pass it after --")
	}

	m, err := ParseMode(*mode)
	if err != nil {
		return nil, err
	}

	j := &Jail{
		Program:  rest[0],
		Args:     rest,
		Hostname: *hostname,
		Cwd:      *cwd,

		Mode: m,
		Bind: *bind,
		Port: *port,

		TimeLimit:     *tlimit,
		MaxConnsPerIP: *maxConns,

		CloneNewNet:    !*disNet,
		CloneNewUser:   !*disUser,
		CloneNewNS:     !*disNS,
		CloneNewPID:    !*disPID,
		CloneNewIPC:    !*disIPC,
		CloneNewUTS:    !*disUTS,
		CloneNewCgroup: !*disCgroup,

		Personality: *personality,

		KeepEnv:           *keepEnv,
		KeepCaps:          *keepCaps,
		Silent:            *silent,
		SkipSetsid:        *skipSetsid,
		DisableNoNewPrivs: *disableNNP,
		Daemonize:         *daemonize,

		Env:     *env,
		PassFDs: *passFDs,

		MacvlanMaster: *macvlanMaster,
		MacvlanName:   *macvlanName,

		LogFile:  *logFile,
		LogLevel: *logLevel,
		LogMode:  *logMode,
	}

	j.RLimits = rlimit.Limits{
		AddressSpace: rlimit.MB(*rlAS),
		Core:         rlimit.MB(*rlCore),
		CPU:          *rlCPU,
		FileSize:     rlimit.MB(*rlFsize),
		OpenFile:     *rlNofile,
		NProc:        softDefault(unix.RLIMIT_NPROC, *rlNproc),
		Stack:        softDefault(unix.RLIMIT_STACK, rlimit.MB(*rlStack)),
	}

	if j.UIDMaps, err = parseMaps(*uidMaps, *newuidMaps, uint32(os.Geteuid())); err != nil {
		return nil, err
	}
	if j.GIDMaps, err = parseMaps(*gidMaps, *newgidMaps, uint32(os.Getegid())); err != nil {
		return nil, err
	}

	if *secDefault != "" {
		act, err := parseAction(*secDefault)
		if err != nil {
			return nil, err
		}
		b := seccomp.Builder{Allow: *secAllow, Kill: *secKill, Default: act}
		if j.Seccomp, err = b.Build(); err != nil {
			return nil, err
		}
	}

	j.Mounts = mount.Plan{Chroot: *chroot, RootRW: *rootRW, TmpfsSize: *tmpfsSize}
	if *mountProc {
		j.Mounts.AddProc(!*procRW)
	}
	for _, s := range *bindRO {
		src, dst := splitBind(s)
		j.Mounts.AddBind(src, dst, true)
	}
	for _, s := range *bindRW {
		src, dst := splitBind(s)
		j.Mounts.AddBind(src, dst, false)
	}
	for _, t := range *tmpfsMnt {
		j.Mounts.AddTmpfs(t)
	}

	if *cgMemMax > 0 || *cgPidsMax > 0 || *cgNetClass > 0 || *cgCPUMs > 0 {
		j.Cgroup = &cgroup.Config{
			MemMount: *cgMemMount, MemParent: *cgMemParent, MemMax: *cgMemMax,
			PidsMount: *cgPidsMount, PidsParent: *cgPidsParent, PidsMax: *cgPidsMax,
			NetClsMount: *cgNetMount, NetClsParent: *cgNetParent, NetClsClassID: *cgNetClass,
			CPUMount: *cgCPUMount, CPUParent: *cgCPUParent, CPUMsPerSec: *cgCPUMs,
		}
	}

	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// softDefault substitutes the current soft limit when the flag is zero
func softDefault(res int, v uint64) uint64 {
	if v != 0 {
		return v
	}
	var r unix.Rlimit
	if err := unix.Getrlimit(res, &r); err == nil {
		return r.Cur
	}
	return rlimit.RLimInfinity
}

func parseMaps(self, helper []string, cur uint32) ([]IDMap, error) {
	var out []IDMap
	for _, s := range self {
		m, err := ParseIDMap(s, cur, false)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	for _, s := range helper {
		m, err := ParseIDMap(s, cur, true)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		out = []IDMap{{Inside: cur, Outside: cur, Count: 1}}
	}
	return out, nil
}

func parseAction(s string) (seccomp.Action, error) {
	switch s {
	case "allow":
		return seccomp.ActionAllow, nil
	case "errno":
		return seccomp.ActionErrno, nil
	case "trap":
		return seccomp.ActionTrap, nil
	case "kill":
		return seccomp.ActionKill, nil
	case "log":
		return seccomp.ActionLog, nil
	}
	return 0, fmt.Errorf("config: unknown seccomp action %q", s)
}

func splitBind(s string) (src, dst string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return s, s
}
