// Command jail executes a program inside a namespace sandbox: standalone,
// repeated, direct-exec, or forking one sandboxed child per inbound TCP
// connection.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/criyle/go-jail/config"
	"github.com/criyle/go-jail/jail"
	"github.com/criyle/go-jail/logger"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// marker environment variable for the detached re-exec
const daemonEnv = "_GO_JAIL_DAEMON"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cfg.Daemonize && os.Getenv(daemonEnv) == "" {
		if err := daemonize(); err != nil {
			fmt.Fprintln(os.Stderr, "daemonize:", err)
			os.Exit(1)
		}
		// parent leaves, the detached copy carries on
		os.Exit(0)
	}
	os.Unsetenv(daemonEnv)

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if !cfg.CloneNewUser && os.Geteuid() != 0 {
		log.Warn("running without a user namespace usually requires root")
	}

	d, err := jail.NewDriver(cfg, log)
	if err != nil {
		log.Error("cannot initialize driver", zap.Error(err))
		os.Exit(1)
	}
	os.Exit(d.Run())
}

func newLogger(cfg *config.Jail) (*zap.Logger, error) {
	if cfg.LogFile != "" {
		return logger.NewFile(cfg.LogFile, cfg.LogMode, cfg.LogLevel)
	}
	return logger.New(cfg.LogMode, cfg.LogLevel)
}

// daemonize re-executes the binary detached from the terminal: new session,
// stdio on /dev/null, cwd at /
func daemonize() error {
	null, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer null.Close()

	cmd := exec.Command("/proc/self/exe", os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin = null
	cmd.Stdout = null
	cmd.Stderr = null
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}
