package jail

import (
	"os"
	"os/signal"
	"time"

	"github.com/criyle/go-jail/config"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// acceptTickMs bounds how long the listener blocks in poll, so timeouts and
// pending signals are checked at least once a second
const acceptTickMs = 1000

// Driver runs the top-level execution loop for the configured mode. It owns
// the registry and the spawner and is the only goroutine touching them.
type Driver struct {
	conf    *config.Jail
	log     *zap.Logger
	reg     *Registry
	spawner *Spawner

	sigCh    chan os.Signal
	fatalSig os.Signal
	showProc bool
}

// NewDriver prepares the driver for the given validated configuration
func NewDriver(c *config.Jail, log *zap.Logger) (*Driver, error) {
	reg := NewRegistry()
	spawner, err := NewSpawner(c, reg, log)
	if err != nil {
		return nil, err
	}
	return &Driver{
		conf:    c,
		log:     log,
		reg:     reg,
		spawner: spawner,
		sigCh:   make(chan os.Signal, 16),
	}, nil
}

// Run executes the configured mode and returns the supervisor exit code:
// the last reaped child's mapped status in standalone modes, -1 when a fatal
// signal stopped a standalone supervisor, and 0 when the listener shuts down
// on a fatal signal.
func (d *Driver) Run() int {
	if d.conf.Mode == config.ModeExecve {
		// replaces the process image on success
		err := d.spawner.Spawn(0, 1, 2)
		d.log.Error("direct exec failed", zap.Error(err))
		return 1
	}

	signal.Notify(d.sigCh,
		unix.SIGINT, unix.SIGQUIT, unix.SIGUSR1,
		unix.SIGTERM, unix.SIGCHLD)
	defer signal.Stop(d.sigCh)

	if d.conf.Mode == config.ModeListenTCP {
		return d.listenLoop()
	}
	return d.standaloneLoop()
}

// handleSignal folds a delivered signal into the driver flags. SIGCHLD only
// wakes the loop so the reaper runs; USR1/QUIT request a process dump; every
// other notified signal is fatal.
func (d *Driver) handleSignal(sig os.Signal) {
	switch sig {
	case unix.SIGCHLD:
	case unix.SIGUSR1, unix.SIGQUIT:
		d.showProc = true
	default:
		d.fatalSig = sig
	}
}

// drainSignals folds every pending signal without blocking
func (d *Driver) drainSignals() {
	for {
		select {
		case sig := <-d.sigCh:
			d.handleSignal(sig)
		default:
			return
		}
	}
}

// standaloneLoop spawns onto the supervisor's stdio and supervises until the
// child tree drains (once) or forever (rerun)
func (d *Driver) standaloneLoop() int {
	if err := d.spawner.Spawn(0, 1, 2); err != nil {
		d.log.Error("initial spawn failed", zap.Error(err))
		return 1
	}

	// periodic wakeup so the time-limit sweep runs while children live
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		status := d.reap()

		if d.reg.Count() == 0 {
			if d.conf.Mode == config.ModeOnce {
				return status
			}
			if err := d.spawner.Spawn(0, 1, 2); err != nil {
				d.log.Error("respawn failed", zap.Error(err))
				return 1
			}
			continue
		}
		if d.showProc {
			d.showProc = false
			d.displayProc()
		}
		if d.fatalSig != nil {
			d.reg.KillAll()
			d.log.Info("fatal signal received, killed all children",
				zap.String("signal", d.fatalSig.String()))
			return -1
		}

		select {
		case sig := <-d.sigCh:
			d.handleSignal(sig)
			d.drainSignals()
		case <-tick.C:
		}
	}
}

// listenLoop accepts TCP connections and forks one sandboxed child per
// connection, with the reaper running between accepts
func (d *Driver) listenLoop() int {
	listenFD, err := netListen(d.conf.Bind, d.conf.Port)
	if err != nil {
		d.log.Error("cannot listen", zap.Error(err))
		return 1
	}
	defer unix.Close(listenFD)

	d.log.Info("listening",
		zap.String("host", d.conf.Bind),
		zap.Int("port", d.conf.Port))

	for {
		d.drainSignals()
		if d.fatalSig != nil {
			d.reg.KillAll()
			d.log.Info("fatal signal received, killed all children",
				zap.String("signal", d.fatalSig.String()))
			return 0
		}
		if d.showProc {
			d.showProc = false
			d.displayProc()
		}

		if connFD := netAccept(listenFD, acceptTickMs); connFD >= 0 {
			if err := d.spawner.Spawn(connFD, connFD, connFD); err != nil {
				d.log.Warn("spawn for connection failed", zap.Error(err))
			}
			unix.Close(connFD)
		}

		d.reap()
	}
}

// displayProc dumps the live children, triggered by SIGUSR1/SIGQUIT
func (d *Driver) displayProc() {
	d.log.Info("total number of spawned namespaces", zap.Int("count", d.reg.Count()))
	now := time.Now()
	for _, rec := range d.reg.Records() {
		run := int64(now.Sub(rec.Start) / time.Second)
		var left int64
		if d.conf.TimeLimit > 0 {
			left = d.conf.TimeLimit - run
		}
		d.log.Info("child",
			zap.Int("pid", rec.PID),
			zap.String("remote", rec.Remote),
			zap.Int64("run_sec", run),
			zap.Int64("left_sec", left))
	}
}
