// Engine subprocess lifecycle: argv construction, startup, and bounded-grace
// termination. The handler treats the process as a scoped resource released
// on every exit path; there are no ambient exit hooks.

package sim

import (
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Verbosity selects the engine's own log verbosity.
type Verbosity string

const (
	VerbosityQuiet       Verbosity = "quiet"
	VerbosityNetworkOnly Verbosity = "network-only"
	VerbosityInformation Verbosity = "information"
	VerbosityDebug       Verbosity = "debug"
)

// engineHandle abstracts the running engine process so control-loop tests can
// substitute a fake.
type engineHandle interface {
	// wait blocks until the process exits or the timeout elapses.
	wait(timeout time.Duration) error
	// terminate asks the process to exit, killing it after the grace period.
	// Idempotent.
	terminate(grace time.Duration)
}

type launchSpec struct {
	command   string
	address   string
	platform  string
	workload  string
	verbosity Verbosity
	outputDir string
}

type launchFunc func(spec launchSpec) (engineHandle, error)

type engineProcess struct {
	cmd  *exec.Cmd
	done chan error
}

// launchEngine starts the engine subprocess with the fixed flag set plus the
// per-run transport address, input files, verbosity, and output directory.
func launchEngine(spec launchSpec) (engineHandle, error) {
	path, err := exec.LookPath(spec.command)
	if err != nil {
		return nil, fmt.Errorf("engine executable %q not found (is Batsim installed and on PATH?): %w", spec.command, err)
	}

	args := []string{
		"-E",
		"--forward-profiles-on-submission",
		"--disable-schedule-tracing",
		"--disable-machine-state-tracing",
		"-s", spec.address,
		"-p", spec.platform,
		"-w", spec.workload,
		"-v", string(spec.verbosity),
		"-e", spec.outputDir,
	}
	cmd := exec.Command(path, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	logrus.Debugf("Engine started: %s %v (pid %d)", path, args, cmd.Process.Pid)

	p := &engineProcess{cmd: cmd, done: make(chan error, 1)}
	go func() { p.done <- cmd.Wait() }()
	return p, nil
}

func (p *engineProcess) wait(timeout time.Duration) error {
	select {
	case err := <-p.done:
		p.done <- err // keep the result for later waiters
		return err
	case <-time.After(timeout):
		return fmt.Errorf("engine did not exit within %s", timeout)
	}
}

func (p *engineProcess) terminate(grace time.Duration) {
	select {
	case err := <-p.done:
		p.done <- err
		return // already exited
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}
	if err := p.wait(grace); err != nil {
		logrus.Warnf("Engine ignored SIGTERM, killing: %v", err)
		_ = p.cmd.Process.Kill()
		_ = p.wait(grace)
	}
}
