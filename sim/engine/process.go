// Engine process lifecycle. The launcher keeps the exact process handle
// returned by the OS; cleanup always targets that handle, never a process
// name, so unrelated engine instances survive our teardown.

package engine

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// LaunchSpec describes one engine instance to start.
type LaunchSpec struct {
	Label       string // unique session label
	ConfigFile  string // engine scenario config path
	UseGUI      bool
	ControlPort int // port the engine listens on for the control channel
}

// Process is a handle to a launched engine instance.
type Process interface {
	PID() int
	// Terminate asks the process to exit and waits up to grace; if it is
	// still alive after that it is force-killed. Safe to call repeatedly.
	Terminate(grace time.Duration) error
}

// Launcher starts engine processes.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// execLauncher launches the engine binary from Config via os/exec.
type execLauncher struct {
	cfg Config
}

// NewLauncher creates the default os/exec-backed Launcher.
func NewLauncher(cfg Config) Launcher {
	return &execLauncher{cfg: cfg}
}

func (l *execLauncher) Launch(spec LaunchSpec) (Process, error) {
	binary := l.cfg.binaryPath(spec.UseGUI)
	if _, err := os.Stat(binary); err != nil {
		return nil, fmt.Errorf("engine binary not found at %s: %w", binary, err)
	}

	args := []string{
		"-c", spec.ConfigFile,
		"--step-length", strconv.FormatFloat(l.cfg.StepLength, 'f', -1, 64),
		"--remote-port", strconv.Itoa(spec.ControlPort),
		"--no-warnings",
		"--no-step-log",
		"--duration-log.disable",
	}
	if !spec.UseGUI {
		args = append(args, "--quit-on-end")
	}

	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), "ENGINE_HOME="+l.cfg.Home)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch engine for %s: %w", spec.Label, err)
	}

	logrus.Infof("Engine launched for session %s (pid=%d, port=%d)",
		spec.Label, cmd.Process.Pid, spec.ControlPort)
	return newExecProcess(cmd), nil
}

// execProcess wraps one started command. Exactly this handle is signaled on
// teardown. done is closed once the process has exited, so repeated
// Terminate calls observe the exit instead of re-waiting.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// newExecProcess wraps an already-started command and begins reaping it.
func newExecProcess(cmd *exec.Cmd) *execProcess {
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(p.done)
	}()
	return p
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil // already exited
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Signal delivery failing usually means the process is already gone.
		logrus.Debugf("SIGTERM to pid %d failed: %v", p.PID(), err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	logrus.Warnf("Engine pid %d did not exit within %s, killing", p.PID(), grace)
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill engine pid %d: %w", p.PID(), err)
	}
	<-p.done
	return nil
}
