// Package supervisor launches the process tree of one desktop instance and
// tears it down again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/helixml/deskpool/api/pkg/types"
)

// BootstrapLogName is the file in the work directory that receives the
// bootstrap command's stdout and stderr
const BootstrapLogName = "bootstrap.log"

const exitPollInterval = 100 * time.Millisecond

var ErrBootstrapNotFound = errors.New("bootstrap command not found")

type Options struct {
	// Bootstrap is invoked as <bootstrap> <name> <display> <vnc_port> <novnc_port>
	Bootstrap   string
	GracePeriod time.Duration
	Commander   Commander
}

type Supervisor struct {
	bootstrap   string
	gracePeriod time.Duration
	commander   Commander
}

func New(opts Options) (*Supervisor, error) {
	if opts.Bootstrap == "" {
		return nil, fmt.Errorf("bootstrap command is required")
	}
	if opts.Commander == nil {
		opts.Commander = &RealCommander{}
	}
	return &Supervisor{
		bootstrap:   opts.Bootstrap,
		gracePeriod: opts.GracePeriod,
		commander:   opts.Commander,
	}, nil
}

// Process is the root of a spawned process tree. It leads its own process
// group, so the group id equals PID.
type Process struct {
	PID int

	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

// Done is closed once the root process has been reaped
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the root process is still running
func (p *Process) Alive() bool {
	if p == nil {
		return false
	}
	if p.done == nil {
		return processAlive(p.PID)
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr is the error returned by Wait. Only meaningful once Done is closed.
func (p *Process) ExitErr() error {
	return p.exitErr
}

func (p *Process) wait(name string) {
	defer close(p.done)
	err := p.cmd.Wait()
	p.exitErr = err
	if err != nil {
		log.Debug().Err(err).Str("instance", name).Int("pid", p.PID).Msg("bootstrap process exited")
		return
	}
	log.Debug().Str("instance", name).Int("pid", p.PID).Msg("bootstrap process exited cleanly")
}

// Spawn starts the bootstrap command for one instance and returns without
// waiting for it. The command runs in workDir, which must already exist.
func (s *Supervisor) Spawn(ctx context.Context, name string, resources types.ResourceTriple, workDir string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.commander.LookPath(s.bootstrap)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBootstrapNotFound, s.bootstrap, err)
	}

	logFile, err := os.OpenFile(filepath.Join(workDir, BootstrapLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening bootstrap log: %w", err)
	}
	// the child holds its own descriptor once started
	defer logFile.Close()

	cmd := s.commander.Command(path,
		name,
		strconv.Itoa(resources.Display),
		strconv.Itoa(resources.VNCPort),
		strconv.Itoa(resources.NoVNCPort),
	)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("DISPLAY=:%d", resources.Display),
		"INSTANCE_NAME="+name,
		"INSTANCE_DIR="+workDir,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	log.Debug().Str("instance", name).Str("command", cmd.String()).Msg("starting bootstrap")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting bootstrap %s: %w", path, err)
	}

	proc := &Process{
		PID:  cmd.Process.Pid,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go proc.wait(name)

	log.Info().
		Str("instance", name).
		Int("pid", proc.PID).
		Int("display", resources.Display).
		Int("vnc_port", resources.VNCPort).
		Int("novnc_port", resources.NoVNCPort).
		Msg("bootstrap started")
	return proc, nil
}

// Terminate stops every process of an instance. PID-file processes and the
// root get SIGTERM, then anything still alive after the grace period gets
// SIGKILL along with the root's process group. Every step runs even when an
// earlier one fails; the failures are joined.
func (s *Supervisor) Terminate(ctx context.Context, proc *Process, workDir string) error {
	var errs []error

	roles := ReadProcessRoles(workDir)
	for _, role := range roles {
		if err := signalProcess(role.PID, unix.SIGTERM); err != nil {
			errs = append(errs, fmt.Errorf("error sending SIGTERM to %s (%d): %w", role.Name, role.PID, err))
		}
	}

	if proc.Alive() {
		if err := signalProcess(proc.PID, unix.SIGTERM); err != nil {
			errs = append(errs, fmt.Errorf("error sending SIGTERM to root (%d): %w", proc.PID, err))
		}
	}

	s.waitForExit(ctx, proc, roles)

	if proc != nil && proc.PID > 0 {
		if proc.Alive() {
			log.Warn().Int("pid", proc.PID).Dur("grace_period", s.gracePeriod).Msg("root process ignored SIGTERM, killing")
			if err := signalProcess(proc.PID, unix.SIGKILL); err != nil {
				errs = append(errs, fmt.Errorf("error sending SIGKILL to root (%d): %w", proc.PID, err))
			}
		}
		if groupAlive(proc.PID) {
			if err := signalProcess(-proc.PID, unix.SIGKILL); err != nil {
				errs = append(errs, fmt.Errorf("error sending SIGKILL to process group (%d): %w", proc.PID, err))
			}
		}
	}

	for _, role := range roles {
		if !processAlive(role.PID) {
			continue
		}
		log.Warn().Str("role", role.Name).Int("pid", role.PID).Msg("process ignored SIGTERM, killing")
		if err := signalProcess(role.PID, unix.SIGKILL); err != nil {
			errs = append(errs, fmt.Errorf("error sending SIGKILL to %s (%d): %w", role.Name, role.PID, err))
		}
	}

	return errors.Join(errs...)
}

// waitForExit returns once the root and every PID-file process are gone, the
// grace period elapses, or ctx is cancelled
func (s *Supervisor) waitForExit(ctx context.Context, proc *Process, roles []ProcessRole) {
	if s.gracePeriod <= 0 {
		return
	}
	deadline := time.NewTimer(s.gracePeriod)
	defer deadline.Stop()
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()

	for {
		if !proc.Alive() && !anyAlive(roles) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func anyAlive(roles []ProcessRole) bool {
	for _, role := range roles {
		if processAlive(role.PID) {
			return true
		}
	}
	return false
}

// signalProcess treats an already exited process as success
func signalProcess(pid int, sig unix.Signal) error {
	err := unix.Kill(pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func groupAlive(pgid int) bool {
	return unix.Kill(-pgid, 0) == nil
}

// processAlive reports false for zombies, which still answer signal 0 until
// their parent reaps them
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	// the state follows the parenthesised command name
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) == 0 || fields[0] != "Z"
}
