//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ProcessRuntime runs the artifact's command as a host process whose stdin
// and stdout are named FIFOs in a per-sandbox directory. The directory is the
// sandbox's I/O channel and is removed at teardown.
type ProcessRuntime struct {
	workDir string
	log     logrus.FieldLogger
}

func NewProcessRuntime(workDir string, log logrus.FieldLogger) (*ProcessRuntime, error) {
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating sandbox work dir: %w", err)
	}
	return &ProcessRuntime{workDir: workDir, log: log.WithField("component", "sandbox.process")}, nil
}

func (r *ProcessRuntime) Name() string { return "process" }

func (r *ProcessRuntime) Launch(ctx context.Context, spec LaunchSpec) (Instance, error) {
	argv := spec.Artifact.Command
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: %s has no command", ErrArtifactNotFound, spec.Artifact.ID)
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactNotFound, err)
	}

	dir := filepath.Join(r.workDir, spec.Name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}
	inst, err := r.launch(spec, dir, argv)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return inst, nil
}

func (r *ProcessRuntime) launch(spec LaunchSpec, dir string, argv []string) (*processInstance, error) {
	inPath := filepath.Join(dir, "stdin")
	outPath := filepath.Join(dir, "stdout")
	for _, p := range []string{inPath, outPath} {
		if err := unix.Mkfifo(p, 0o600); err != nil {
			return nil, fmt.Errorf("mkfifo %s: %w", p, err)
		}
	}

	// O_RDWR opens never block on a FIFO, which lets both ends be opened from
	// this process before the child exists.
	childIn, err := os.OpenFile(inPath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer childIn.Close()
	parentIn, err := os.OpenFile(inPath, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	childOut, err := os.OpenFile(outPath, os.O_RDWR, 0)
	if err != nil {
		parentIn.Close()
		return nil, err
	}
	defer childOut.Close()
	parentOut, err := os.OpenFile(outPath, os.O_RDONLY, 0)
	if err != nil {
		parentIn.Close()
		return nil, err
	}

	argv = limitedArgv(spec.Limits, argv)
	if spec.Limits.PidsLimit > 0 {
		r.log.WithField("pids_limit", spec.Limits.PidsLimit).Debug("process runtime does not cap pids")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = childOut
	cmd.Env = []string{"TERM=xterm", "HOME=" + dir, "PATH=" + os.Getenv("PATH")}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		parentIn.Close()
		parentOut.Close()
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	inst := &processInstance{
		dir:    dir,
		cmd:    cmd,
		stdin:  parentIn,
		stdout: parentOut,
		done:   make(chan struct{}),
		log:    r.log.WithField("pid", cmd.Process.Pid),
	}
	go inst.reap()
	return inst, nil
}

const shellPath = "/bin/sh"

// limitedArgv wraps argv in a shell that sets the rlimits and then execs the
// game, so the limits hold from its first instruction. RLIMIT_NPROC counts
// every process of the uid, so pids are left to the docker runtime. CPU
// share cannot be capped without cgroups; CPU time bounds total work instead.
func limitedArgv(l Limits, argv []string) []string {
	var script []string
	if l.MemoryBytes > 0 {
		kb := (l.MemoryBytes + 1023) / 1024
		script = append(script, "ulimit -v "+strconv.FormatInt(kb, 10))
	}
	if l.MaxLifetime > 0 {
		secs := int64(l.MaxLifetime/time.Second) + 1
		script = append(script, "ulimit -t "+strconv.FormatInt(secs, 10))
	}
	if len(script) == 0 {
		return argv
	}
	script = append(script, `exec "$0" "$@"`)
	return append([]string{shellPath, "-c", strings.Join(script, " && ")}, argv...)
}

type processInstance struct {
	dir    string
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	log    logrus.FieldLogger

	status ExitStatus
	done   chan struct{}

	cleanupOnce sync.Once
}

func (p *processInstance) reap() {
	err := p.cmd.Wait()
	st := ExitStatus{}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		st.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Code = 128 + int(ws.Signal())
		}
	default:
		st.Code = -1
	}
	p.status = st
	close(p.done)
}

func (p *processInstance) ID() string { return fmt.Sprintf("pid-%d", p.cmd.Process.Pid) }

func (p *processInstance) Streams() (io.WriteCloser, io.ReadCloser) {
	return p.stdin, p.stdout
}

func (p *processInstance) signal(sig unix.Signal) {
	// negative pid targets the whole process group
	if err := unix.Kill(-p.cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		p.log.WithError(err).WithField("signal", sig).Debug("signal failed")
	}
}

func (p *processInstance) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.signal(unix.SIGTERM)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	p.signal(unix.SIGKILL)
	return nil
}

func (p *processInstance) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		return p.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (p *processInstance) Resize(context.Context, uint, uint) error { return nil }

func (p *processInstance) Cleanup(context.Context) error {
	var err error
	p.cleanupOnce.Do(func() {
		_ = p.stdin.Close()
		_ = p.stdout.Close()
		err = os.RemoveAll(p.dir)
	})
	return err
}
