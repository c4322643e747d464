package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Program is an in-memory game: it reads input, writes output and returns an
// exit code. It should return promptly once ctx is cancelled.
type Program func(ctx context.Context, stdin io.Reader, stdout io.Writer) int

// PipeRuntime runs Programs in-process, wired with io.Pipe. It stands in for
// the docker and FIFO runtimes where no isolation is needed.
type PipeRuntime struct {
	mu       sync.RWMutex
	programs map[string]Program
}

func NewPipeRuntime() *PipeRuntime {
	return &PipeRuntime{programs: make(map[string]Program)}
}

// Register binds a program to a game id.
func (r *PipeRuntime) Register(gameID string, p Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[gameID] = p
}

func (r *PipeRuntime) Name() string { return "pipe" }

func (r *PipeRuntime) Launch(ctx context.Context, spec LaunchSpec) (Instance, error) {
	r.mu.RLock()
	prog, ok := r.programs[spec.Artifact.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no program for %s", ErrArtifactNotFound, spec.Artifact.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	inst := &pipeInstance{
		id:     uuid.NewString(),
		inR:    inR,
		inW:    inW,
		outR:   outR,
		outW:   outW,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		code := prog(runCtx, inR, outW)
		inst.finish(code)
	}()
	return inst, nil
}

type pipeInstance struct {
	id     string
	inR    *io.PipeReader
	inW    *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter
	cancel context.CancelFunc

	once sync.Once
	code int
	done chan struct{}
}

func (p *pipeInstance) finish(code int) {
	p.once.Do(func() {
		p.code = code
		// a dead process closes its ends of both channels
		_ = p.outW.Close()
		_ = p.inR.CloseWithError(io.ErrClosedPipe)
		close(p.done)
	})
}

func (p *pipeInstance) ID() string { return p.id }

func (p *pipeInstance) Streams() (io.WriteCloser, io.ReadCloser) {
	return p.inW, p.outR
}

func (p *pipeInstance) Stop(ctx context.Context, grace time.Duration) error {
	p.cancel()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		// the program ignored cancellation; sever its streams and report a kill
		p.finish(137)
	case <-ctx.Done():
		p.finish(137)
	}
	return nil
}

func (p *pipeInstance) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		return ExitStatus{Code: p.code}, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (p *pipeInstance) Resize(context.Context, uint, uint) error { return nil }

func (p *pipeInstance) Cleanup(context.Context) error {
	p.cancel()
	_ = p.inW.Close()
	_ = p.outR.Close()
	return nil
}
