// Package sandbox starts and supervises the isolated processes that run game
// artifacts, one per session.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"gamebattle-orchestrator/metrics"
	"gamebattle-orchestrator/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	ErrArtifactNotFound = errors.New("sandbox: game artifact not found")
	ErrLaunchFailed     = errors.New("sandbox: launch failed")
	ErrQuotaExceeded    = errors.New("sandbox: live sandbox quota exceeded")
	ErrAlreadyAttached  = errors.New("sandbox: streams already attached")
)

// Limits is the ceiling applied to one sandbox.
type Limits struct {
	CPUFraction float64
	MemoryBytes int64
	PidsLimit   int64
	// MaxLifetime is enforced by the controller regardless of runtime.
	MaxLifetime time.Duration
}

// LaunchSpec is what a Runtime needs to start one sandbox.
type LaunchSpec struct {
	Name     string
	Artifact models.GameArtifact
	Limits   Limits
}

// ExitStatus is what a runtime reports when its process ends.
type ExitStatus struct {
	Code      int
	OOMKilled bool
}

// Runtime is an isolation facility: docker containers, FIFO-wired host
// processes, or in-memory programs.
type Runtime interface {
	Name() string
	Launch(ctx context.Context, spec LaunchSpec) (Instance, error)
}

// Instance is one launched sandbox as seen by its runtime.
type Instance interface {
	ID() string
	// Streams returns the sandbox's input writer and output reader.
	Streams() (io.WriteCloser, io.ReadCloser)
	// Stop asks the process to exit and kills it after grace.
	Stop(ctx context.Context, grace time.Duration) error
	// Wait blocks until the process has exited.
	Wait(ctx context.Context) (ExitStatus, error)
	Resize(ctx context.Context, rows, cols uint) error
	// Cleanup releases the isolation boundary and I/O channel.
	Cleanup(ctx context.Context) error
}

// ArtifactResolver maps a game id to its artifact.
type ArtifactResolver interface {
	Resolve(gameID string) (models.GameArtifact, error)
}

// Exit is the controller's view of how a sandbox ended.
type Exit struct {
	Code          int
	Duration      time.Duration
	KilledByLimit bool
	// Stopped is set when SignalStop was called before the exit.
	Stopped   bool
	OOMKilled bool
	StartedAt time.Time
	EndedAt   time.Time
}

// Handle is the opaque reference to one running sandbox.
type Handle struct {
	ID        string
	GameID    string
	Artifact  models.GameArtifact
	StartedAt time.Time

	inst     Instance
	limits   Limits
	attached atomic.Bool
	stopped  atomic.Bool
	limitHit atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	exit     Exit
}

// Done is closed once the sandbox has exited and been torn down.
func (h *Handle) Done() <-chan struct{} { return h.done }

type Options struct {
	MaxLive       int64
	StopGrace     time.Duration
	LaunchTimeout time.Duration
	// KillWait bounds how long the controller waits for a killed process to
	// be reaped before declaring it gone.
	KillWait time.Duration
}

// Controller owns every sandbox handle on this instance.
type Controller struct {
	runtime  Runtime
	resolver ArtifactResolver
	quota    *semaphore.Weighted
	opts     Options
	log      logrus.FieldLogger

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewController(runtime Runtime, resolver ArtifactResolver, opts Options, log logrus.FieldLogger) *Controller {
	if opts.MaxLive <= 0 {
		opts.MaxLive = 64
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 30 * time.Second
	}
	if opts.KillWait <= 0 {
		opts.KillWait = 10 * time.Second
	}
	return &Controller{
		runtime:  runtime,
		resolver: resolver,
		quota:    semaphore.NewWeighted(opts.MaxLive),
		opts:     opts,
		log:      log.WithFields(logrus.Fields{"component": "sandbox", "runtime": runtime.Name()}),
		handles:  make(map[string]*Handle),
	}
}

// Start launches gameID under limits. On error nothing is left running.
func (c *Controller) Start(ctx context.Context, gameID string, limits Limits) (*Handle, error) {
	artifact, err := c.resolver.Resolve(gameID)
	if err != nil {
		return nil, err
	}
	if limits.MaxLifetime <= 0 {
		return nil, fmt.Errorf("%w: max lifetime must be positive", ErrLaunchFailed)
	}
	if !c.quota.TryAcquire(1) {
		metrics.SandboxLaunchFailures.WithLabelValues("quota").Inc()
		return nil, ErrQuotaExceeded
	}

	id := uuid.NewString()
	launchCtx, cancel := context.WithTimeout(ctx, c.opts.LaunchTimeout)
	defer cancel()

	inst, err := c.runtime.Launch(launchCtx, LaunchSpec{
		Name:     "gamebattle-" + id,
		Artifact: artifact,
		Limits:   limits,
	})
	if err != nil {
		c.quota.Release(1)
		if errors.Is(err, ErrArtifactNotFound) {
			metrics.SandboxLaunchFailures.WithLabelValues("artifact").Inc()
			return nil, err
		}
		metrics.SandboxLaunchFailures.WithLabelValues("launch").Inc()
		c.log.WithError(err).WithField("game_id", gameID).Warn("Sandbox launch failed")
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	h := &Handle{
		ID:        id,
		GameID:    gameID,
		Artifact:  artifact,
		StartedAt: time.Now(),
		inst:      inst,
		limits:    limits,
		done:      make(chan struct{}),
	}
	c.mu.Lock()
	c.handles[id] = h
	c.mu.Unlock()
	metrics.SandboxesLive.Inc()

	c.log.WithFields(logrus.Fields{
		"sandbox_id":  id,
		"instance_id": inst.ID(),
		"game_id":     gameID,
		"lifetime":    limits.MaxLifetime,
	}).Info("Sandbox started")

	go c.watch(h)
	return h, nil
}

type waitResult struct {
	status ExitStatus
	err    error
}

// watch enforces the wall-clock ceiling and tears the sandbox down exactly
// once when it exits.
func (c *Controller) watch(h *Handle) {
	waitCh := make(chan waitResult, 1)
	go func() {
		st, err := h.inst.Wait(context.Background())
		waitCh <- waitResult{status: st, err: err}
	}()

	deadline := time.NewTimer(h.limits.MaxLifetime)
	defer deadline.Stop()

	var res waitResult
	select {
	case res = <-waitCh:
	case <-deadline.C:
		h.limitHit.Store(true)
		c.log.WithField("sandbox_id", h.ID).Warn("Sandbox hit its lifetime limit, stopping")
		c.stop(h, c.opts.StopGrace)
		select {
		case res = <-waitCh:
		case <-time.After(c.opts.StopGrace + c.opts.KillWait):
			res = waitResult{status: ExitStatus{Code: 137}, err: errors.New("process did not exit after kill")}
		}
	}

	ended := time.Now()
	h.exit = Exit{
		Code:          res.status.Code,
		Duration:      ended.Sub(h.StartedAt),
		KilledByLimit: h.limitHit.Load() || res.status.OOMKilled,
		Stopped:       h.stopped.Load(),
		OOMKilled:     res.status.OOMKilled,
		StartedAt:     h.StartedAt,
		EndedAt:       ended,
	}
	if res.err != nil {
		c.log.WithError(res.err).WithField("sandbox_id", h.ID).Warn("Sandbox wait failed, treating as crash")
		if h.exit.Code == 0 {
			h.exit.Code = -1
		}
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := h.inst.Cleanup(cleanupCtx); err != nil {
		c.log.WithError(err).WithField("sandbox_id", h.ID).Warn("Sandbox cleanup failed")
	}
	cancel()

	c.mu.Lock()
	delete(c.handles, h.ID)
	c.mu.Unlock()
	c.quota.Release(1)
	metrics.SandboxesLive.Dec()

	c.log.WithFields(logrus.Fields{
		"sandbox_id": h.ID,
		"code":       h.exit.Code,
		"duration":   h.exit.Duration.Round(time.Millisecond),
		"limit":      h.exit.KilledByLimit,
		"stopped":    h.exit.Stopped,
	}).Info("Sandbox exited")
	close(h.done)
}

// AttachIO returns the sandbox's input writer and output reader. It succeeds
// once per handle.
func (c *Controller) AttachIO(h *Handle) (io.WriteCloser, io.ReadCloser, error) {
	if !h.attached.CompareAndSwap(false, true) {
		return nil, nil, ErrAlreadyAttached
	}
	w, r := h.inst.Streams()
	return w, r, nil
}

// SignalStop requests termination, escalating to a kill after grace. Calls
// after the first, or after exit, do nothing.
func (c *Controller) SignalStop(h *Handle, grace time.Duration) {
	select {
	case <-h.done:
		return
	default:
	}
	if grace <= 0 {
		grace = c.opts.StopGrace
	}
	go c.stop(h, grace)
}

func (c *Controller) stop(h *Handle, grace time.Duration) {
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), grace+c.opts.KillWait)
		defer cancel()
		if err := h.inst.Stop(ctx, grace); err != nil {
			c.log.WithError(err).WithField("sandbox_id", h.ID).Warn("Sandbox stop failed")
		}
	})
}

// Wait blocks until the sandbox has exited and been torn down.
func (c *Controller) Wait(ctx context.Context, h *Handle) (Exit, error) {
	select {
	case <-h.done:
		return h.exit, nil
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

func (c *Controller) Resize(ctx context.Context, h *Handle, rows, cols uint) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	return h.inst.Resize(ctx, rows, cols)
}

// Live returns the number of sandboxes not yet torn down.
func (c *Controller) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// StopAll stops every live sandbox and waits for teardown or ctx.
func (c *Controller) StopAll(ctx context.Context) {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		c.SignalStop(h, c.opts.StopGrace)
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return
		}
	}
}
