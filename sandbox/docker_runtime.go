package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/sirupsen/logrus"
)

const (
	managedLabel  = "gamebattle.managed"
	instanceLabel = "gamebattle.instance"
)

type DockerConfig struct {
	Network string
	// Instance labels containers so RemoveOrphans leaves other instances
	// sharing the daemon alone.
	Instance string
}

// DockerRuntime runs each sandbox as a TTY container with stdin open and no
// network.
type DockerRuntime struct {
	cfg    DockerConfig
	client *client.Client
	log    logrus.FieldLogger
}

func NewDockerRuntime(ctx context.Context, cfg DockerConfig, log logrus.FieldLogger) (*DockerRuntime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if _, err := dockerClient.Ping(ctx); err != nil {
		_ = dockerClient.Close()
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}
	if cfg.Network == "" {
		cfg.Network = "none"
	}
	return &DockerRuntime{
		cfg:    cfg,
		client: dockerClient,
		log:    log.WithField("component", "sandbox.docker"),
	}, nil
}

func (r *DockerRuntime) Name() string { return "docker" }

func (r *DockerRuntime) Close() error { return r.client.Close() }

// RemoveOrphans force-removes containers left behind by a previous process
// of this instance.
func (r *DockerRuntime) RemoveOrphans(ctx context.Context) error {
	list, err := r.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	for _, c := range list {
		if c.Labels[managedLabel] != "true" || c.Labels[instanceLabel] != r.cfg.Instance {
			continue
		}
		if err := r.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			r.log.WithError(err).WithField("container_id", c.ID).Warn("Failed to remove orphaned container")
		}
	}
	return nil
}

func (r *DockerRuntime) Launch(ctx context.Context, spec LaunchSpec) (Instance, error) {
	image := spec.Artifact.ImageName()
	pids := spec.Limits.PidsLimit
	initProc := true

	containerConfig := &container.Config{
		Image:        image,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			managedLabel:      "true",
			instanceLabel:     r.cfg.Instance,
			"gamebattle.game": spec.Artifact.ID,
		},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.cfg.Network),
		Init:        &initProc,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			NanoCPUs:   int64(spec.Limits.CPUFraction * 1e9),
			Memory:     spec.Limits.MemoryBytes,
			MemorySwap: spec.Limits.MemoryBytes,
			PidsLimit:  &pids,
		},
	}
	if pids <= 0 {
		hostConfig.Resources.PidsLimit = nil
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: image %s", ErrArtifactNotFound, image)
		}
		return nil, fmt.Errorf("creating container: %w", err)
	}
	containerID := resp.ID

	// attach before start so no early output is lost
	hijacked, err := r.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.forceRemove(containerID)
		return nil, fmt.Errorf("attaching container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		hijacked.Close()
		r.forceRemove(containerID)
		return nil, fmt.Errorf("starting container: %w", err)
	}

	return &dockerInstance{
		runtime:  r,
		id:       containerID,
		hijacked: hijacked,
	}, nil
}

func (r *DockerRuntime) forceRemove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		r.log.WithError(err).WithField("container_id", containerID).Warn("Failed to remove container")
	}
}

type dockerInstance struct {
	runtime   *DockerRuntime
	id        string
	hijacked  types.HijackedResponse
	closeOnce sync.Once
}

func (d *dockerInstance) ID() string { return d.id }

func (d *dockerInstance) Streams() (io.WriteCloser, io.ReadCloser) {
	return &hijackedStdin{resp: d.hijacked}, &hijackedStdout{inst: d}
}

func (d *dockerInstance) closeConn() {
	d.closeOnce.Do(d.hijacked.Close)
}

func (d *dockerInstance) Stop(ctx context.Context, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	err := d.runtime.client.ContainerStop(ctx, d.id, container.StopOptions{Timeout: &secs})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

func (d *dockerInstance) Wait(ctx context.Context) (ExitStatus, error) {
	statusCh, errCh := d.runtime.client.ContainerWait(ctx, d.id, container.WaitConditionNotRunning)
	var st ExitStatus
	select {
	case err := <-errCh:
		if err != nil {
			return ExitStatus{Code: -1}, fmt.Errorf("waiting for container: %w", err)
		}
	case status := <-statusCh:
		st.Code = int(status.StatusCode)
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}

	info, err := d.runtime.client.ContainerInspect(ctx, d.id)
	if err == nil && info.State != nil {
		st.OOMKilled = info.State.OOMKilled
	}
	return st, nil
}

func (d *dockerInstance) Resize(ctx context.Context, rows, cols uint) error {
	return d.runtime.client.ContainerResize(ctx, d.id, container.ResizeOptions{Height: rows, Width: cols})
}

func (d *dockerInstance) Cleanup(ctx context.Context) error {
	d.closeConn()
	err := d.runtime.client.ContainerRemove(ctx, d.id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// hijackedStdin half-closes the attach connection.
type hijackedStdin struct {
	resp types.HijackedResponse
}

func (w *hijackedStdin) Write(p []byte) (int, error) { return w.resp.Conn.Write(p) }
func (w *hijackedStdin) Close() error                { return w.resp.CloseWrite() }

// hijackedStdout reads the raw TTY stream; with a TTY docker does not
// multiplex stdout and stderr.
type hijackedStdout struct {
	inst *dockerInstance
}

func (r *hijackedStdout) Read(p []byte) (int, error) { return r.inst.hijacked.Reader.Read(p) }

func (r *hijackedStdout) Close() error {
	r.inst.closeConn()
	return nil
}
