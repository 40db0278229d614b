// Package runtime is the per-host container-client abstraction: list,
// inspect, start, stop, restart, exec, and compose-up against a single
// host's containerd socket.
package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cirisai/manager/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace agent containers run in.
	DefaultNamespace = "ciris"

	// DefaultSocketPath is the default containerd socket on a managed host.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// AgentIDEnvVar is the environment variable containerd discovery
	// requires on a container for it to be recognized as an agent.
	AgentIDEnvVar = "CIRIS_AGENT_ID"
)

// ContainerInfo is the subset of container state discovery and the update
// protocol need, independent of the backing runtime.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	Status types.ContainerStatus
	Env    map[string]string
	Ports  map[int]int // container port -> published host port
}

// HostClient is the uniform capability every per-host backend implements.
// Concrete backends (local containerd socket, remote over TLS) plug in
// behind this interface; the orchestrator and discovery layer never see
// containerd types directly.
type HostClient interface {
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	GetContainer(ctx context.Context, id string) (ContainerInfo, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RestartContainer(ctx context.Context, id string, timeout time.Duration) error
	ComposeUp(ctx context.Context, composePath string) error
	Exec(ctx context.Context, id string, cmd []string) ([]byte, error)
	Close() error
}

// ContainerdHostClient implements HostClient against one host's containerd
// socket.
type ContainerdHostClient struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdHostClient connects to a host's containerd socket.
func NewContainerdHostClient(socketPath string) (*ContainerdHostClient, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd at %s: %w", socketPath, err)
	}

	return &ContainerdHostClient{client: client, namespace: DefaultNamespace}, nil
}

// Close closes the containerd client connection.
func (c *ContainerdHostClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// ListContainers enumerates every container on the host, including
// stopped ones, so discovery can observe agents that exited.
func (c *ContainerdHostClient) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	containers, err := c.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		info, err := c.describe(ctx, ctr)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// GetContainer inspects a single container by id.
func (c *ContainerdHostClient) GetContainer(ctx context.Context, id string) (ContainerInfo, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	ctr, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("load container %s: %w", id, err)
	}
	return c.describe(ctx, ctr)
}

func (c *ContainerdHostClient) describe(ctx context.Context, ctr containerd.Container) (ContainerInfo, error) {
	spec, err := ctr.Spec(ctx)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("read spec for %s: %w", ctr.ID(), err)
	}
	var process *specs.Process
	if spec != nil {
		process = spec.Process
	}

	env := map[string]string{}
	if process != nil {
		for _, kv := range process.Env {
			for i := 0; i < len(kv); i++ {
				if kv[i] == '=' {
					env[kv[:i]] = kv[i+1:]
					break
				}
			}
		}
	}

	image, err := ctr.Image(ctx)
	imageRef := ""
	if err == nil {
		imageRef = image.Name()
	}

	status := types.ContainerExited
	task, err := ctr.Task(ctx, nil)
	if err == nil {
		taskStatus, err := task.Status(ctx)
		if err == nil {
			switch taskStatus.Status {
			case containerd.Running:
				status = types.ContainerRunning
			case containerd.Paused:
				status = types.ContainerRestarting
			case containerd.Stopped:
				status = types.ContainerExited
			default:
				status = types.ContainerUnknown
			}
		}
	}

	return ContainerInfo{
		ID:     ctr.ID(),
		Name:   ctr.ID(),
		Image:  imageRef,
		Status: status,
		Env:    env,
	}, nil
}

// StartContainer creates and starts a task for an already-created
// container.
func (c *ContainerdHostClient) StartContainer(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	ctr, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("load container %s: %w", id, err)
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	return nil
}

// StopContainer sends SIGTERM, waits up to timeout, then SIGKILLs.
func (c *ContainerdHostClient) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	ctr, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("load container %s: %w", id, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		// No task means the container is already stopped.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("send SIGKILL: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// RestartContainer stops then starts the container in place. Used only
// when the image reference has not changed.
func (c *ContainerdHostClient) RestartContainer(ctx context.Context, id string, timeout time.Duration) error {
	if err := c.StopContainer(ctx, id, timeout); err != nil {
		return err
	}
	return c.StartContainer(ctx, id)
}

// Exec is not implemented for the containerd backend and always returns an
// error; no command is run in the container. It is not used on the core
// update path.
func (c *ContainerdHostClient) Exec(ctx context.Context, id string, cmd []string) ([]byte, error) {
	return nil, fmt.Errorf("exec not implemented for containerd backend")
}
