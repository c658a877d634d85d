package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/infrasonar/rapp/internal/state"
)

const (
	projectLabel = "com.docker.compose.project"
	serviceLabel = "com.docker.compose.service"
	numberLabel  = "com.docker.compose.container-number"
)

// CreateSpec is everything the engine needs to create and start one
// service container.
type CreateSpec struct {
	Name    string
	Service string
	Project string
	Runtime *state.ServiceRuntime
}

// ContainerInfo is a project container as seen by the engine.
type ContainerInfo struct {
	Name    string
	Service string
	Image   string
	State   string
	Status  string
}

// Engine is the narrow container-runtime boundary used by the driver and
// the log viewer. The production implementation talks to the Docker
// Engine API; tests swap in a fake.
type Engine interface {
	// Ping returns the negotiated engine API version.
	Ping(ctx context.Context) (string, error)
	ImagePull(ctx context.Context, img string) error
	// ContainerCreateStart replaces any container of the same name.
	ContainerCreateStart(ctx context.Context, spec CreateSpec) error
	// ContainerStopRemove is a no-op for unknown containers.
	ContainerStopRemove(ctx context.Context, name string) error
	ContainerList(ctx context.Context, project string) ([]ContainerInfo, error)
	ContainerLogs(ctx context.Context, name string, tail int) (string, error)
	// ImagesPrune removes all unused images and returns reclaimed bytes.
	ImagesPrune(ctx context.Context) (uint64, error)
	Close() error
}

// dockerEngine implements Engine against a local Docker daemon.
type dockerEngine struct {
	cli *client.Client
}

// NewDockerEngine creates an Engine from the process environment
// (DOCKER_HOST and friends), negotiating the API version with the daemon.
func NewDockerEngine() (Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &dockerEngine{cli: cli}, nil
}

func (e *dockerEngine) Ping(ctx context.Context) (string, error) {
	ping, err := e.cli.Ping(ctx)
	if err != nil {
		return "", fmt.Errorf("ping docker daemon: %w", err)
	}
	return ping.APIVersion, nil
}

func (e *dockerEngine) ImagePull(ctx context.Context, img string) error {
	rc, err := e.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", img, err)
	}
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
	return nil
}

func (e *dockerEngine) ContainerCreateStart(ctx context.Context, spec CreateSpec) error {
	// A leftover container under the same name blocks creation; replace it.
	if err := e.ContainerStopRemove(ctx, spec.Name); err != nil {
		return err
	}

	rt := spec.Runtime
	exposed, bindings, err := portBindings(rt.Ports)
	if err != nil {
		return fmt.Errorf("ports for %q: %w", spec.Service, err)
	}

	cc := &container.Config{
		Image:        rt.Image,
		Cmd:          rt.Command,
		Entrypoint:   rt.Entrypoint,
		Env:          rt.Environment,
		ExposedPorts: exposed,
		Labels: map[string]string{
			projectLabel: spec.Project,
			serviceLabel: spec.Service,
			numberLabel:  "1",
		},
	}
	hc := &container.HostConfig{
		NetworkMode:  container.NetworkMode(rt.NetworkMode),
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyAlways,
		},
	}
	for _, m := range rt.Mounts {
		hc.Mounts = append(hc.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := e.cli.ContainerCreate(ctx, cc, hc, nil, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("create container %q: %w", spec.Name, err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %q: %w", spec.Name, err)
	}
	return nil
}

func (e *dockerEngine) ContainerStopRemove(ctx context.Context, name string) error {
	if err := e.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %q: %w", name, err)
	}
	if err := e.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %q: %w", name, err)
	}
	return nil
}

func (e *dockerEngine) ContainerList(ctx context.Context, project string) ([]ContainerInfo, error) {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", projectLabel+"="+project)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	infos := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = trimSlash(c.Names[0])
		}
		infos = append(infos, ContainerInfo{
			Name:    name,
			Service: c.Labels[serviceLabel],
			Image:   c.Image,
			State:   c.State,
			Status:  c.Status,
		})
	}
	return infos, nil
}

func (e *dockerEngine) ContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	tailOpt := "all"
	if tail > 0 {
		tailOpt = strconv.Itoa(tail)
	}
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailOpt,
	}
	rc, err := e.cli.ContainerLogs(ctx, name, opts)
	if err != nil {
		return "", fmt.Errorf("container logs %q: %w", name, err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return string(stripStreamFraming(data)), nil
}

func (e *dockerEngine) ImagesPrune(ctx context.Context) (uint64, error) {
	// dangling=false means all unused images, matching `docker image prune -a`.
	report, err := e.cli.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "false")))
	if err != nil {
		return 0, fmt.Errorf("prune images: %w", err)
	}
	return report.SpaceReclaimed, nil
}

func (e *dockerEngine) Close() error { return e.cli.Close() }

func trimSlash(name string) string {
	return strings.TrimPrefix(name, "/")
}

// ContainerName returns the compose-style container name of a service.
func ContainerName(project, service string) string {
	return project + "-" + service + "-1"
}

func portBindings(ports []state.PortMapping) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		port, err := nat.NewPort(p.Protocol, strconv.Itoa(int(p.ContainerPort)))
		if err != nil {
			return nil, nil, err
		}
		exposed[port] = struct{}{}
		if p.HostPort == 0 {
			continue
		}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   p.HostIP,
			HostPort: strconv.Itoa(int(p.HostPort)),
		})
	}
	return exposed, bindings, nil
}

// stripStreamFraming removes docker's 8-byte multiplexing header from each
// log chunk.
func stripStreamFraming(data []byte) []byte {
	var clean []byte
	for len(data) >= 8 {
		size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		data = data[8:]
		if size > len(data) {
			size = len(data)
		}
		clean = append(clean, data[:size]...)
		data = data[size:]
	}
	return bytes.TrimRight(clean, "\n")
}
