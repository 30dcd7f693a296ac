package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/cosim-go/cosim/graph"
)

// DockerLaunchConfig describes how to launch one simulator as a
// container (§4.1 "already-running vs. orchestrator-launched" transport
// kinds), grounded on the discovery client's ContainerCreate/Start
// wrapping of the Docker SDK.
type DockerLaunchConfig struct {
	Image       string
	Cmd         []string
	Env         []string
	ExposedPort string // container port the simulator listens on, e.g. "13234/tcp"
	DialTimeout time.Duration
	StopTimeout *int
}

// DockerLaunchedProxy launches a simulator as a container, waits for its
// published port to accept connections, then delegates all Proxy
// operations to a TCPProxy wrapping that connection. Stop additionally
// tears the container down.
type DockerLaunchedProxy struct {
	*TCPProxy
	cli         *client.Client
	containerID string
	stopTimeout *int
}

// LaunchDockerProxy creates and starts a container per cfg, dials its
// published port, and returns a proxy ready for Init.
func LaunchDockerProxy(ctx context.Context, sid graph.SimID, cfg DockerLaunchConfig, callbacks Callbacks) (*DockerLaunchedProxy, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("proxy: create docker client for %s: %w", sid, err)
	}

	created, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:        cfg.Image,
			Cmd:          cfg.Cmd,
			Env:          cfg.Env,
			ExposedPorts: map[string]struct{}{cfg.ExposedPort: {}},
			Labels:       map[string]string{"cosim.sim_id": string(sid)},
		},
		&container.HostConfig{
			PublishAllPorts: true,
		},
		&network.NetworkingConfig{},
		(*specs.Platform)(nil),
		fmt.Sprintf("cosim-%s", sid),
	)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("proxy: create container for simulator %s: %w", sid, err)
	}

	if err := cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		cli.Close()
		return nil, fmt.Errorf("proxy: start container for simulator %s: %w", sid, err)
	}

	addr, err := waitForPublishedPort(ctx, cli, created.ID, cfg.ExposedPort)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("proxy: simulator %s container never published %s: %w", sid, cfg.ExposedPort, err)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	conn, err := dialWithRetry(ctx, addr, dialTimeout)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("proxy: dial simulator %s at %s: %w", sid, addr, err)
	}

	logrus.WithFields(logrus.Fields{"sid": sid, "container": created.ID[:12], "addr": addr}).Info("proxy: launched containerized simulator")

	return &DockerLaunchedProxy{
		TCPProxy:    NewTCPProxy(sid, conn, callbacks),
		cli:         cli,
		containerID: created.ID,
		stopTimeout: cfg.StopTimeout,
	}, nil
}

// waitForPublishedPort polls container inspection until the exposed port
// has a host binding, or ctx is done.
func waitForPublishedPort(ctx context.Context, cli *client.Client, containerID, exposedPort string) (string, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		info, err := cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return "", err
		}
		if bindings, ok := info.NetworkSettings.Ports[nat.Port(exposedPort)]; ok && len(bindings) > 0 {
			return net.JoinHostPort(hostIP(bindings[0].HostIP), bindings[0].HostPort), nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func hostIP(ip string) string {
	if ip == "" {
		return "127.0.0.1"
	}
	return ip
}

// dialWithRetry retries the initial connection since the container's
// listener may accept the port binding slightly before its process is
// ready to accept().
func dialWithRetry(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, lastErr
}

// Stop stops the simulator over the wire, then stops and removes its
// container so a failed or completed run leaves nothing behind.
func (p *DockerLaunchedProxy) Stop(ctx context.Context) error {
	wireErr := p.TCPProxy.Stop(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.cli.ContainerStop(stopCtx, p.containerID, container.StopOptions{Timeout: p.stopTimeout}); err != nil {
		logrus.WithField("container", p.containerID[:12]).WithError(err).Warn("proxy: container stop failed, attempting removal anyway")
	}
	if err := p.cli.ContainerRemove(stopCtx, p.containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		logrus.WithField("container", p.containerID[:12]).WithError(err).Warn("proxy: container removal failed")
	}
	closeErr := p.cli.Close()

	if wireErr != nil {
		return wireErr
	}
	return closeErr
}
