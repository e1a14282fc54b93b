package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"go.uber.org/zap"

	"labgate/internal/profile"
)

// maxEnsureAttempts bounds the create/re-inspect loop when concurrent
// creators race on the same name.
const maxEnsureAttempts = 3

// ErrEnsureExhausted is returned when a container keeps disappearing
// between create conflicts and re-inspection.
var ErrEnsureExhausted = errors.New("container ensure retries exhausted")

// Manager drives desktop containers through the Docker API.
type Manager struct {
	docker          dockerAPI
	network         string
	networkInternal bool
	profiles        ProfileSource
	logger          *zap.Logger
}

// NewManager creates a lifecycle manager. docker is usually a
// *client.Client.
func NewManager(docker dockerAPI, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Profiles == nil {
		cfg.Profiles = profile.NewHolder(nil)
	}
	return &Manager{
		docker:          docker,
		network:         cfg.Network,
		networkInternal: cfg.NetworkInternal,
		profiles:        cfg.Profiles,
		logger:          cfg.Logger.Named("lifecycle"),
	}
}

// EnsureNetwork creates the isolated desktop network when it is missing.
func (m *Manager) EnsureNetwork(ctx context.Context) error {
	if m.network == "" {
		return nil
	}
	_, err := m.docker.NetworkInspect(ctx, m.network, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", m.network, err)
	}

	_, err = m.docker.NetworkCreate(ctx, m.network, network.CreateOptions{
		Driver:   "bridge",
		Internal: m.networkInternal,
		Labels:   map[string]string{LabelKind: "network"},
	})
	if err != nil && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("create network %s: %w", m.network, err)
	}
	m.logger.Info("created desktop network",
		zap.String("network", m.network),
		zap.Bool("internal", m.networkInternal))
	return nil
}

// EnsureRunning makes sure the container named by spec exists and runs.
// A running container is returned without any mutating call.
func (m *Manager) EnsureRunning(ctx context.Context, spec Spec) (Result, error) {
	if spec.Name == "" {
		return Result{}, fmt.Errorf("container name cannot be empty")
	}

	for attempt := 0; attempt < maxEnsureAttempts; attempt++ {
		info, err := m.docker.ContainerInspect(ctx, spec.Name)
		switch {
		case err == nil:
			return m.startExisting(ctx, spec.Name, info)
		case !cerrdefs.IsNotFound(err):
			return Result{}, fmt.Errorf("inspect container %s: %w", spec.Name, err)
		}

		id, err := m.create(ctx, spec)
		if err != nil {
			if cerrdefs.IsConflict(err) {
				m.logger.Debug("container name taken, re-inspecting",
					zap.String("container", spec.Name),
					zap.Int("attempt", attempt+1))
				continue
			}
			return Result{}, err
		}

		if err := m.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return Result{ContainerID: id, DidCreate: true}, fmt.Errorf("start container %s: %w", spec.Name, err)
		}
		m.logger.Info("container created and started",
			zap.String("container", spec.Name),
			zap.String("id", shortID(id)))
		return Result{ContainerID: id, DidCreate: true, DidStart: true}, nil
	}

	return Result{}, fmt.Errorf("%s: %w", spec.Name, ErrEnsureExhausted)
}

func (m *Manager) startExisting(ctx context.Context, name string, info container.InspectResponse) (Result, error) {
	id := containerID(info, name)
	if isRunning(info) {
		return Result{ContainerID: id}, nil
	}
	if err := m.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return Result{ContainerID: id}, fmt.Errorf("start container %s: %w", name, err)
	}
	m.logger.Info("container started", zap.String("container", name), zap.String("id", shortID(id)))
	return Result{ContainerID: id, DidStart: true}, nil
}

func (m *Manager) create(ctx context.Context, spec Spec) (string, error) {
	p := m.profiles.Current()

	cfg := &container.Config{
		Image:    p.Image,
		Hostname: spec.Name,
		Env:      BuildEnvironment(p.Env, spec),
		Labels: map[string]string{
			LabelSession: spec.Name,
			LabelKind:    string(spec.Kind),
			LabelBacking: strconv.FormatInt(spec.BackingID, 10),
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(m.network),
		CapAdd:      []string{"NET_ADMIN"},
		DNS:         []string{"127.0.0.1"},
	}
	if spec.WorkspaceHost != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:%s:rw", spec.WorkspaceHost, p.HomeDir)}
	}

	var netCfg *network.NetworkingConfig
	if m.network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				m.network: {Aliases: []string{spec.Name}},
			},
		}
	}

	resp, err := m.docker.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			return "", err
		}
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		m.logger.Warn("container create warning", zap.String("container", spec.Name), zap.String("warning", w))
	}
	return resp.ID, nil
}

// Status reports the runtime state of a named container.
func (m *Manager) Status(ctx context.Context, name string) (State, string, error) {
	info, err := m.docker.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return StateMissing, "", nil
		}
		return "", "", fmt.Errorf("inspect container %s: %w", name, err)
	}
	if isRunning(info) {
		return StateRunning, containerID(info, name), nil
	}
	return StateStopped, containerID(info, name), nil
}

// Stop stops a container. Missing and already-stopped containers count as
// success.
func (m *Manager) Stop(ctx context.Context, nameOrID string) error {
	timeout := int(m.profiles.Current().StopTimeout.Seconds())
	err := m.docker.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: &timeout})
	if err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("stop container %s: %w", nameOrID, err)
	}
	m.logger.Info("container stopped", zap.String("container", nameOrID))
	return nil
}

// Remove force-removes a container. Missing containers and removals
// already in progress count as success.
func (m *Manager) Remove(ctx context.Context, nameOrID string) error {
	err := m.docker.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("remove container %s: %w", nameOrID, err)
	}
	m.logger.Info("container removed", zap.String("container", nameOrID))
	return nil
}

func isRunning(info container.InspectResponse) bool {
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running
}

func containerID(info container.InspectResponse, fallback string) string {
	if info.ContainerJSONBase != nil && info.ID != "" {
		return info.ID
	}
	return fallback
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
