// Package lifecycle creates, starts, stops and inspects the per-student
// desktop containers. The container runtime is the source of truth; names
// are deterministic so every operation is idempotent.
package lifecycle

import (
	"context"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"labgate/internal/profile"
)

// Labels stamped on every desktop container.
const (
	LabelSession = "labgate.session"
	LabelKind    = "labgate.kind"
	LabelBacking = "labgate.backing"
)

// State is the runtime state of a named container.
type State string

const (
	StateMissing State = "missing"
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// dockerAPI is the subset of *client.Client the manager needs.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
}

// ProfileSource yields the desktop profile to create containers from.
type ProfileSource interface {
	Current() *profile.Profile
}

// Spec describes the container a session needs.
type Spec struct {
	Name           string
	Kind           Kind
	BackingID      int64
	WorkspaceHost  string
	AllowedDomains []string
}

// Result reports what EnsureRunning had to do.
type Result struct {
	ContainerID string
	DidCreate   bool
	DidStart    bool
}

// Config holds configuration for creating a new Manager.
type Config struct {
	Network         string
	NetworkInternal bool
	Profiles        ProfileSource
	Logger          *zap.Logger
}
