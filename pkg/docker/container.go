package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/lwhitby/sift/pkg/logger"
)

// ContainerStatus tracks a managed container through its lifecycle. DEAD
// is terminal; a container announcing it will close its channels shortly
// after.
type ContainerStatus int

const (
	ContainerInit ContainerStatus = iota
	ContainerPulled
	ContainerCreated
	ContainerUp
	ContainerCrashed
	ContainerClosing
	ContainerDown
	ContainerDead
)

var containerStatusNames = map[ContainerStatus]string{
	ContainerInit:    "INIT",
	ContainerPulled:  "PULLED",
	ContainerCreated: "CREATED",
	ContainerUp:      "UP",
	ContainerCrashed: "CRASHED",
	ContainerClosing: "CLOSING",
	ContainerDown:    "DOWN",
	ContainerDead:    "DEAD",
}

func (status ContainerStatus) String() string {
	if name, ok := containerStatusNames[status]; ok {
		return name
	}

	return fmt.Sprintf("ContainerStatus(%d)", int(status))
}

// DockerContainer is a single container managed by the DockerManager.
// Start pulls the image and brings the container up; log output and
// status transitions are broadcast on the returned channels until the
// container is closed.
type DockerContainer interface {
	Start(context.Context, client.APIClient) error
	Close(context.Context, client.APIClient, time.Duration) error

	// MessageChannel carries the containers combined stdout/stderr, one
	// line per message. Closed once the container is DEAD.
	MessageChannel() chan []byte

	// StatusChannel carries lifecycle transitions. Closed once the
	// container is DEAD.
	StatusChannel() chan ContainerStatus

	Label() string
	ID() string
	Status() ContainerStatus
}

// pullEvent is one JSON message from the image pull stream.
type pullEvent struct {
	Status   string `json:"status"`
	Error    string `json:"error"`
	Progress string `json:"progress"`
}

type managedContainer struct {
	label       string
	image       string
	containerID string
	status      ContainerStatus

	config     *containertypes.Config
	hostConfig *containertypes.HostConfig

	statusChannel  chan ContainerStatus
	messageChannel chan []byte
}

// NewDockerContainer describes a container to be spawned through the
// DockerManager. Nothing is created until Start is called.
func NewDockerContainer(label string, image string, config *containertypes.Config, hostConfig *containertypes.HostConfig) DockerContainer {
	return &managedContainer{
		label:          label,
		image:          image,
		status:         ContainerInit,
		config:         config,
		hostConfig:     hostConfig,
		statusChannel:  make(chan ContainerStatus, 5),
		messageChannel: make(chan []byte, 5),
	}
}

func (container *managedContainer) Start(ctx context.Context, cli client.APIClient) error {
	if container.status != ContainerInit {
		return fmt.Errorf("container %s cannot start from status %s", container, container.status)
	}

	if err := container.pullImage(ctx, cli); err != nil {
		return err
	}
	container.setStatus(ContainerPulled)

	created, err := cli.ContainerCreate(ctx, container.config, container.hostConfig, nil, nil, container.label)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", container, err)
	}
	container.containerID = created.ID
	container.setStatus(ContainerCreated)

	if err := cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", container, err)
	}
	container.setStatus(ContainerUp)

	go container.followLogs(ctx, cli)
	return nil
}

func (container *managedContainer) Close(ctx context.Context, cli client.APIClient, timeout time.Duration) error {
	if container.status == ContainerDead {
		return nil
	}

	if container.canStop() {
		container.setStatus(ContainerClosing)
		timeoutSeconds := int(timeout.Seconds())
		if err := cli.ContainerStop(ctx, container.containerID, containertypes.StopOptions{Timeout: &timeoutSeconds}); err != nil {
			return fmt.Errorf("failed to stop container %s: %w", container, err)
		}

		container.setStatus(ContainerDown)
	}

	if container.containerID != "" {
		if err := cli.ContainerRemove(ctx, container.containerID, types.ContainerRemoveOptions{}); err != nil {
			return fmt.Errorf("failed to remove container %s: %w", container, err)
		}
	}
	container.setStatus(ContainerDead)

	close(container.statusChannel)
	close(container.messageChannel)
	return nil
}

func (container *managedContainer) MessageChannel() chan []byte         { return container.messageChannel }
func (container *managedContainer) StatusChannel() chan ContainerStatus { return container.statusChannel }
func (container *managedContainer) ID() string                          { return container.containerID }
func (container *managedContainer) Label() string                       { return container.label }
func (container *managedContainer) Status() ContainerStatus             { return container.status }

func (container *managedContainer) String() string {
	if container.containerID == "" {
		return fmt.Sprintf("%s[...]", container.label)
	}

	return fmt.Sprintf("%s[%s]", container.label, container.containerID[:10])
}

// pullImage pulls the image, draining the progress stream so the pull
// actually runs to completion before the container is created.
func (container *managedContainer) pullImage(ctx context.Context, cli client.APIClient) error {
	stream, err := cli.ImagePull(ctx, container.image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s for container %s: %w", container.image, container, err)
	}
	defer stream.Close()

	decoder := json.NewDecoder(stream)
	for {
		var event pullEvent
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("malformed pull stream for image %s: %w", container.image, err)
		}

		if event.Error != "" {
			return fmt.Errorf("pull of image %s failed: %s", container.image, event.Error)
		}
		if event.Progress != "" {
			dockerLogger.Emit(logger.DEBUG, "%s: %s\n", container, event.Progress)
		} else if event.Status != "" {
			dockerLogger.Emit(logger.DEBUG, "%s: %s\n", container, event.Status)
		}
	}
}

func (container *managedContainer) canStop() bool {
	switch container.status {
	case ContainerCreated, ContainerUp, ContainerCrashed, ContainerClosing:
		return true
	default:
		return false
	}
}

func (container *managedContainer) setStatus(status ContainerStatus) {
	if container.status == ContainerDead {
		return
	}

	container.status = status
	container.statusChannel <- status
}

// followLogs streams the containers output onto the message channel. The
// stream ending while the container should be UP means it crashed.
func (container *managedContainer) followLogs(ctx context.Context, cli client.APIClient) {
	reader, err := cli.ContainerLogs(ctx, container.containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		container.setStatus(ContainerCrashed)
		return
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		if container.status != ContainerUp {
			break
		}

		container.messageChannel <- scanner.Bytes()
	}

	if container.status != ContainerClosing {
		container.setStatus(ContainerCrashed)
	}
}
