package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

const containerStopTimeout = 10 * time.Second

// dockerRuntime runs each replica as a self-removing container on the host
// network, so the replica reaches the host's public URL unchanged.
type dockerRuntime struct {
	client *client.Client
}

func newDockerRuntime() (*dockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &dockerRuntime{client: cli}, nil
}

func (r *dockerRuntime) start(ctx context.Context, spec launchSpec) (*process, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("replica %s: docker runtime needs container_image", spec.ID)
	}
	if err := r.pullIfMissing(ctx, spec.Image); err != nil {
		return nil, fmt.Errorf("replica %s: %w", spec.ID, err)
	}

	created, err := r.client.ContainerCreate(ctx,
		&containertypes.Config{
			Image:  spec.Image,
			Cmd:    spec.Args,
			Env:    envList(spec.Env),
			Labels: replicaLabels(spec),
		},
		&containertypes.HostConfig{AutoRemove: true, NetworkMode: "host"},
		nil, nil, workloadName(spec.ID))
	if err != nil {
		return nil, fmt.Errorf("replica %s: create container: %w", spec.ID, err)
	}
	if err := r.client.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return nil, fmt.Errorf("replica %s: start container: %w", spec.ID, err)
	}

	proc := newProcess(spec)
	proc.setActiveStatus("running")
	go r.wait(proc, created.ID)

	proc.stopFn = func(stopCtx context.Context) error {
		timeout := int(containerStopTimeout.Seconds())
		err := r.client.ContainerStop(stopCtx, created.ID, containertypes.StopOptions{Timeout: &timeout})
		if err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		select {
		case <-proc.doneCh:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		case <-time.After(containerStopTimeout):
			return fmt.Errorf("replica %s: container did not stop", spec.ID)
		}
	}
	return proc, nil
}

func (r *dockerRuntime) wait(proc *process, containerID string) {
	statusCh, errCh := r.client.ContainerWait(context.Background(), containerID, containertypes.WaitConditionNotRunning)
	select {
	case result := <-statusCh:
		msg := ""
		if result.Error != nil {
			msg = result.Error.Message
		}
		proc.setFinalStatus(exitStatus(result.StatusCode, msg))
	case err := <-errCh:
		if err != nil {
			proc.setFinalStatus("stopped", err)
		}
	}
}

// exitStatus maps a container exit onto the process status vocabulary.
func exitStatus(code int64, msg string) (string, error) {
	switch {
	case msg != "":
		return "stopped", errors.New(msg)
	case code != 0:
		return "stopped", fmt.Errorf("exit status %d", code)
	default:
		return "exited", nil
	}
}

func (r *dockerRuntime) pullIfMissing(ctx context.Context, image string) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, image)
	switch {
	case err == nil:
		return nil
	case !errdefs.IsNotFound(err):
		return fmt.Errorf("inspect image %s: %w", image, err)
	}
	progress, err := r.client.ImagePull(ctx, image, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	defer progress.Close()
	_, _ = io.Copy(io.Discard, progress)
	return nil
}

func (r *dockerRuntime) shutdown() {
	if r.client != nil {
		_ = r.client.Close()
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
