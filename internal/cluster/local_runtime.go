package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

type localRuntime struct{}

func (localRuntime) start(ctx context.Context, spec launchSpec) (*process, error) {
	if spec.Executable == "" {
		return nil, fmt.Errorf("executable must be set for local runtime (replica %s)", spec.ID)
	}
	cmd := exec.CommandContext(ctx, spec.Executable, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	proc := newProcess(spec)
	proc.setActiveStatus("running")
	go func() {
		if err := cmd.Wait(); err != nil {
			proc.setFinalStatus("stopped", err)
			return
		}
		proc.setFinalStatus("exited", nil)
	}()

	proc.stopFn = func(stopCtx context.Context) error {
		if err := cmd.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		select {
		case <-proc.doneCh:
			return nil
		case <-stopCtx.Done():
			_ = cmd.Process.Kill()
			return stopCtx.Err()
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
			return errors.New("timeout waiting for replica process to stop")
		}
	}
	return proc, nil
}

func (localRuntime) shutdown() {}
