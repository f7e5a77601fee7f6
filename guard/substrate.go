package guard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Label keys stamped on every sandbox.
const (
	LabelTaskID  = "taskforge.task_id"
	LabelManaged = "taskforge.managed"
)

// SandboxSpec describes one isolated execution context.
type SandboxSpec struct {
	Image   string
	Memory  string  // docker memory string, e.g. 512m
	CPUs    float64 // CPU share
	Network bool    // false means no network
	Labels  map[string]string
}

// RunOutput is the combined output and exit status of a command.
type RunOutput struct {
	ExitCode int
	Output   string
}

// Substrate is the isolation backend: create, run, stop, remove.
type Substrate interface {
	// Available reports whether the backend can create sandboxes.
	Available(ctx context.Context) error

	// Create starts a sandbox. It may return a non-empty id with an error
	// when the sandbox exists but failed to start; the caller still tears
	// it down.
	Create(ctx context.Context, spec SandboxSpec) (string, error)

	// Run executes argv inside the sandbox. A non-zero exit is reported in
	// RunOutput, not as an error.
	Run(ctx context.Context, id string, argv []string) (RunOutput, error)

	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// DockerSubstrate drives the docker CLI.
type DockerSubstrate struct {
	// Binary is the docker-compatible CLI. Default: docker
	Binary string

	// StopTimeout is passed to docker stop, in seconds.
	StopTimeout int
}

// NewDockerSubstrate returns a substrate using the given CLI binary.
func NewDockerSubstrate(binary string) *DockerSubstrate {
	if binary == "" {
		binary = "docker"
	}
	return &DockerSubstrate{Binary: binary, StopTimeout: 10}
}

func (d *DockerSubstrate) docker(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("%s %s: %w", d.Binary, args[0], err)
		}
		return "", fmt.Errorf("%s %s: %w: %s", d.Binary, args[0], err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Available checks that the daemon answers.
func (d *DockerSubstrate) Available(ctx context.Context) error {
	if _, err := exec.LookPath(d.Binary); err != nil {
		return err
	}
	_, err := d.docker(ctx, "info", "--format", "{{.ServerVersion}}")
	return err
}

// Create creates and starts an idle container that commands are exec'd
// into.
func (d *DockerSubstrate) Create(ctx context.Context, spec SandboxSpec) (string, error) {
	args := []string{"create", "--workdir", "/workspace"}
	for k, v := range spec.Labels {
		args = append(args, "--label", k+"="+v)
	}
	if spec.Network {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64))
	}
	args = append(args, spec.Image, "sleep", "infinity")

	id, err := d.docker(ctx, args...)
	if err != nil {
		return "", err
	}
	if _, err := d.docker(ctx, "start", id); err != nil {
		return id, err
	}
	return id, nil
}

// Run execs argv in the container and captures combined output.
func (d *DockerSubstrate) Run(ctx context.Context, id string, argv []string) (RunOutput, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, d.Binary, append([]string{"exec", id}, argv...)...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() != nil {
		return RunOutput{ExitCode: -1, Output: out.String()}, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return RunOutput{ExitCode: exitErr.ExitCode(), Output: out.String()}, nil
	}
	if err != nil {
		return RunOutput{ExitCode: -1, Output: out.String()}, err
	}
	return RunOutput{Output: out.String()}, nil
}

// Stop stops the container.
func (d *DockerSubstrate) Stop(ctx context.Context, id string) error {
	_, err := d.docker(ctx, "stop", "-t", strconv.Itoa(d.StopTimeout), id)
	return err
}

// Remove force-removes the container.
func (d *DockerSubstrate) Remove(ctx context.Context, id string) error {
	_, err := d.docker(ctx, "rm", "-f", id)
	return err
}
