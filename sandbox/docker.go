// Package sandbox provides secure execution of untrusted analysis code.
//
// The DockerBackend runs generated programs in ephemeral containers
// with no network, a read-only root filesystem except for the output
// mount, all capabilities dropped, and explicit memory and CPU caps.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Container-side mount points. The workspace root is mounted read-only
// and the output directory is mounted read-write over it.
const (
	containerRoot      = "/sandbox"
	containerDataDir   = containerRoot + "/" + DataDirName
	containerOutputDir = containerRoot + "/" + OutputDirName
)

// DockerBackend implements Backend using Docker containers.
type DockerBackend struct {
	logger    *zap.Logger
	config    *Config
	cmdRunner CommandRunner
}

// DockerBackendOption defines a functional option for DockerBackend
type DockerBackendOption func(*DockerBackend)

// WithDockerCommandRunner sets the CommandRunner for DockerBackend
func WithDockerCommandRunner(cmdRunner CommandRunner) DockerBackendOption {
	return func(d *DockerBackend) {
		d.cmdRunner = cmdRunner
	}
}

// NewDockerBackend creates a new DockerBackend with default implementations and optional interfaces
func NewDockerBackend(logger *zap.Logger, config *Config, opts ...DockerBackendOption) *DockerBackend {
	backend := &DockerBackend{
		logger:    logger,
		config:    config,
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

func (*DockerBackend) Name() string { return "docker" }

// WrapOptions returns the program-generation options for this backend.
// The container boundary is the isolation layer, so the in-process
// hardening prelude is not emitted.
func (d *DockerBackend) WrapOptions() WrapOptions {
	return WrapOptions{
		Hardened:      false,
		DataDir:       containerDataDir,
		OutputDir:     containerOutputDir,
		MaxRows:       d.config.MaxRows,
		MaxValueBytes: d.config.MaxValueBytes,
		MaxPlots:      d.config.MaxPlots,
	}
}

// Run executes the generated program in a fresh container and waits for
// it under the configured wall-clock timeout. On overrun the container
// is force-removed and a timed-out raw result is returned. The
// container never outlives the call.
func (d *DockerBackend) Run(ctx context.Context, program string, ws *Workspace) (RawResult, error) {
	if err := ws.WriteProgram(program); err != nil {
		return RawResult{}, err
	}

	containerName := "kx-" + ws.ID

	cmdArgs := []string{
		"docker", "run",
		"--name", containerName,
		"--rm",              // Remove container after execution
		"--network", "none", // No network access
		"--read-only", // Read-only root filesystem
		"-v", fmt.Sprintf("%s:%s:ro", ws.Root, containerRoot),
		"-v", fmt.Sprintf("%s:%s:rw", ws.OutputDir(), containerOutputDir),
		"--tmpfs", "/tmp",
		"--memory", fmt.Sprintf("%dm", d.config.MemoryMB),
		"--cpus", d.config.CPUs,
		"--ulimit", fmt.Sprintf("fsize=%d", d.config.MaxOutputFileMB*MaxArtifactSizeMul),
		"--ulimit", fmt.Sprintf("nproc=%d", d.config.MaxProcesses),
		"--security-opt", "no-new-privileges",
		"--user", "nobody", // Run as non-privileged user
		"--cap-drop", "ALL", // Drop all capabilities
		d.config.Image,
		"python3", containerRoot + "/" + ProgramFileName,
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, time.Duration(d.config.TimeoutSec)*time.Second)
	defer cancel()

	started := time.Now()
	stdout, stderr, exitCode, err := d.cmdRunner.RunCommand(ctxWithTimeout, cmdArgs)

	if ctxWithTimeout.Err() == context.DeadlineExceeded {
		d.logger.Warn("execution timed out, removing container",
			zap.String("container", containerName),
			zap.Int("timeout_sec", d.config.TimeoutSec))

		// The run was cancelled mid-flight; --rm may not have fired yet.
		if _, rmStderr, rmCode, rmErr := d.cmdRunner.RunCommand(context.WithoutCancel(ctx),
			[]string{"docker", "rm", "-f", containerName}); rmErr != nil || rmCode != 0 {
			d.logger.Warn("failed to remove container after timeout",
				zap.String("container", containerName),
				zap.String("stderr", rmStderr),
				zap.Error(rmErr))
		}

		return RawResult{Stdout: stdout, Stderr: stderr, ExitCode: 1, TimedOut: true}, nil
	}

	if err != nil {
		return RawResult{}, fmt.Errorf("failed to execute container: %w", err)
	}

	d.logger.Debug("container execution finished",
		zap.String("container", containerName),
		zap.Int("exit_code", exitCode),
		zap.Duration("elapsed", time.Since(started)))

	return RawResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}
