package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Backend selection names accepted in configuration.
const (
	BackendDocker  = "docker"
	BackendProcess = "process"
	BackendAuto    = "auto"
)

const probeTimeout = 5 * time.Second

// NewBackend creates the sandbox backend named by the configuration.
// "auto" probes for a container runtime once, at startup, and falls
// back to the restricted-process backend when none is found; the choice
// holds for the process lifetime.
func NewBackend(logger *zap.Logger, config *Config, backendName string) (Backend, error) {
	switch backendName {
	case BackendDocker:
		return NewDockerBackend(logger, config), nil
	case BackendProcess:
		logger.Warn("using restricted-process backend, isolation is degraded")
		return NewProcessBackend(logger, config), nil
	case BackendAuto:
		if DockerAvailable(&RealCommandRunner{}) {
			logger.Info("container runtime detected, using docker backend")
			return NewDockerBackend(logger, config), nil
		}
		logger.Warn("no container runtime detected, falling back to restricted-process backend")
		return NewProcessBackend(logger, config), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backendName)
	}
}

// DockerAvailable probes whether the docker CLI responds.
func DockerAvailable(runner CommandRunner) bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	_, _, exitCode, err := runner.RunCommand(ctx, []string{"docker", "--version"})
	return err == nil && exitCode == 0
}
