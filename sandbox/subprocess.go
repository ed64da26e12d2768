// Package sandbox provides secure execution of untrusted analysis code.
//
// The ProcessBackend runs generated programs as child processes with a
// scrubbed environment and OS resource limits. It provides materially
// weaker isolation than the Docker backend (no filesystem or network
// sandboxing) and exists as a degraded-mode fallback for hosts without
// a container runtime.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// ProcessBackend implements Backend using a restricted child process.
type ProcessBackend struct {
	logger *zap.Logger
	config *Config
}

// NewProcessBackend creates a new ProcessBackend
func NewProcessBackend(logger *zap.Logger, config *Config) *ProcessBackend {
	return &ProcessBackend{
		logger: logger,
		config: config,
	}
}

func (*ProcessBackend) Name() string { return "process" }

// WrapOptions returns the program-generation options for this backend.
// There is no container boundary here, so the hardening prelude is
// emitted: resource limits via setrlimit, dangerous-module eviction and
// the builtin allowlist all run inside the child before any user logic,
// and are never relaxed afterwards.
func (p *ProcessBackend) WrapOptions() WrapOptions {
	return WrapOptions{
		Hardened:        true,
		DataDir:         DataDirName,
		OutputDir:       OutputDirName,
		MemoryMB:        p.config.MemoryMB,
		TimeoutSec:      p.config.TimeoutSec,
		MaxProcesses:    p.config.MaxProcesses,
		MaxOutputFileMB: p.config.MaxOutputFileMB,
		MaxRows:         p.config.MaxRows,
		MaxValueBytes:   p.config.MaxValueBytes,
		MaxPlots:        p.config.MaxPlots,
	}
}

// Run executes the generated program as a child process rooted in the
// workspace, with the same wall-clock timeout discipline as the Docker
// backend. On overrun the child is killed hard.
func (p *ProcessBackend) Run(ctx context.Context, program string, ws *Workspace) (RawResult, error) {
	if err := ws.WriteProgram(program); err != nil {
		return RawResult{}, err
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, time.Duration(p.config.TimeoutSec)*time.Second)
	defer cancel()

	cmd := p.buildCommand(ctxWithTimeout, ws)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	started := time.Now()
	err := cmd.Run()

	if ctxWithTimeout.Err() == context.DeadlineExceeded {
		p.logger.Warn("execution timed out, child killed",
			zap.String("execution_id", ws.ID),
			zap.Int("timeout_sec", p.config.TimeoutSec))

		return RawResult{
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			ExitCode: 1,
			TimedOut: true,
		}, nil
	}

	exitCode := 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return RawResult{}, fmt.Errorf("failed to spawn process: %w", err)
		}
	}

	p.logger.Debug("process execution finished",
		zap.String("execution_id", ws.ID),
		zap.Int("exit_code", exitCode),
		zap.Duration("elapsed", time.Since(started)))

	return RawResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
	}, nil
}

// buildCommand prepares the child process: interpreter, unbuffered
// output, workspace as working directory, scrubbed environment. The
// context kills the child with SIGKILL on deadline.
func (p *ProcessBackend) buildCommand(ctx context.Context, ws *Workspace) *exec.Cmd {
	//nolint:gosec // The program path is workspace-controlled, not user input
	cmd := exec.CommandContext(ctx, p.config.PythonBin, "-u", ProgramFileName)
	cmd.Dir = ws.Root
	cmd.Env = scrubbedEnv()
	cmd.WaitDelay = 2 * time.Second
	return cmd
}

// scrubbedEnv builds the minimal environment the child inherits: no
// credentials, no caller paths, nothing beyond what invoking the
// interpreter strictly requires.
func scrubbedEnv() []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
		"TMPDIR=/tmp",
		"PYTHONPATH=",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
	}

	// Required on hosts with relocated interpreter installs.
	if home, ok := os.LookupEnv("PYTHONHOME"); ok {
		env = append(env, "PYTHONHOME="+home)
	}

	return env
}
