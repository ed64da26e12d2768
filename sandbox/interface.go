// Package sandbox provides secure execution of untrusted analysis code.
//
// The sandbox package implements the execution engine for running
// machine-generated pandas scripts against user data files in isolated
// environments. It supports a Docker backend and a restricted-process
// backend (fallback when no container runtime is available).
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
)

// ExecuteRequest represents one sandboxed execution of untrusted code.
type ExecuteRequest struct {
	// Code is the untrusted Python source to execute.
	Code string
	// DataBindings maps dataset variable names to file paths relative
	// to the uploads root. Names must be identifier-safe.
	DataBindings map[string]string
}

// RawResult is what a backend reports after running a generated program.
// It says nothing about the result envelope; that is the collector's job.
type RawResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Backend defines the interface for sandbox execution strategies.
//
// A backend is responsible for where and how the generated program runs
// (isolation, resource limits, timeout enforcement), not for what the
// program does. Both implementations honor the same contract so nothing
// outside the selection point branches on the backend in use.
type Backend interface {
	Run(ctx context.Context, program string, ws *Workspace) (RawResult, error)
	// WrapOptions reports how programs must be generated for this
	// backend: the directory layout the running program sees and
	// whether the in-process hardening prelude is required.
	WrapOptions() WrapOptions
	Name() string
}

// Config holds configuration shared by all executions of a backend instance.
type Config struct {
	// Image is the container image used by the Docker backend.
	Image string
	// PythonBin is the interpreter used by the process backend.
	PythonBin string
	// UploadsDir is the read-only root under which data bindings resolve.
	UploadsDir string

	TimeoutSec        int
	MemoryMB          int
	CPUs              string // container CPU share, e.g. "0.5"
	MaxProcesses      int
	MaxOutputFileMB   int
	MaxArtifactSizeMB int

	// Capture bounds applied by the generated program.
	MaxRows       int
	MaxValueBytes int
	MaxPlots      int
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	Chmod(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) Chmod(path string, perm os.FileMode) error {
	return os.Chmod(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// File permission and size constants
const (
	DirPermission      = 0755
	FilePermission     = 0600
	BytesPerKB         = 1024
	MaxArtifactSizeMul = 1024 * 1024 // 1 MB multiplier
)

// Workspace layout constants. The generated program, staged data files
// and the result envelope live at fixed relative locations so the
// backends and the collector agree without coordination.
const (
	ProgramFileName = "program.py"
	DataDirName     = "data"
	OutputDirName   = "output"
	PlotsDirName    = "plots"
	EnvelopeName    = "result.json"
)

// Reserved envelope keys written by the generated program.
const (
	errorKey = "__error"
	plotsKey = "__plots"
)
