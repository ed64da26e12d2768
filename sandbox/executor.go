// Package sandbox provides secure execution of untrusted analysis code.
//
// The Executor ties the pipeline together: validate the submitted code,
// prepare an isolated workspace with staged data files, generate the
// wrapped program, hand it to the active backend, and collect the
// outcome. The workspace is released on every exit path.
package sandbox

import (
	"context"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Executor runs untrusted analysis code through the full pipeline.
// Executions are independent; an Executor is safe for concurrent use.
type Executor struct {
	logger    *zap.Logger
	config    *Config
	backend   Backend
	collector *Collector
	fs        FileSystem
}

// ExecutorOption defines a functional option for Executor
type ExecutorOption func(*Executor)

// WithExecutorFileSystem sets the FileSystem for Executor
func WithExecutorFileSystem(fs FileSystem) ExecutorOption {
	return func(e *Executor) {
		e.fs = fs
	}
}

// WithExecutorCollector sets the Collector for Executor
func WithExecutorCollector(collector *Collector) ExecutorOption {
	return func(e *Executor) {
		e.collector = collector
	}
}

// NewExecutor creates a new Executor with default implementations and optional interfaces
func NewExecutor(logger *zap.Logger, config *Config, backend Backend, opts ...ExecutorOption) *Executor {
	executor := &Executor{
		logger:  logger,
		config:  config,
		backend: backend,
		fs:      &RealFileSystem{}, // Default implementation
	}

	for _, opt := range opts {
		opt(executor)
	}

	if executor.collector == nil {
		executor.collector = NewCollector(logger, config, WithCollectorFileSystem(executor.fs))
	}

	return executor
}

// Backend returns the active backend's name.
func (e *Executor) Backend() string {
	return e.backend.Name()
}

// Execute runs one request end to end and returns exactly one Outcome.
//
// A ValidationError or an infrastructure failure (workspace creation,
// backend spawn) returns as an error; timeouts and user-code exceptions
// are expected outcomes of running untrusted code and come back inside
// the Outcome, never as errors.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (Outcome, error) {
	if err := Validate(req.Code); err != nil {
		e.logger.Info("code rejected by validation", zap.Error(err))
		return Outcome{}, err
	}

	ws, err := NewWorkspace(e.fs)
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		if rmErr := ws.Remove(); rmErr != nil {
			e.logger.Error("failed to remove workspace",
				zap.String("execution_id", ws.ID),
				zap.String("path", ws.Root),
				zap.Error(rmErr))
		}
	}()

	staged, skipped, err := ws.StageBindings(e.config.UploadsDir, req.DataBindings)
	if err != nil {
		return Outcome{}, err
	}
	if len(skipped) > 0 {
		e.logger.Warn("skipped bindings with missing data files",
			zap.String("execution_id", ws.ID),
			zap.Strings("bindings", skipped))
	}
	for name, filePath := range staged {
		if _, ok := loaderByExtension[strings.ToLower(path.Ext(filePath))]; !ok {
			e.logger.Warn("binding has an unsupported file extension, variable will not be bound",
				zap.String("execution_id", ws.ID),
				zap.String("binding", name),
				zap.String("path", filePath))
		}
	}

	program := WrapCode(req.Code, staged, e.backend.WrapOptions())

	started := time.Now()
	raw, err := e.backend.Run(ctx, program, ws)
	if err != nil {
		e.logger.Error("backend failed to run program",
			zap.String("execution_id", ws.ID),
			zap.String("backend", e.backend.Name()),
			zap.Error(err))
		return Outcome{}, err
	}

	outcome := e.collector.Collect(raw, ws)

	e.logger.Info("execution finished",
		zap.String("execution_id", ws.ID),
		zap.String("backend", e.backend.Name()),
		zap.Bool("succeeded", outcome.Succeeded),
		zap.String("failure_kind", string(outcome.FailureKind)),
		zap.Int("captured_values", len(outcome.Result)),
		zap.Duration("elapsed", time.Since(started)))

	return outcome, nil
}

// HealthStatus reports whether the active backend can run a trivial
// known-safe snippet, and which backend variant is in effect.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Backend string `json:"backend"`
	Detail  string `json:"detail,omitempty"`
}

// Health runs a known-safe snippet through the full pipeline and checks
// for the expected output.
func (e *Executor) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{Backend: e.backend.Name()}

	outcome, err := e.Execute(ctx, ExecuteRequest{Code: "print('healthy')"})
	if err != nil {
		status.Detail = err.Error()
		return status
	}
	if !outcome.Succeeded {
		status.Detail = "health snippet did not succeed: " + string(outcome.FailureKind)
		return status
	}
	if !strings.Contains(outcome.Stdout, "healthy") {
		status.Detail = "unexpected health snippet output"
		return status
	}

	status.Healthy = true
	return status
}
