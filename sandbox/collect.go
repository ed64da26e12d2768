// Package sandbox provides secure execution of untrusted analysis code.
//
// The collector turns a backend's raw result plus whatever the run left
// in the workspace into the caller-facing Outcome. It is the only code
// that reads the result envelope, and it never trusts a partial one.
package sandbox

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// Collector normalizes raw execution results into Outcomes.
type Collector struct {
	logger *zap.Logger
	config *Config
	fs     FileSystem
}

// CollectorOption defines a functional option for Collector
type CollectorOption func(*Collector)

// WithCollectorFileSystem sets the FileSystem for Collector
func WithCollectorFileSystem(fs FileSystem) CollectorOption {
	return func(c *Collector) {
		c.fs = fs
	}
}

// NewCollector creates a new Collector with default implementations and optional interfaces
func NewCollector(logger *zap.Logger, config *Config, opts ...CollectorOption) *Collector {
	collector := &Collector{
		logger: logger,
		config: config,
		fs:     &RealFileSystem{}, // Default implementation
	}

	for _, opt := range opts {
		opt(collector)
	}

	return collector
}

// Collect maps a raw result onto the outcome contract:
//
//   - timeout: reported immediately, the workspace is not inspected
//   - no envelope: success with no captured values on exit 0, generic
//     runtime failure otherwise
//   - envelope with the reserved error key: runtime failure with the
//     captured message and traceback
//   - envelope with a result mapping: success, plus plot artifacts
//     packaged from the output directory
//
// The caller removes the workspace after Collect returns, on every branch.
func (c *Collector) Collect(raw RawResult, ws *Workspace) Outcome {
	if raw.TimedOut {
		return Outcome{
			Succeeded:   false,
			Stdout:      raw.Stdout,
			FailureKind: FailureTimeout,
		}
	}

	exists, err := c.fs.FileExists(ws.EnvelopePath())
	if err != nil {
		c.logger.Warn("failed to stat result envelope", zap.String("execution_id", ws.ID), zap.Error(err))
		exists = false
	}

	if !exists {
		if raw.ExitCode == 0 {
			// The program ran to completion without captured values.
			return Outcome{Succeeded: true, Stdout: raw.Stdout}
		}
		return Outcome{
			Succeeded:   false,
			Stdout:      raw.Stdout,
			FailureKind: FailureRuntime,
			Error:       &ErrorInfo{Message: failureMessage(raw)},
		}
	}

	data, err := c.fs.ReadFile(ws.EnvelopePath())
	if err != nil {
		c.logger.Error("failed to read result envelope", zap.String("execution_id", ws.ID), zap.Error(err))
		return Outcome{
			Succeeded:   false,
			Stdout:      raw.Stdout,
			FailureKind: FailureRuntime,
			Error:       &ErrorInfo{Message: "failed to read result envelope"},
		}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		// A half-written envelope is never surfaced as success.
		c.logger.Error("malformed result envelope", zap.String("execution_id", ws.ID), zap.Error(err))
		return Outcome{
			Succeeded:   false,
			Stdout:      raw.Stdout,
			FailureKind: FailureRuntime,
			Error:       &ErrorInfo{Message: "malformed result envelope"},
		}
	}

	if rawErr, ok := envelope[errorKey]; ok {
		var info ErrorInfo
		if err := json.Unmarshal(rawErr, &info); err != nil {
			info = ErrorInfo{Message: "user code failed with an unreadable error"}
		}
		return Outcome{
			Succeeded:   false,
			Stdout:      raw.Stdout,
			FailureKind: FailureRuntime,
			Error:       &info,
		}
	}

	result := make(map[string]CapturedValue, len(envelope))
	for name, rawValue := range envelope {
		var cv CapturedValue
		if err := json.Unmarshal(rawValue, &cv); err != nil {
			c.logger.Warn("dropping unreadable captured value",
				zap.String("execution_id", ws.ID),
				zap.String("variable", name),
				zap.Error(err))
			continue
		}
		result[name] = cv
	}

	outcome := Outcome{
		Succeeded: true,
		Stdout:    raw.Stdout,
		Result:    result,
	}

	if _, hasPlots := result[plotsKey]; hasPlots {
		outcome.ArtifactsTar = c.packArtifacts(ws)
	}

	return outcome
}

// packArtifacts packages the plot images from the output directory as a
// tar.gz archive, excluding the envelope itself. Oversized artifacts
// are dropped rather than failing an otherwise successful execution.
func (c *Collector) packArtifacts(ws *Workspace) []byte {
	artifactsTar, err := CreateTarFromDirWithExcludes(ws.OutputDir(), []string{EnvelopeName})
	if err != nil {
		c.logger.Warn("failed to package plot artifacts", zap.String("execution_id", ws.ID), zap.Error(err))
		return nil
	}

	if len(artifactsTar) > c.config.MaxArtifactSizeMB*MaxArtifactSizeMul {
		c.logger.Warn("plot artifacts exceed size limit, dropping",
			zap.String("execution_id", ws.ID),
			zap.Int("size_bytes", len(artifactsTar)),
			zap.Int("limit_mb", c.config.MaxArtifactSizeMB))
		return nil
	}

	return artifactsTar
}

func failureMessage(raw RawResult) string {
	if msg := strings.TrimSpace(raw.Stderr); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(raw.Stdout); msg != "" {
		return msg
	}
	return "execution failed with no output"
}
