// Package sandbox provides secure execution of untrusted analysis code.
package sandbox

import "encoding/json"

// FailureKind classifies why an execution did not succeed.
type FailureKind string

const (
	// FailureNone means the execution succeeded.
	FailureNone FailureKind = ""
	// FailureTimeout means the execution exceeded the wall-clock budget
	// and was force-killed. Partial results are never trusted.
	FailureTimeout FailureKind = "timeout"
	// FailureRuntime means the user code raised inside the guarded block.
	FailureRuntime FailureKind = "runtime_error"
)

// CapturedValue is one variable that survived execution, classified by
// runtime type and serialized with size bounds.
//
// Type is one of: dataframe, series, int, float, str, bool, list, dict,
// plots. A dataframe carries Columns and Shape alongside its row records
// in Data; a series carries Name; scalars and collections carry only the
// literal value in Data.
type CapturedValue struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Columns []string        `json:"columns,omitempty"`
	Shape   []int           `json:"shape,omitempty"`
	Name    string          `json:"name,omitempty"`
}

// ErrorInfo carries the message and traceback of an exception raised by
// the user code inside the guarded block.
type ErrorInfo struct {
	Message   string `json:"error"`
	Traceback string `json:"traceback"`
}

// Outcome is the only value returned to external callers. Every
// execution produces exactly one Outcome; a timed-out or failed run
// still yields a well-formed one with Succeeded set to false.
type Outcome struct {
	Succeeded   bool                     `json:"succeeded"`
	Stdout      string                   `json:"stdout"`
	Result      map[string]CapturedValue `json:"result,omitempty"`
	Error       *ErrorInfo               `json:"error,omitempty"`
	FailureKind FailureKind              `json:"failure_kind,omitempty"`
	// ArtifactsTar holds the plot images produced during execution as a
	// tar.gz archive, empty when no plots were saved.
	ArtifactsTar []byte `json:"artifacts_tar,omitempty"`
}

// PlotFiles returns the plot artifact names recorded in the envelope,
// in the order the generated program saved them.
func (o *Outcome) PlotFiles() []string {
	cv, ok := o.Result[plotsKey]
	if !ok || cv.Type != "plots" {
		return nil
	}

	var names []string
	if err := json.Unmarshal(cv.Data, &names); err != nil {
		return nil
	}
	return names
}
