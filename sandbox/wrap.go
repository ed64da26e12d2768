// Package sandbox provides secure execution of untrusted analysis code.
//
// The code wrapper turns untrusted user code plus its data bindings into
// a self-contained Python program: load bound files, run the user code
// under a guarded block, classify surviving variables into the captured
// value taxonomy, save open plots, and write a single result envelope to
// a fixed location in the workspace.
package sandbox

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// WrapOptions controls program generation for one execution.
type WrapOptions struct {
	// Hardened prepends the in-process defense layer used by the
	// restricted-process backend: OS resource limits, eviction of
	// dangerous modules, and a builtin allowlist. The Docker backend
	// relies on the container boundary instead and leaves this off.
	Hardened bool

	// DataDir and OutputDir are the directories as seen by the running
	// program (container mount paths for Docker, relative paths for the
	// process backend).
	DataDir   string
	OutputDir string

	// Resource limits applied by the hardened prelude.
	MemoryMB        int
	TimeoutSec      int
	MaxProcesses    int
	MaxOutputFileMB int

	// Capture bounds.
	MaxRows       int
	MaxValueBytes int
	MaxPlots      int
}

// Internal names in the generated program carry this prefix so the
// capture loop can tell them apart from user variables.
const internalPrefix = "__kx_"

// loaderByExtension maps a dataset file extension to the pandas reader
// used to load it. Extensions not listed here produce no binding
// variable at all.
var loaderByExtension = map[string]string{
	".csv":  "pd.read_csv",
	".xlsx": "pd.read_excel",
	".xls":  "pd.read_excel",
}

// WrapCode generates the executable program for the given user code and
// data bindings. The generated program is deterministic for identical
// inputs: bindings are emitted in sorted name order.
func WrapCode(code string, bindings map[string]string, opts WrapOptions) string {
	var b strings.Builder

	if opts.Hardened {
		writeResourceLimits(&b, opts)
	}

	b.WriteString(libraryImports)

	// Hardening that removes import machinery and introspection builtins
	// must wait until the analysis libraries are loaded; they cannot
	// import, or in places even run, without them.
	if opts.Hardened {
		b.WriteString(moduleEviction)
		b.WriteString(builtinRemoval)
	}

	fmt.Fprintf(&b, "%smkdirs('%s', exist_ok=True)\n\n", internalPrefix, path.Join(opts.OutputDir, PlotsDirName))

	writeDataLoading(&b, bindings, opts.DataDir)

	b.WriteString("__kx_result = {}\n\ntry:\n")
	b.WriteString(indent(code, "    "))
	b.WriteString("\n")

	writeCapture(&b, opts)
	writePlotCapture(&b, opts)
	writeEnvelope(&b, opts)
	writeFailurePath(&b, opts)

	return b.String()
}

// writeResourceLimits emits the setrlimit calls for the
// restricted-process backend. They come first so they bound everything
// that follows, including library imports. This layer sits under the OS
// restrictions, never in place of them.
func writeResourceLimits(b *strings.Builder, opts WrapOptions) {
	fmt.Fprintf(b, `import resource, sys

resource.setrlimit(resource.RLIMIT_AS, (%d, %d))
resource.setrlimit(resource.RLIMIT_CPU, (%d, %d))
resource.setrlimit(resource.RLIMIT_NPROC, (%d, %d))
resource.setrlimit(resource.RLIMIT_FSIZE, (%d, %d))
resource.setrlimit(resource.RLIMIT_CORE, (0, 0))

`,
		opts.MemoryMB*1024*1024, opts.MemoryMB*1024*1024,
		opts.TimeoutSec+5, opts.TimeoutSec+5,
		opts.MaxProcesses, opts.MaxProcesses,
		opts.MaxOutputFileMB*1024*1024, opts.MaxOutputFileMB*1024*1024)
}

// Evicting from sys.modules after the analysis libraries load is safe:
// they already hold direct references, while user code trying to reach
// these modules has to go through the import machinery again.
const moduleEviction = `__kx_dangerous_modules = [
    'subprocess', 'socket', 'ftplib', 'telnetlib', 'ssl',
    'select', 'selectors', 'asyncio', 'multiprocessing',
    'ctypes', 'cffi', 'mmap', 'shelve', 'marshal',
    'webbrowser', 'antigravity', 'this', 'pip', 'setuptools',
]

for __kx_mod in __kx_dangerous_modules:
    if __kx_mod in sys.modules:
        del sys.modules[__kx_mod]

`

// builtinRemoval drops the dynamic-evaluation and interactive builtins
// user code could abuse. pandas and numpy keep working because the
// attribute and OO builtins their runtime needs stay in place; the
// validation denylist already rejects user code naming any of these.
const builtinRemoval = `__kx_removed_builtins = [
    'eval', 'exec', 'compile', 'input', 'breakpoint',
    'help', 'exit', 'quit', 'license', 'copyright', 'credits',
]

import builtins
for __kx_name in __kx_removed_builtins:
    if hasattr(builtins, __kx_name):
        delattr(builtins, __kx_name)

`

const libraryImports = `import pandas as pd
import numpy as np
import matplotlib
matplotlib.use('Agg')
import matplotlib.pyplot as plt
import json
import sys
import traceback
from os import makedirs as __kx_mkdirs

`

// writeDataLoading emits one load statement per binding, dispatched on
// the declared file extension. Unsupported extensions produce no
// statement at all.
func writeDataLoading(b *strings.Builder, bindings map[string]string, dataDir string) {
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		filePath := bindings[name]
		loader, ok := loaderByExtension[strings.ToLower(path.Ext(filePath))]
		if !ok {
			continue
		}
		fmt.Fprintf(b, "%s = %s('%s')\n", name, loader, path.Join(dataDir, path.Base(filePath)))
	}

	if len(names) > 0 {
		b.WriteString("\n")
	}
}

// writeCapture emits the variable capture loop. It runs inside the
// guarded block, after the user code completed without raising, and
// applies the row and byte bounds from the options.
func writeCapture(b *strings.Builder, opts WrapOptions) {
	fmt.Fprintf(b, `
    for __kx_name, __kx_value in list(locals().items()):
        if __kx_name.startswith('_'):
            continue
        if __kx_name in ('pd', 'np', 'plt', 'json', 'sys', 'matplotlib', 'traceback'):
            continue
        if isinstance(__kx_value, pd.DataFrame):
            __kx_result[__kx_name] = {
                'type': 'dataframe',
                'data': __kx_value.head(%d).to_dict('records'),
                'columns': [str(__kx_c) for __kx_c in __kx_value.columns],
                'shape': list(__kx_value.shape),
            }
        elif isinstance(__kx_value, pd.Series):
            __kx_result[__kx_name] = {
                'type': 'series',
                'data': {str(__kx_k): __kx_v for __kx_k, __kx_v in __kx_value.head(%d).to_dict().items()},
                'name': None if __kx_value.name is None else str(__kx_value.name),
            }
        elif isinstance(__kx_value, (int, float, str, bool)):
            __kx_result[__kx_name] = {
                'type': type(__kx_value).__name__,
                'data': __kx_value,
            }
        elif isinstance(__kx_value, (list, dict)):
            if len(str(__kx_value)) < %d:
                __kx_result[__kx_name] = {
                    'type': type(__kx_value).__name__,
                    'data': __kx_value,
                }
`, opts.MaxRows, opts.MaxRows, opts.MaxValueBytes)
}

// writePlotCapture saves every figure still open in matplotlib, up to
// the plot bound, and records the file names under the reserved key.
func writePlotCapture(b *strings.Builder, opts WrapOptions) {
	plotsDir := path.Join(opts.OutputDir, PlotsDirName)
	fmt.Fprintf(b, `
    __kx_plots = []
    for __kx_i, __kx_num in enumerate(plt.get_fignums()):
        if __kx_i >= %d:
            break
        plt.figure(__kx_num)
        plt.savefig('%s/figure_%%d.png' %% __kx_i, dpi=150, bbox_inches='tight')
        __kx_plots.append('figure_%%d.png' %% __kx_i)

    if __kx_plots:
        __kx_result['%s'] = {'type': 'plots', 'data': __kx_plots}
`, opts.MaxPlots, plotsDir, plotsKey)
}

func writeEnvelope(b *strings.Builder, opts WrapOptions) {
	fmt.Fprintf(b, `
    with open('%s', 'w') as __kx_out:
        json.dump(__kx_result, __kx_out, indent=2)
`, path.Join(opts.OutputDir, EnvelopeName))
}

// writeFailurePath emits the except clause: on any exception the
// envelope holds only the reserved error key, never a partial result
// mapping, and the program exits non-zero.
func writeFailurePath(b *strings.Builder, opts WrapOptions) {
	fmt.Fprintf(b, `
except Exception as __kx_exc:
    __kx_error = {
        'error': str(__kx_exc),
        'traceback': traceback.format_exc(),
    }
    with open('%s', 'w') as __kx_out:
        json.dump({'%s': __kx_error}, __kx_out, indent=2)
    sys.exit(1)
`, path.Join(opts.OutputDir, EnvelopeName), errorKey)
}

// indent prefixes every line of code, keeping blank lines blank.
func indent(code string, prefix string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
