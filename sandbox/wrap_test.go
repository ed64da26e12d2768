package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseWrapOptions() WrapOptions {
	return WrapOptions{
		DataDir:       "data",
		OutputDir:     "output",
		MaxRows:       1000,
		MaxValueBytes: 10000,
		MaxPlots:      5,
	}
}

func TestWrapCodeDataLoading(t *testing.T) {
	t.Run("loads csv with read_csv", func(t *testing.T) {
		program := WrapCode("x = 5", map[string]string{"orders": "proj1_orders.csv"}, baseWrapOptions())
		assert.Contains(t, program, "orders = pd.read_csv('data/proj1_orders.csv')")
	})

	t.Run("loads spreadsheets with read_excel", func(t *testing.T) {
		program := WrapCode("x = 5", map[string]string{
			"sales":  "sales.xlsx",
			"legacy": "legacy.XLS",
		}, baseWrapOptions())
		assert.Contains(t, program, "sales = pd.read_excel('data/sales.xlsx')")
		assert.Contains(t, program, "legacy = pd.read_excel('data/legacy.XLS')")
	})

	t.Run("skips unsupported extensions", func(t *testing.T) {
		program := WrapCode("x = 5", map[string]string{
			"orders": "orders.csv",
			"notes":  "notes.pdf",
		}, baseWrapOptions())
		assert.Contains(t, program, "orders = pd.read_csv")
		assert.NotContains(t, program, "notes =")
		assert.NotContains(t, program, "notes.pdf")
	})

	t.Run("emits bindings in sorted order", func(t *testing.T) {
		bindings := map[string]string{
			"zebra": "zebra.csv",
			"alpha": "alpha.csv",
			"mid":   "mid.csv",
		}
		program := WrapCode("x = 5", bindings, baseWrapOptions())

		alphaIdx := strings.Index(program, "alpha = pd.read_csv")
		midIdx := strings.Index(program, "mid = pd.read_csv")
		zebraIdx := strings.Index(program, "zebra = pd.read_csv")
		require.True(t, alphaIdx >= 0 && midIdx >= 0 && zebraIdx >= 0)
		assert.Less(t, alphaIdx, midIdx)
		assert.Less(t, midIdx, zebraIdx)
	})

	t.Run("uses only the file base name", func(t *testing.T) {
		program := WrapCode("x = 5", map[string]string{"orders": "nested/dir/orders.csv"}, baseWrapOptions())
		assert.Contains(t, program, "orders = pd.read_csv('data/orders.csv')")
	})
}

func TestWrapCodeStructure(t *testing.T) {
	t.Run("embeds user code inside the guarded block", func(t *testing.T) {
		program := WrapCode("x = 5\ny = x * 2", nil, baseWrapOptions())

		assert.Contains(t, program, "try:\n    x = 5\n    y = x * 2")
		assert.Contains(t, program, "except Exception as __kx_exc:")
	})

	t.Run("imports the analysis libraries headless", func(t *testing.T) {
		program := WrapCode("x = 5", nil, baseWrapOptions())

		assert.Contains(t, program, "import pandas as pd")
		assert.Contains(t, program, "import numpy as np")
		assert.Contains(t, program, "matplotlib.use('Agg')")
	})

	t.Run("writes the envelope to the fixed location", func(t *testing.T) {
		program := WrapCode("x = 5", nil, baseWrapOptions())
		assert.Contains(t, program, "with open('output/result.json', 'w')")
	})

	t.Run("error path writes only the reserved key and exits non-zero", func(t *testing.T) {
		program := WrapCode("x = 5", nil, baseWrapOptions())

		assert.Contains(t, program, "json.dump({'__error': __kx_error}")
		assert.Contains(t, program, "traceback.format_exc()")
		assert.Contains(t, program, "sys.exit(1)")
	})

	t.Run("capture applies configured bounds", func(t *testing.T) {
		opts := baseWrapOptions()
		opts.MaxRows = 50
		opts.MaxValueBytes = 2048
		opts.MaxPlots = 2
		program := WrapCode("x = 5", nil, opts)

		assert.Contains(t, program, ".head(50)")
		assert.Contains(t, program, "< 2048")
		assert.Contains(t, program, ">= 2")
	})

	t.Run("series capture stringifies non-string names", func(t *testing.T) {
		// Series names can be ints or tuples after groupby; the envelope
		// field is a string, so the capture coerces before serializing.
		program := WrapCode("x = 5", nil, baseWrapOptions())

		assert.Contains(t, program, "'name': None if __kx_value.name is None else str(__kx_value.name)")
	})

	t.Run("plot capture records names under the reserved key", func(t *testing.T) {
		program := WrapCode("x = 5", nil, baseWrapOptions())

		assert.Contains(t, program, "plt.get_fignums()")
		assert.Contains(t, program, "plt.savefig('output/plots/figure_%d.png' % __kx_i")
		assert.Contains(t, program, "__kx_result['__plots'] = {'type': 'plots', 'data': __kx_plots}")
	})

	t.Run("container layout uses absolute mount paths", func(t *testing.T) {
		opts := baseWrapOptions()
		opts.DataDir = "/sandbox/data"
		opts.OutputDir = "/sandbox/output"
		program := WrapCode("x = 5", map[string]string{"orders": "orders.csv"}, opts)

		assert.Contains(t, program, "pd.read_csv('/sandbox/data/orders.csv')")
		assert.Contains(t, program, "with open('/sandbox/output/result.json', 'w')")
	})
}

func TestWrapCodeHardening(t *testing.T) {
	hardened := WrapOptions{
		Hardened:        true,
		DataDir:         "data",
		OutputDir:       "output",
		MemoryMB:        512,
		TimeoutSec:      30,
		MaxProcesses:    1,
		MaxOutputFileMB: 10,
		MaxRows:         1000,
		MaxValueBytes:   10000,
		MaxPlots:        5,
	}

	t.Run("prelude sets resource limits before anything else", func(t *testing.T) {
		program := WrapCode("x = 5", nil, hardened)

		rlimitIdx := strings.Index(program, "resource.setrlimit(resource.RLIMIT_AS")
		importIdx := strings.Index(program, "import pandas as pd")
		require.True(t, rlimitIdx >= 0 && importIdx >= 0)
		assert.Less(t, rlimitIdx, importIdx)

		assert.Contains(t, program, "resource.setrlimit(resource.RLIMIT_AS, (536870912, 536870912))")
		assert.Contains(t, program, "resource.setrlimit(resource.RLIMIT_CPU, (35, 35))")
		assert.Contains(t, program, "resource.setrlimit(resource.RLIMIT_NPROC, (1, 1))")
		assert.Contains(t, program, "resource.setrlimit(resource.RLIMIT_FSIZE, (10485760, 10485760))")
		assert.Contains(t, program, "resource.setrlimit(resource.RLIMIT_CORE, (0, 0))")
	})

	t.Run("evicts dangerous modules and removes unsafe builtins after imports", func(t *testing.T) {
		program := WrapCode("x = 5", nil, hardened)

		assert.Contains(t, program, "del sys.modules[__kx_mod]")
		assert.Contains(t, program, "'subprocess', 'socket'")
		assert.Contains(t, program, "'eval', 'exec', 'compile'")
		assert.Contains(t, program, "delattr(builtins, __kx_name)")

		// The analysis libraries must load before the import machinery
		// and evaluation builtins are cut off.
		importIdx := strings.Index(program, "import matplotlib.pyplot as plt")
		evictIdx := strings.Index(program, "__kx_dangerous_modules")
		removeIdx := strings.Index(program, "__kx_removed_builtins")
		require.True(t, importIdx >= 0 && evictIdx >= 0 && removeIdx >= 0)
		assert.Less(t, importIdx, evictIdx)
		assert.Less(t, evictIdx, removeIdx)
	})

	t.Run("docker layout omits the prelude", func(t *testing.T) {
		program := WrapCode("x = 5", nil, baseWrapOptions())

		assert.NotContains(t, program, "setrlimit")
		assert.NotContains(t, program, "delattr(builtins")
	})
}
