// Package sandbox provides secure execution of untrusted analysis code.
//
// A Workspace is the ephemeral, exclusively-owned directory backing one
// execution: the generated program, staged copies of bound data files,
// and the output area the envelope and plots are written to. It is
// created at the start of an execution and removed on every exit path.
package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Staged data files must be readable and the output area writable by
// the unprivileged user the container runs as.
const (
	DataFilePermission = 0644
	OutputPermission   = 0777
)

// Workspace is the per-execution directory tree:
//
//	<root>/program.py
//	<root>/data/<staged files>
//	<root>/output/result.json
//	<root>/output/plots/figure_N.png
type Workspace struct {
	// ID uniquely identifies the execution, used for container names
	// and log correlation.
	ID   string
	Root string

	fs FileSystem
}

// NewWorkspace creates a fresh workspace. The caller owns it
// exclusively and must call Remove when the execution is over.
//
// MkdirTemp creates the root 0700 and MkdirAll modes are clipped by the
// umask, so the modes the container user depends on are set explicitly:
// the unprivileged user must traverse the root to reach program.py and
// write the envelope and plots into the output tree.
func NewWorkspace(fs FileSystem) (*Workspace, error) {
	root, err := fs.MkdirTemp("", "koalabox-exec-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	ws := &Workspace{
		ID:   uuid.NewString(),
		Root: root,
		fs:   fs,
	}

	if err := fs.Chmod(root, DirPermission); err != nil {
		_ = fs.RemoveAll(root)
		return nil, fmt.Errorf("failed to open up workspace root: %w", err)
	}

	if err := fs.MkdirAll(ws.DataDir(), DirPermission); err != nil {
		_ = fs.RemoveAll(root)
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := fs.MkdirAll(ws.PlotsDir(), OutputPermission); err != nil {
		_ = fs.RemoveAll(root)
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	for _, dir := range []string{ws.OutputDir(), ws.PlotsDir()} {
		if err := fs.Chmod(dir, OutputPermission); err != nil {
			_ = fs.RemoveAll(root)
			return nil, fmt.Errorf("failed to open up output dir: %w", err)
		}
	}

	return ws, nil
}

func (w *Workspace) ProgramPath() string {
	return filepath.Join(w.Root, ProgramFileName)
}

func (w *Workspace) DataDir() string {
	return filepath.Join(w.Root, DataDirName)
}

func (w *Workspace) OutputDir() string {
	return filepath.Join(w.Root, OutputDirName)
}

func (w *Workspace) PlotsDir() string {
	return filepath.Join(w.OutputDir(), PlotsDirName)
}

func (w *Workspace) EnvelopePath() string {
	return filepath.Join(w.OutputDir(), EnvelopeName)
}

// WriteProgram materializes the generated program into the workspace.
func (w *Workspace) WriteProgram(program string) error {
	if err := w.fs.WriteFile(w.ProgramPath(), []byte(program), DataFilePermission); err != nil {
		return fmt.Errorf("failed to write program: %w", err)
	}
	return nil
}

// StageBindings copies bound data files from the uploads root into the
// workspace data directory. Bindings whose file does not exist are
// skipped, not failed; their names are returned so the caller can log
// them. Binding names that are not identifier-safe and paths escaping
// the uploads root are hard errors: both would end up inside the
// generated program.
func (w *Workspace) StageBindings(uploadsDir string, bindings map[string]string) (staged map[string]string, skipped []string, err error) {
	staged = make(map[string]string, len(bindings))

	for name, relPath := range bindings {
		if !isIdentifier(name) {
			return nil, nil, fmt.Errorf("binding name is not a valid identifier: %q", name)
		}

		cleaned := filepath.Clean(relPath)
		if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
			return nil, nil, fmt.Errorf("binding path escapes uploads root: %q", relPath)
		}

		srcPath := filepath.Join(uploadsDir, cleaned)
		exists, statErr := w.fs.FileExists(srcPath)
		if statErr != nil {
			return nil, nil, fmt.Errorf("failed to stat bound file %q: %w", relPath, statErr)
		}
		if !exists {
			skipped = append(skipped, name)
			continue
		}

		data, readErr := w.fs.ReadFile(srcPath)
		if readErr != nil {
			return nil, nil, fmt.Errorf("failed to read bound file %q: %w", relPath, readErr)
		}

		destPath := filepath.Join(w.DataDir(), filepath.Base(cleaned))
		if writeErr := w.fs.WriteFile(destPath, data, DataFilePermission); writeErr != nil {
			return nil, nil, fmt.Errorf("failed to stage bound file %q: %w", relPath, writeErr)
		}

		staged[name] = cleaned
	}

	return staged, skipped, nil
}

// Remove deletes the workspace tree. Called unconditionally at the end
// of every execution, including timeouts.
func (w *Workspace) Remove() error {
	return w.fs.RemoveAll(w.Root)
}

// pythonKeywords are names a binding may not shadow.
var pythonKeywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true,
	"assert": true, "async": true, "await": true, "break": true,
	"class": true, "continue": true, "def": true, "del": true,
	"elif": true, "else": true, "except": true, "finally": true,
	"for": true, "from": true, "global": true, "if": true,
	"import": true, "in": true, "is": true, "lambda": true,
	"nonlocal": true, "not": true, "or": true, "pass": true,
	"raise": true, "return": true, "try": true, "while": true,
	"with": true, "yield": true,
}

// isIdentifier reports whether name is safe to use as a variable name
// in the generated program. ASCII-only on purpose.
func isIdentifier(name string) bool {
	if name == "" || pythonKeywords[name] || strings.HasPrefix(name, "_") {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
