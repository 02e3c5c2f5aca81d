package runtime

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
)

// Runtime defines how a stored script file is interpreted.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "bash", "sh").
	Name() string

	// Command returns the interpreter argv for the script at scriptPath.
	Command(scriptPath string) []string

	// FileExtension returns the extension used for materialized scripts.
	FileExtension() string

	// Validate rejects content that must not reach the interpreter.
	Validate(content string) error
}

// Registry maps shell names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported shells.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&BashRuntime{})
	r.Register(&ShRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given shell. An absolute interpreter path
// that is not registered by name is accepted as-is.
func (r *Registry) Get(shell string) (Runtime, error) {
	if rt, ok := r.runtimes[shell]; ok {
		return rt, nil
	}
	if filepath.IsAbs(shell) {
		if rt, ok := r.runtimes[filepath.Base(shell)]; ok {
			return &PathRuntime{Path: shell, ext: rt.FileExtension()}, nil
		}
		return &PathRuntime{Path: shell, ext: ".sh"}, nil
	}
	return nil, fmt.Errorf("unsupported shell: %q (supported: %v)", shell, r.Names())
}

// Names returns all registered shell names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var stdbufPath = sync.OnceValue(func() string {
	p, err := exec.LookPath("stdbuf")
	if err != nil {
		return ""
	}
	return p
})

// Invocation returns the full argv for running scriptPath under rt.
// With lineBuffered set and coreutils stdbuf on PATH, the interpreter's
// stdio is switched to line buffering so output streams as it is written.
func Invocation(rt Runtime, scriptPath string, lineBuffered bool) []string {
	argv := rt.Command(scriptPath)
	if !lineBuffered {
		return argv
	}
	sb := stdbufPath()
	if sb == "" {
		return argv
	}
	return append([]string{sb, "-oL", "-eL"}, argv...)
}
