// Package kernelspec maps kernel names to launchable runtimes.
package kernelspec

import (
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"github.com/devtomas22/note/internal/models"
)

// Launcher names understood by the supervisor.
const (
	LauncherExec   = "exec"
	LauncherInProc = "inproc"
)

// DefaultName is the kernelspec used when a client does not name one.
const DefaultName = "lua"

func cloneSpec(s *models.KernelSpec) models.KernelSpec {
	c := *s
	if s.Argv != nil {
		c.Argv = append([]string(nil), s.Argv...)
	}
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	return c
}

// Registry manages registered kernelspecs.
type Registry struct {
	specs       map[string]*models.KernelSpec
	defaultName string
	mu          sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:       make(map[string]*models.KernelSpec),
		defaultName: DefaultName,
	}
}

// Register adds or replaces a kernelspec, filling in launcher and interrupt
// mode defaults.
func (r *Registry) Register(spec models.KernelSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("kernelspec name cannot be empty")
	}
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return fmt.Errorf("kernelspec %q: argv cannot be empty", spec.Name)
	}
	if spec.Launcher == "" {
		spec.Launcher = LauncherExec
	}
	if spec.InterruptMode == "" {
		spec.InterruptMode = models.InterruptSignal
		if spec.Launcher == LauncherInProc {
			spec.InterruptMode = models.InterruptMessage
		}
	}
	if spec.DisplayName == "" {
		spec.DisplayName = spec.Name
	}

	c := cloneSpec(&spec)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = &c
	return nil
}

// Get retrieves a kernelspec by name.
func (r *Registry) Get(name string) (*models.KernelSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[name]
	if !ok {
		return nil, false
	}
	c := cloneSpec(spec)
	return &c, true
}

// List returns all kernelspecs sorted by name.
func (r *Registry) List() []models.KernelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]models.KernelSpec, 0, len(r.specs))
	for _, s := range r.specs {
		specs = append(specs, cloneSpec(s))
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Name < specs[j].Name
	})
	return specs
}

// Count returns the number of registered kernelspecs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// Default returns the default kernelspec name.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// SetDefault changes the default kernelspec.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[name]; !ok {
		return fmt.Errorf("kernelspec %q not found", name)
	}
	r.defaultName = name
	return nil
}

// RegisterDefaults registers the bundled Lua runtime twice: as a subprocess
// of self (the note binary) and in-process.
func (r *Registry) RegisterDefaults(self string) {
	defaults := []models.KernelSpec{
		{
			Name:          "lua",
			DisplayName:   "Lua",
			Language:      "lua",
			Argv:          []string{self, "runtime", "lua"},
			Launcher:      LauncherExec,
			InterruptMode: models.InterruptSignal,
		},
		{
			Name:          "lua-inproc",
			DisplayName:   "Lua (in-process)",
			Language:      "lua",
			Argv:          []string{"lua"},
			Launcher:      LauncherInProc,
			InterruptMode: models.InterruptMessage,
		},
	}
	for _, s := range defaults {
		_ = r.Register(s)
	}
}

// Availability reports whether a kernelspec can be launched on this host.
type Availability struct {
	Name   string `json:"name"`
	Status string `json:"status"` // available, missing
	Path   string `json:"path,omitempty"`
}

// Available checks that the program a kernelspec runs exists. In-process
// kernelspecs are always available.
func (r *Registry) Available(name string) (Availability, error) {
	spec, ok := r.Get(name)
	if !ok {
		return Availability{}, fmt.Errorf("kernelspec %q not found", name)
	}
	if spec.Launcher == LauncherInProc {
		return Availability{Name: name, Status: "available"}, nil
	}
	path, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		return Availability{Name: name, Status: "missing"}, nil
	}
	return Availability{Name: name, Status: "available", Path: path}, nil
}
