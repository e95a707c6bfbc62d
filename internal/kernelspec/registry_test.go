package kernelspec

import (
	"testing"

	"github.com/devtomas22/note/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_FillsDefaults(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(models.KernelSpec{Name: "py", Language: "python", Argv: []string{"python3", "-m", "kernel"}}))
	require.NoError(t, r.Register(models.KernelSpec{Name: "mem", Language: "lua", Argv: []string{"lua"}, Launcher: LauncherInProc}))

	py, ok := r.Get("py")
	require.True(t, ok)
	assert.Equal(t, LauncherExec, py.Launcher)
	assert.Equal(t, models.InterruptSignal, py.InterruptMode)
	assert.Equal(t, "py", py.DisplayName)

	mem, ok := r.Get("mem")
	require.True(t, ok)
	assert.Equal(t, models.InterruptMessage, mem.InterruptMode)
}

func TestRegister_Rejects(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(models.KernelSpec{Argv: []string{"x"}}))
	assert.Error(t, r.Register(models.KernelSpec{Name: "x"}))
	assert.Equal(t, 0, r.Count())
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(models.KernelSpec{Name: "a", Argv: []string{"prog"}, Env: map[string]string{"K": "V"}}))

	spec, _ := r.Get("a")
	spec.Argv[0] = "mutated"
	spec.Env["K"] = "mutated"

	again, _ := r.Get("a")
	assert.Equal(t, "prog", again.Argv[0])
	assert.Equal(t, "V", again.Env["K"])

	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestDefaultsAndList(t *testing.T) {
	r := NewRegistry()
	r.RegisterDefaults("/usr/local/bin/note")

	specs := r.List()
	require.Len(t, specs, 2)
	assert.Equal(t, "lua", specs[0].Name)
	assert.Equal(t, "lua-inproc", specs[1].Name)
	assert.Equal(t, []string{"/usr/local/bin/note", "runtime", "lua"}, specs[0].Argv)

	assert.Equal(t, DefaultName, r.Default())
	require.NoError(t, r.SetDefault("lua-inproc"))
	assert.Equal(t, "lua-inproc", r.Default())
	assert.Error(t, r.SetDefault("nope"))
}

func TestAvailable(t *testing.T) {
	r := NewRegistry()
	r.RegisterDefaults("/nonexistent/note")

	av, err := r.Available("lua-inproc")
	require.NoError(t, err)
	assert.Equal(t, "available", av.Status)

	av, err = r.Available("lua")
	require.NoError(t, err)
	assert.Equal(t, "missing", av.Status)

	_, err = r.Available("nope")
	assert.Error(t, err)
}
