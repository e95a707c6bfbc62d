// Package luart is the bundled Lua kernel runtime.
//
// Code runs with REPL semantics: a cell that is a valid expression list is
// evaluated and its values become the execute_result; anything else runs as
// a chunk. print writes to the stdout stream and display publishes rich
// output. Only the base, table, string and math libraries are opened.
package luart

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/devtomas22/note/internal/kernel"
	"github.com/devtomas22/note/internal/models"
	"github.com/devtomas22/note/internal/protocol"
	lua "github.com/yuin/gopher-lua"
)

// ImplementationVersion is reported in kernel_info_reply.
const ImplementationVersion = "0.1.0"

// Interpreter is a persistent Lua state. Globals survive between cells.
type Interpreter struct {
	mu  sync.Mutex
	L   *lua.LState
	pub kernel.Publisher
}

// New creates an interpreter with a fresh state.
func New() *Interpreter {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}

	it := &Interpreter{L: L}
	L.SetGlobal("print", L.NewFunction(it.luaPrint))
	L.SetGlobal("display", L.NewFunction(it.luaDisplay))
	return it
}

// Factory returns a new interpreter as a kernel.Interpreter.
func Factory() kernel.Interpreter { return New() }

// Close releases the Lua state.
func (it *Interpreter) Close() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.L.Close()
}

// Info implements kernel.Interpreter.
func (it *Interpreter) Info() protocol.KernelInfoReply {
	return protocol.KernelInfoReply{
		Implementation:        "note-lua",
		ImplementationVersion: ImplementationVersion,
		LanguageInfo: protocol.LanguageInfo{
			Name:          "lua",
			Version:       lua.LuaVersion,
			Mimetype:      "text/x-lua",
			FileExtension: ".lua",
		},
		Banner: lua.PackageName + " " + lua.PackageVersion + " (" + lua.LuaVersion + ")",
	}
}

// Execute implements kernel.Interpreter.
func (it *Interpreter) Execute(ctx context.Context, code string, pub kernel.Publisher) (models.MimeBundle, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	L := it.L
	it.pub = pub
	defer func() { it.pub = nil }()

	fn, err := L.LoadString("return " + code)
	if err != nil {
		fn, err = L.LoadString(code)
	}
	if err != nil {
		return nil, toExecutionError(err)
	}

	L.SetContext(ctx)
	defer L.RemoveContext()

	top := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.SetTop(top)
		if ctx.Err() != nil {
			return nil, kernel.Interrupted()
		}
		return nil, toExecutionError(err)
	}

	var values []string
	allNil := true
	for i := top + 1; i <= L.GetTop(); i++ {
		v := L.Get(i)
		if v != lua.LNil {
			allNil = false
		}
		values = append(values, tostring(L, v))
	}
	L.SetTop(top)

	if allNil {
		return nil, nil
	}
	return models.MimeBundle{"text/plain": strings.Join(values, "\t")}, nil
}

func (it *Interpreter) luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, tostring(L, L.Get(i)))
	}
	if it.pub != nil {
		it.pub.Stream("stdout", strings.Join(parts, "\t")+"\n")
	}
	return 0
}

// luaDisplay publishes display_data. A table whose string keys look like
// MIME types is published as a bundle; any other value as text/plain.
func (it *Interpreter) luaDisplay(L *lua.LState) int {
	v := L.Get(1)
	bundle := models.MimeBundle{}
	if tbl, ok := v.(*lua.LTable); ok {
		tbl.ForEach(func(k, val lua.LValue) {
			ks, ok := k.(lua.LString)
			if !ok || !strings.Contains(string(ks), "/") {
				return
			}
			bundle[string(ks)] = tostring(L, val)
		})
	}
	if len(bundle) == 0 {
		bundle["text/plain"] = tostring(L, v)
	}
	if it.pub != nil {
		it.pub.Display(bundle)
	}
	return 0
}

func tostring(L *lua.LState, v lua.LValue) string {
	return L.ToStringMeta(v).String()
}

func toExecutionError(err error) *kernel.ExecutionError {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return &kernel.ExecutionError{EName: "LuaError", EValue: err.Error()}
	}

	ename := "LuaError"
	if apiErr.Type == lua.ApiErrorSyntax {
		ename = "LuaSyntaxError"
	}
	evalue := err.Error()
	if apiErr.Object != nil {
		evalue = apiErr.Object.String()
	}

	var traceback []string
	for _, line := range strings.Split(apiErr.StackTrace, "\n") {
		if strings.TrimSpace(line) != "" {
			traceback = append(traceback, line)
		}
	}
	return &kernel.ExecutionError{EName: ename, EValue: evalue, Traceback: traceback}
}
