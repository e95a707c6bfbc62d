package luart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devtomas22/note/internal/kernel"
	"github.com/devtomas22/note/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	streams  []string
	displays []models.MimeBundle
}

func (r *recorder) Stream(name, text string) {
	r.streams = append(r.streams, name+":"+text)
}

func (r *recorder) Display(data models.MimeBundle) {
	r.displays = append(r.displays, data)
}

func run(t *testing.T, it *Interpreter, code string) (models.MimeBundle, *recorder, error) {
	t.Helper()
	rec := &recorder{}
	data, err := it.Execute(context.Background(), code, rec)
	return data, rec, err
}

func TestExecute_ExpressionProducesResult(t *testing.T) {
	it := New()
	defer it.Close()

	data, rec, err := run(t, it, "2+2")
	require.NoError(t, err)
	assert.Equal(t, models.MimeBundle{"text/plain": "4"}, data)
	assert.Empty(t, rec.streams)
}

func TestExecute_PrintWritesStdout(t *testing.T) {
	it := New()
	defer it.Close()

	data, rec, err := run(t, it, "print('hi')")
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, []string{"stdout:hi\n"}, rec.streams)

	_, rec, err = run(t, it, "print('a', 1, nil)")
	require.NoError(t, err)
	assert.Equal(t, []string{"stdout:a\t1\tnil\n"}, rec.streams)
}

func TestExecute_StatePersistsAcrossCells(t *testing.T) {
	it := New()
	defer it.Close()

	data, _, err := run(t, it, "x = 41")
	require.NoError(t, err)
	assert.Nil(t, data)

	data, _, err = run(t, it, "x + 1")
	require.NoError(t, err)
	assert.Equal(t, "42", data["text/plain"])

	data, _, err = run(t, it, "function greet(n) return 'hello ' .. n end")
	require.NoError(t, err)
	assert.Nil(t, data)

	data, _, err = run(t, it, "greet('lua'), 3")
	require.NoError(t, err)
	assert.Equal(t, "hello lua\t3", data["text/plain"])
}

func TestExecute_NilResultIsSuppressed(t *testing.T) {
	it := New()
	defer it.Close()

	data, _, err := run(t, it, "nil")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestExecute_Errors(t *testing.T) {
	it := New()
	defer it.Close()

	_, _, err := run(t, it, "error('boom')")
	var ee *kernel.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "LuaError", ee.EName)
	assert.Contains(t, ee.EValue, "boom")

	_, _, err = run(t, it, "x = = 1")
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "LuaSyntaxError", ee.EName)

	data, _, err := run(t, it, "1 + 1")
	require.NoError(t, err, "state stays usable after an error")
	assert.Equal(t, "2", data["text/plain"])
}

func TestExecute_Display(t *testing.T) {
	it := New()
	defer it.Close()

	_, rec, err := run(t, it, `display({["text/html"] = "<b>x</b>", ignored = 1})`)
	require.NoError(t, err)
	require.Len(t, rec.displays, 1)
	assert.Equal(t, models.MimeBundle{"text/html": "<b>x</b>"}, rec.displays[0])

	_, rec, err = run(t, it, "display(12)")
	require.NoError(t, err)
	require.Len(t, rec.displays, 1)
	assert.Equal(t, models.MimeBundle{"text/plain": "12"}, rec.displays[0])
}

func TestExecute_Interrupt(t *testing.T) {
	it := New()
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := it.Execute(ctx, "while true do end", &recorder{})
	var ee *kernel.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "KeyboardInterrupt", ee.EName)

	data, _, err := run(t, it, "'still alive'")
	require.NoError(t, err)
	assert.Equal(t, "still alive", data["text/plain"])
}

func TestSandbox(t *testing.T) {
	it := New()
	defer it.Close()

	for _, name := range []string{"io", "os", "dofile", "loadfile", "require"} {
		data, _, err := run(t, it, name)
		require.NoError(t, err, name)
		assert.Nil(t, data, "%s must not be available", name)
	}
}

func TestInfo(t *testing.T) {
	info := New().Info()
	assert.Equal(t, "lua", info.LanguageInfo.Name)
	assert.Equal(t, ".lua", info.LanguageInfo.FileExtension)
	assert.NotEmpty(t, info.Banner)
}
