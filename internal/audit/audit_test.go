package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtomas22/note/internal/store"
)

func TestRecord_WritesHashedEntry(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()

	r := NewRecorder(s)
	inputs := map[string]string{"name": "lua"}
	entry, err := r.Record("kernel.start", inputs, OutcomeSuccess, "k1", "")
	require.NoError(t, err)
	assert.Equal(t, HashInputs(inputs), entry.InputsHash)
	assert.Len(t, entry.InputsHash, 64)

	entries, err := s.ListAudit(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kernel.start", entries[0].Action)
	assert.Equal(t, "k1", entries[0].KernelID)
}

func TestHashInputs(t *testing.T) {
	assert.Equal(t, HashInputs(map[string]int{"a": 1}), HashInputs(map[string]int{"a": 1}))
	assert.NotEqual(t, HashInputs("a"), HashInputs("b"))
	assert.Equal(t, "hash_error", HashInputs(make(chan int)))
}

func TestRecord_NilSink(t *testing.T) {
	entry, err := NewRecorder(nil).Record("x", nil, OutcomeSuccess, "", "")
	assert.NoError(t, err)
	assert.Nil(t, entry)

	var r *Recorder
	_, err = r.Record("x", nil, OutcomeSuccess, "", "")
	assert.NoError(t, err)
}
