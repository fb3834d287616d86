package eventlog

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/watchtower/internal/fsutil"
)

type record struct {
	N    int    `json:"n"`
	Kind string `json:"kind"`
}

func TestWriter_AppendsOneLinePerRecord(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	w, err := Open(mem, "logs/detections.jsonl")
	require.NoError(t, err)

	require.NoError(t, w.Append(record{N: 1, Kind: "a"}))
	require.NoError(t, w.Append(record{N: 2, Kind: "b"}))
	require.NoError(t, w.Close())

	lines := strings.Split(strings.TrimSpace(string(mem.Contents("logs/detections.jsonl"))), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"n":1,"kind":"a"}`, lines[0])
	assert.Equal(t, int64(2), w.Records())

	assert.ErrorIs(t, w.Append(record{}), ErrClosed)
	assert.NoError(t, w.Close())
}

func TestWriter_WriteErrorSurfaces(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	w, err := Open(mem, "x.jsonl")
	require.NoError(t, err)

	boom := errors.New("disk full")
	mem.SetWriteError(boom)
	assert.ErrorIs(t, w.Append(record{N: 1}), boom)
	assert.Zero(t, w.Records())
}

func TestTail(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	mem.WriteFile("a.jsonl", []byte(
		`{"n":1}`+"\n"+
			`not json`+"\n"+
			"\n"+
			`{"n":2}`+"\n"+
			`{"n":3}`+"\n"+
			`{"n":4`, // torn final write
	))

	got, err := Tail[record](mem, "a.jsonl", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].N)
	assert.Equal(t, 3, got[1].N)

	all, err := Tail[record](mem, "a.jsonl", 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTail_MissingFile(t *testing.T) {
	got, err := Tail[record](fsutil.NewMemoryFileSystem(), "nope.jsonl", 10)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriterAndTail_OnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", CriticalAlertsFile)
	w, err := Open(fsutil.OSFileSystem{}, path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(record{N: i}))
	}
	require.NoError(t, w.Close())

	// Reopening appends rather than truncating.
	w, err = Open(fsutil.OSFileSystem{}, path)
	require.NoError(t, err)
	require.NoError(t, w.Append(record{N: 5}))
	require.NoError(t, w.Close())

	got, err := Tail[record](fsutil.OSFileSystem{}, path, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{got[0].N, got[1].N, got[2].N})
}
