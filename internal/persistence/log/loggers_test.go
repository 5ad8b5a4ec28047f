package log

import (
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenewarden/internal/activation"
	"scenewarden/internal/diag"
)

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "x")
	at := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return at }

	require.NoError(t, w.Write(map[string]int{"n": 1}))
	require.NoError(t, w.Write(map[string]int{"n": 2}))
	at = at.Add(2 * time.Minute)
	require.NoError(t, w.Write(map[string]int{"n": 3}))
	require.NoError(t, w.Close())

	files, err := Files(dir, "x")
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "x-2026-03-01-10.jsonl.zst"),
		filepath.Join(dir, "x-2026-03-01-11.jsonl.zst"),
	}, files)

	var got []int
	for _, f := range files {
		require.NoError(t, ReadLines(f, func(line []byte) error {
			var m map[string]int
			if err := json.Unmarshal(line, &m); err != nil {
				return err
			}
			got = append(got, m["n"])
			return nil
		}))
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestTransitionLoggerIsSink(t *testing.T) {
	dir := t.TempDir()
	l := logrus.New()
	l.SetOutput(io.Discard)
	tl := NewTransitionLogger(dir, "s-1", logrus.NewEntry(l))

	var sink activation.Sink = tl
	sink.Transition(activation.Event{Tick: 7, ID: "SATSUMA", Kind: "vehicle", Active: false, Via: "default", Reason: "distance"})
	require.NoError(t, tl.Close())

	files, err := Files(filepath.Join(dir, "transitions"), "transitions")
	require.NoError(t, err)
	require.Len(t, files, 1)
	var e TransitionEntry
	require.NoError(t, ReadLines(files[0], func(line []byte) error { return json.Unmarshal(line, &e) }))
	assert.Equal(t, "s-1", e.Session)
	assert.Equal(t, uint64(7), e.Tick)
	assert.Equal(t, "SATSUMA", e.ID)
	assert.NotEmpty(t, e.At)
}

func TestDiagnosticLogger(t *testing.T) {
	dir := t.TempDir()
	dl := NewDiagnosticLogger(dir, "s-2")
	require.NoError(t, dl.WriteDiagnostic(diag.Diagnostic{Kind: diag.KindParse, Source: "a.rules", Line: 3, Message: "unknown flag"}))
	require.NoError(t, dl.Close())

	files, err := Files(filepath.Join(dir, "diagnostics"), "diagnostics")
	require.NoError(t, err)
	require.Len(t, files, 1)
	var e DiagnosticEntry
	require.NoError(t, ReadLines(files[0], func(line []byte) error { return json.Unmarshal(line, &e) }))
	assert.Equal(t, diag.KindParse, e.Kind)
	assert.Equal(t, 3, e.Line)
}
