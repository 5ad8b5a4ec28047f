package rulesync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenewarden/internal/diag"
	"scenewarden/internal/persistence/sessiondb"
)

type remote struct {
	mu    sync.Mutex
	files map[string]string
	heads []string
	gets  []string
	fail  map[string]int
}

func (r *remote) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.TrimPrefix(req.URL.Path, "/rules/")
	if req.Method == http.MethodHead {
		r.heads = append(r.heads, name)
	} else {
		r.gets = append(r.gets, name)
	}
	if code, ok := r.fail[name]; ok {
		w.WriteHeader(code)
		return
	}
	body, ok := r.files[name]
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Last-Modified", "Mon, 02 Feb 2026 10:00:00 GMT")
	if req.Method == http.MethodGet {
		_, _ = io.WriteString(w, body)
	}
}

func (r *remote) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.heads), len(r.gets)
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func setup(t *testing.T, rm *remote) (*Syncer, *sessiondb.DB, string) {
	t.Helper()
	srv := httptest.NewServer(rm)
	t.Cleanup(srv.Close)
	db, err := sessiondb.Open(filepath.Join(t.TempDir(), "s.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	dir := filepath.Join(t.TempDir(), "rules")
	s, err := New(Config{BaseURL: srv.URL + "/rules/", Dir: dir, Skip: []string{"scenewarden"}}, db, quietLog())
	require.NoError(t, err)
	return s, db, dir
}

func TestFirstSyncFetchesPresentFiles(t *testing.T) {
	rm := &remote{files: map[string]string{"cdrfix.rules": "ignore: CD_PLAYER\n"}}
	s, db, dir := setup(t, rm)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	res, err := s.Sync(context.Background(), []string{"cdrfix", "nomods", "scenewarden_core"})
	require.NoError(t, err)
	assert.True(t, res.UpdateTime)
	assert.Equal(t, []string{"cdrfix"}, res.Fetched)
	assert.Equal(t, []string{"nomods"}, res.Absent)
	assert.Empty(t, res.Failures)

	b, err := os.ReadFile(filepath.Join(dir, "cdrfix.rules"))
	require.NoError(t, err)
	assert.Equal(t, "ignore: CD_PLAYER\n", string(b))

	list, err := db.SourceList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cdrfix", "nomods"}, list.IDs, "skipped ids are not recorded")
	assert.True(t, list.UpdatedAt.Equal(now))

	fs, err := db.Fetches(context.Background())
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, int64(len("ignore: CD_PLAYER\n")), fs[0].Bytes)
	assert.NotEmpty(t, fs[0].LastModified)
}

func TestSecondSyncWithinThresholdSkips(t *testing.T) {
	rm := &remote{files: map[string]string{"cdrfix.rules": "ignore: A\n"}}
	s, _, _ := setup(t, rm)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.Sync(context.Background(), []string{"cdrfix", "absent"})
	require.NoError(t, err)
	heads, gets := rm.counts()
	require.Equal(t, 2, heads)
	require.Equal(t, 1, gets)

	now = now.Add(24 * time.Hour)
	res, err := s.Sync(context.Background(), []string{"cdrfix", "absent"})
	require.NoError(t, err)
	assert.False(t, res.UpdateTime)
	assert.ElementsMatch(t, []string{"cdrfix", "absent"}, res.Fresh)
	heads, gets = rm.counts()
	assert.Equal(t, 2, heads, "no new requests")
	assert.Equal(t, 1, gets)
}

func TestNewIDIsCheckedWithinThreshold(t *testing.T) {
	rm := &remote{files: map[string]string{"a.rules": "toggle: X\n", "b.rules": "toggle: Y\n"}}
	s, _, _ := setup(t, rm)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.Sync(context.Background(), []string{"a"})
	require.NoError(t, err)
	now = now.Add(time.Hour)
	res, err := s.Sync(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Fetched)
	assert.Equal(t, []string{"a"}, res.Fresh)
}

func TestStaleFileRefetchedAfterThreshold(t *testing.T) {
	rm := &remote{files: map[string]string{"a.rules": "toggle: X\n"}}
	s, _, dir := setup(t, rm)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.Sync(context.Background(), []string{"a"})
	require.NoError(t, err)
	old := now.Add(-200 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.rules"), old, old))

	now = now.Add(DefaultThreshold + time.Hour)
	rm.mu.Lock()
	rm.files["a.rules"] = "toggle: Z\n"
	rm.mu.Unlock()
	res, err := s.Sync(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.True(t, res.UpdateTime)
	assert.Equal(t, []string{"a"}, res.Fetched)
	b, _ := os.ReadFile(filepath.Join(dir, "a.rules"))
	assert.Equal(t, "toggle: Z\n", string(b))
}

func TestServerErrorIsRetrievalFailure(t *testing.T) {
	rm := &remote{files: map[string]string{"ok.rules": "ignore: A\n"}, fail: map[string]int{"broken.rules": http.StatusInternalServerError}}
	s, _, _ := setup(t, rm)

	res, err := s.Sync(context.Background(), []string{"broken", "ok"})
	require.NoError(t, err, "retrieval failures never abort the sync")
	assert.Equal(t, []string{"ok"}, res.Fetched)
	require.Len(t, res.Failures, 1)
	var rf *diag.RetrievalFailure
	require.True(t, errors.As(res.Failures[0], &rf))
	assert.Contains(t, rf.Source, "broken.rules")

	ds := res.Diagnostics()
	require.Len(t, ds, 1)
	assert.Equal(t, diag.KindRetrieval, ds[0].Kind)
}

func TestOversizedFileIsRetrievalFailure(t *testing.T) {
	rm := &remote{files: map[string]string{"big.rules": strings.Repeat("ignore: A\n", 8)}}
	s, _, dir := setup(t, rm)
	s.cfg.MaxBytes = 16
	prev := filepath.Join(dir, "big.rules")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(prev, []byte("toggle: OLD\n"), 0o644))
	old := time.Now().Add(-2 * DefaultThreshold)
	require.NoError(t, os.Chtimes(prev, old, old))

	res, err := s.Sync(context.Background(), []string{"big"})
	require.NoError(t, err)
	assert.Empty(t, res.Fetched)
	require.Len(t, res.Failures, 1)
	var rf *diag.RetrievalFailure
	require.True(t, errors.As(res.Failures[0], &rf))
	assert.Contains(t, rf.Cause.Error(), "exceeds 16 bytes")

	b, err := os.ReadFile(prev)
	require.NoError(t, err)
	assert.Equal(t, "toggle: OLD\n", string(b), "truncated body must not replace the local file")
	entries, _ := os.ReadDir(dir)
	assert.Len(t, entries, 1, "temp file removed")
}

func TestPrune(t *testing.T) {
	s, _, dir := setup(t, &remote{})
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, n := range []string{"keep.rules", "gone.rules", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
	removed, err := s.Prune([]string{"keep"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gone.rules"}, removed)
	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New(Config{BaseURL: ""}, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "not a url"}, nil, nil)
	assert.Error(t, err)
}
