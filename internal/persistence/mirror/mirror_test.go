package mirror

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeUploader struct {
	mu    sync.Mutex
	fails int
	keys  []string
	calls int
	block chan struct{}
}

func (f *fakeUploader) PutFile(_ context.Context, key, _ string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("boom")
	}
	f.keys = append(f.keys, key)
	return nil
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func touch(t *testing.T, p string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestUploadsUnderPrefixWithRetry(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{fails: 2}
	m := New(up, Options{DataDir: dir, Prefix: "/warden/", Backoff: time.Millisecond}, quietLog())

	m.Enqueue(touch(t, filepath.Join(dir, "sessions", "s-1", "dumps", "final.dump.zst")))
	m.Close()

	if len(up.keys) != 1 || up.keys[0] != "warden/sessions/s-1/dumps/final.dump.zst" {
		t.Fatalf("keys=%v", up.keys)
	}
	st := m.Stats()
	if up.calls != 3 || st.UploadSuccessTotal != 1 || st.UploadFailTotal != 0 {
		t.Fatalf("calls=%d stats=%+v", up.calls, st)
	}
}

func TestGivesUpAfterAttempts(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{fails: 10}
	m := New(up, Options{DataDir: dir, Attempts: 2, Backoff: time.Millisecond}, quietLog())
	m.Enqueue(touch(t, filepath.Join(dir, "a.jsonl.zst")))
	m.Close()

	st := m.Stats()
	if up.calls != 2 || st.UploadFailTotal != 1 || st.LastErrorUnix == 0 {
		t.Fatalf("calls=%d stats=%+v", up.calls, st)
	}
}

func TestSkipsFilesOutsideDataDir(t *testing.T) {
	up := &fakeUploader{}
	m := New(up, Options{DataDir: t.TempDir()}, quietLog())
	m.Enqueue(touch(t, filepath.Join(t.TempDir(), "elsewhere.zst")))
	m.Enqueue(filepath.Join(t.TempDir(), "missing.zst"))
	m.Close()
	if up.calls != 0 {
		t.Fatalf("calls=%d", up.calls)
	}
}

func TestDropsWhenSaturated(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{block: make(chan struct{})}
	m := New(up, Options{DataDir: dir, Queue: 1, EnqueueWait: time.Millisecond}, quietLog())
	p := touch(t, filepath.Join(dir, "f.zst"))

	// One job held by the worker, one queued, the rest dropped.
	for i := 0; i < 4; i++ {
		m.Enqueue(p)
	}
	close(up.block)
	m.Close()

	st := m.Stats()
	if st.EnqueuedTotal != 4 || st.DroppedTotal == 0 || st.DroppedTotal+st.UploadSuccessTotal != 4 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestNilMirrorIsNoop(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	m.Close()
	if m.Stats() != (Stats{}) {
		t.Fatalf("stats on nil mirror")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Endpoint: "s3.local"}).Validate(); err == nil {
		t.Fatalf("incomplete config accepted")
	}
	if _, err := NewMinio(Config{Endpoint: "https://s3.local:9000", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s", UseSSL: true}); err != nil {
		t.Fatalf("NewMinio: %v", err)
	}
}
