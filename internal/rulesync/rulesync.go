// Package rulesync refreshes local rule files from a remote directory, one
// file per installed extension id.
package rulesync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"scenewarden/internal/diag"
	"scenewarden/internal/persistence/sessiondb"
)

// DefaultThreshold is how old a local file or the last full update must be
// before it is fetched again.
const DefaultThreshold = 168 * time.Hour

// DefaultMaxBytes caps a downloaded rule file.
const DefaultMaxBytes = 4 << 20

// Store persists what the last sync applied.
type Store interface {
	SourceList(ctx context.Context) (sessiondb.SourceList, error)
	SetSourceList(ctx context.Context, l sessiondb.SourceList) error
	RecordFetch(ctx context.Context, f sessiondb.Fetch) error
}

type Config struct {
	BaseURL   string
	Dir       string
	Ext       string
	Threshold time.Duration
	// NotFoundPage is a landing URL some hosts redirect missing files to;
	// a HEAD ending there counts as absent.
	NotFoundPage string
	// Skip lists id substrings never fetched (the loader's own ids).
	Skip []string
	// MaxBytes rejects larger downloads; the local file is left untouched.
	MaxBytes int64
}

type Syncer struct {
	cfg        Config
	store      Store
	httpClient *http.Client
	now        func() time.Time
	log        *logrus.Entry
}

func New(cfg Config, store Store, log *logrus.Entry) (*Syncer, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("empty base url")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url: %s", base)
	}
	cfg.BaseURL = strings.TrimRight(u.String(), "/")
	if cfg.Ext == "" {
		cfg.Ext = ".rules"
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Syncer{
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		log:        log,
	}, nil
}

// Result reports what one Sync did. Failures are non-fatal.
type Result struct {
	Fetched  []string `json:"fetched,omitempty"`
	Fresh    []string `json:"fresh,omitempty"`
	Absent   []string `json:"absent,omitempty"`
	Failures []error  `json:"-"`
	// UpdateTime is true when the full-refresh threshold had passed.
	UpdateTime bool `json:"update_time"`
}

func (r Result) Diagnostics() []diag.Diagnostic {
	out := make([]diag.Diagnostic, 0, len(r.Failures))
	for _, err := range r.Failures {
		d := diag.Diagnostic{Kind: diag.KindRetrieval, Message: err.Error()}
		if rf, ok := err.(*diag.RetrievalFailure); ok {
			d.Source = rf.Source
			d.Message = rf.Cause.Error()
		}
		out = append(out, d)
	}
	return out
}

func (s *Syncer) pathFor(id string) string { return filepath.Join(s.cfg.Dir, id+s.cfg.Ext) }
func (s *Syncer) urlFor(id string) string  { return s.cfg.BaseURL + "/" + url.PathEscape(id) + s.cfg.Ext }

// Sync brings the rule files for ids up to date. A file is fetched when it is
// missing or older than the threshold, unless the id was already in the last
// applied list and the last full update is still recent.
func (s *Syncer) Sync(ctx context.Context, ids []string) (Result, error) {
	var res Result
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return res, err
	}
	last, err := s.store.SourceList(ctx)
	if err != nil {
		return res, fmt.Errorf("load source list: %w", err)
	}
	now := s.now()
	res.UpdateTime = last.UpdatedAt.IsZero() || now.After(last.UpdatedAt.Add(s.cfg.Threshold))

	var applied []string
	for _, id := range ids {
		if id == "" || containsAny(id, s.cfg.Skip) {
			continue
		}
		applied = append(applied, id)

		if s.fresh(id, now) || (slices.Contains(last.IDs, id) && !res.UpdateTime) {
			res.Fresh = append(res.Fresh, id)
			continue
		}
		ok, err := s.exists(ctx, id)
		if err != nil {
			res.Failures = append(res.Failures, &diag.RetrievalFailure{Source: s.urlFor(id), Cause: err})
			continue
		}
		if !ok {
			res.Absent = append(res.Absent, id)
			continue
		}
		f, err := s.download(ctx, id)
		if err != nil {
			res.Failures = append(res.Failures, &diag.RetrievalFailure{Source: s.urlFor(id), Cause: err})
			continue
		}
		f.FetchedAt = now
		if err := s.store.RecordFetch(ctx, f); err != nil {
			s.log.WithError(err).WithField("id", id).Warn("record fetch failed")
		}
		res.Fetched = append(res.Fetched, id)
		s.log.WithFields(logrus.Fields{"id": id, "bytes": f.Bytes}).Info("rule file downloaded")
	}

	next := sessiondb.SourceList{IDs: applied, UpdatedAt: last.UpdatedAt}
	if res.UpdateTime {
		next.UpdatedAt = now
	}
	if err := s.store.SetSourceList(ctx, next); err != nil {
		return res, fmt.Errorf("save source list: %w", err)
	}
	for _, f := range res.Failures {
		s.log.WithError(f).Warn("rule retrieval failed")
	}
	return res, nil
}

// fresh reports whether the local file exists and is younger than the threshold.
func (s *Syncer) fresh(id string, now time.Time) bool {
	st, err := os.Stat(s.pathFor(id))
	if err != nil {
		return false
	}
	return st.ModTime().After(now.Add(-s.cfg.Threshold))
}

func (s *Syncer) exists(ctx context.Context, id string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.urlFor(id), nil)
	if err != nil {
		return false, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("head status=%d", resp.StatusCode)
	}
	if s.cfg.NotFoundPage != "" && resp.Request != nil && resp.Request.URL.String() == s.cfg.NotFoundPage {
		return false, nil
	}
	return true, nil
}

func (s *Syncer) download(ctx context.Context, id string) (sessiondb.Fetch, error) {
	f := sessiondb.Fetch{ID: id, Path: s.pathFor(id)}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.urlFor(id), nil)
	if err != nil {
		return f, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return f, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return f, fmt.Errorf("get status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	tmp, err := os.CreateTemp(s.cfg.Dir, "."+id+"-*")
	if err != nil {
		return f, err
	}
	n, err := io.Copy(tmp, io.LimitReader(resp.Body, s.cfg.MaxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.cfg.MaxBytes {
		err = fmt.Errorf("body exceeds %d bytes", s.cfg.MaxBytes)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return f, err
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		_ = os.Remove(tmp.Name())
		return f, err
	}
	f.Bytes = n
	f.LastModified = resp.Header.Get("Last-Modified")
	return f, nil
}

// Prune deletes local rule files whose id is not in ids and returns their names.
func (s *Syncer) Prune(ids []string) ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, s.cfg.Ext) {
			continue
		}
		if slices.Contains(ids, strings.TrimSuffix(name, s.cfg.Ext)) {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.Dir, name)); err != nil {
			return removed, err
		}
		removed = append(removed, name)
		s.log.WithField("file", name).Info("rule file removed, extension not installed")
	}
	return removed, nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
