package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"scenewarden/internal/diag"
	"scenewarden/internal/persistence/sessiondb"
	"scenewarden/internal/rules"
	"scenewarden/internal/rulesync"
	"scenewarden/internal/tuning"
)

// retrieval keeps the rules directory in sync with a remote rule host.
type retrieval struct {
	syncer *rulesync.Syncer
	ids    []string
	dir    string
	ext    string
	log    *logrus.Entry
}

// newRetrieval returns nil when retrieval is not configured. The syncer
// remembers its last applied list in the session db, so it needs one.
func newRetrieval(baseURL string, ids []string, t tuning.Tuning, db *sessiondb.DB, log *logrus.Entry) *retrieval {
	if baseURL == "" {
		return nil
	}
	if db == nil {
		log.Warn("rule retrieval needs the session db; skipping")
		return nil
	}
	s, err := rulesync.New(rulesync.Config{
		BaseURL: baseURL,
		Dir:     t.RulesDir,
		Ext:     t.RulesExt,
	}, db, log)
	if err != nil {
		log.WithError(err).Warn("rule retrieval disabled")
		return nil
	}
	return &retrieval{syncer: s, ids: ids, dir: t.RulesDir, ext: t.RulesExt, log: log}
}

// sync refreshes the local files and drops those no longer listed. Failures
// come back as diagnostics; the session starts with whatever is on disk.
func (r *retrieval) sync(ctx context.Context) []diag.Diagnostic {
	res, err := r.syncer.Sync(ctx, r.ids)
	if err != nil {
		r.log.WithError(err).Warn("rule sync")
		return []diag.Diagnostic{{Kind: diag.KindRetrieval, Message: err.Error()}}
	}
	if len(r.ids) > 0 {
		if _, err := r.syncer.Prune(r.ids); err != nil {
			r.log.WithError(err).Warn("prune rule files")
		}
	}
	r.log.WithFields(logrus.Fields{
		"fetched": len(res.Fetched),
		"fresh":   len(res.Fresh),
		"absent":  len(res.Absent),
		"failed":  len(res.Failures),
	}).Info("rules synced")
	return res.Diagnostics()
}

// reload is the debug API source provider: sync, then read the directory.
func (r *retrieval) reload(ctx context.Context) ([]rules.Source, error) {
	r.sync(ctx)
	return rules.ReadDir(r.dir, r.ext)
}
