// Package debugapi is the loopback HTTP surface used by wardenctl: read-only
// rule and entity snapshots, reload, debug visualization and state dumps.
package debugapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"scenewarden/internal/activation"
	"scenewarden/internal/diag"
	"scenewarden/internal/occlusion"
	"scenewarden/internal/persistence/sessiondb"
	"scenewarden/internal/registry"
	"scenewarden/internal/rules"
	"scenewarden/internal/session"
)

const Prefix = "/debug/v1"

// History answers per-entity transition history.
type History interface {
	Transitions(ctx context.Context, entity string, limit int) ([]sessiondb.TransitionRow, error)
}

type Options struct {
	// DumpDir receives dumps requested without an explicit path.
	DumpDir string
	// Sources, when set, produces the rule sources for a reload; it runs off
	// the session loop so it may block on the network. Nil re-reads the
	// configured rules directory.
	Sources func(ctx context.Context) ([]rules.Source, error)
	History History
	// OnDump receives the path of every dump written through the API.
	OnDump func(path string)
	// AllowRemote disables the loopback check.
	AllowRemote bool
}

type API struct {
	sess *session.Session
	opts Options
	log  *logrus.Entry
}

func New(sess *session.Session, opts Options, log *logrus.Entry) *API {
	if opts.DumpDir == "" {
		opts.DumpDir = "dumps"
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &API{sess: sess, opts: opts, log: log}
}

// Register mounts the routes on r under Prefix.
func (a *API) Register(r *mux.Router) {
	sr := r.PathPrefix(Prefix).Subrouter()
	if !a.opts.AllowRemote {
		sr.Use(loopbackOnly)
	}
	sr.HandleFunc("/rules", a.getRules).Methods(http.MethodGet)
	sr.HandleFunc("/entities", a.getEntities).Methods(http.MethodGet)
	sr.HandleFunc("/entities/{id:.+}", a.getEntity).Methods(http.MethodGet)
	sr.HandleFunc("/diagnostics", a.getDiagnostics).Methods(http.MethodGet)
	sr.HandleFunc("/occlusion", a.getOcclusion).Methods(http.MethodGet)
	sr.HandleFunc("/stats", a.getStats).Methods(http.MethodGet)
	sr.HandleFunc("/reload", a.postReload).Methods(http.MethodPost)
	sr.HandleFunc("/debug", a.postDebug).Methods(http.MethodPost)
	sr.HandleFunc("/multiplier", a.postMultiplier).Methods(http.MethodPost)
	sr.HandleFunc("/dump", a.postDump).Methods(http.MethodPost)
}

func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	a.Register(r)
	return r
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		ip := net.ParseIP(strings.Trim(host, "[]"))
		if ip == nil || !ip.IsLoopback() {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	enc := json.NewEncoder(rw)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeErr(rw http.ResponseWriter, code int, err error) {
	writeJSON(rw, code, errorResponse{Error: err.Error()})
}

// onLoop runs fn on the session loop and maps loop failures to 503.
func (a *API) onLoop(rw http.ResponseWriter, r *http.Request, fn func()) bool {
	if err := a.sess.Do(r.Context(), fn); err != nil {
		writeErr(rw, http.StatusServiceUnavailable, err)
		return false
	}
	return true
}

func (a *API) getRules(rw http.ResponseWriter, r *http.Request) {
	var sum rules.Summary
	if a.onLoop(rw, r, func() { sum = a.sess.RuleSummary() }) {
		writeJSON(rw, http.StatusOK, sum)
	}
}

func (a *API) getEntities(rw http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	var views []registry.View
	ok := a.onLoop(rw, r, func() {
		for _, v := range a.sess.Entities() {
			if kind == "" || v.Kind == kind {
				views = append(views, v)
			}
		}
	})
	if ok {
		writeJSON(rw, http.StatusOK, views)
	}
}

type EntityResponse struct {
	Entity  registry.View             `json:"entity"`
	History []sessiondb.TransitionRow `json:"history,omitempty"`
}

func (a *API) getEntity(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var (
		view  registry.View
		found bool
	)
	if !a.onLoop(rw, r, func() {
		if rec, ok := a.sess.Registry().Get(id); ok {
			view, found = rec.View(), true
		}
	}) {
		return
	}
	if !found {
		writeErr(rw, http.StatusNotFound, fmt.Errorf("entity %q not registered", id))
		return
	}
	resp := EntityResponse{Entity: view}
	if a.opts.History != nil {
		rows, err := a.opts.History.Transitions(r.Context(), id, 20)
		if err != nil {
			a.log.WithField("id", id).WithError(err).Warn("history lookup failed")
		}
		resp.History = rows
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (a *API) getDiagnostics(rw http.ResponseWriter, r *http.Request) {
	var ds []diag.Diagnostic
	if a.onLoop(rw, r, func() { ds = a.sess.Diagnostics() }) {
		writeJSON(rw, http.StatusOK, ds)
	}
}

func (a *API) getOcclusion(rw http.ResponseWriter, r *http.Request) {
	occ := a.sess.Occlusion()
	if occ == nil {
		writeJSON(rw, http.StatusOK, []occlusion.MonitorView{})
		return
	}
	writeJSON(rw, http.StatusOK, occ.Views())
}

type StatsResponse struct {
	Session    string           `json:"session"`
	Tick       uint64           `json:"tick"`
	Multiplier float64          `json:"multiplier"`
	Debug      bool             `json:"debug"`
	Counts     map[string]int   `json:"counts"`
	Pending    []string         `json:"pending,omitempty"`
	Stats      activation.Stats `json:"stats"`
}

func (a *API) getStats(rw http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Session: a.sess.ID, Debug: a.sess.Debug()}
	ok := a.onLoop(rw, r, func() {
		ctl := a.sess.Controller()
		resp.Tick = ctl.CurrentTick()
		resp.Multiplier = ctl.Multiplier()
		resp.Counts = a.sess.Registry().Counts()
		resp.Pending = a.sess.Scheduler().Slots()
		resp.Stats = ctl.Stats()
	})
	if ok {
		writeJSON(rw, http.StatusOK, resp)
	}
}

type ReloadResponse struct {
	Entities    int               `json:"entities"`
	Rules       int               `json:"rules"`
	Sources     []string          `json:"sources"`
	Diagnostics []diag.Diagnostic `json:"diagnostics,omitempty"`
	Faults      string            `json:"faults,omitempty"`
}

func (a *API) postReload(rw http.ResponseWriter, r *http.Request) {
	var srcs []rules.Source
	if a.opts.Sources != nil {
		var err error
		if srcs, err = a.opts.Sources(r.Context()); err != nil {
			writeErr(rw, http.StatusBadGateway, err)
			return
		}
	}
	var (
		resp ReloadResponse
		rerr error
	)
	ok := a.onLoop(rw, r, func() {
		if a.opts.Sources != nil {
			rerr = a.sess.Reload(srcs...)
		} else {
			rerr = a.sess.ReloadDir()
		}
		resp.Entities = a.sess.Registry().Len()
		resp.Rules = len(a.sess.Rules().Rules())
		resp.Sources = a.sess.Rules().Sources()
		resp.Diagnostics = a.sess.Diagnostics()
	})
	if !ok {
		return
	}
	if rerr != nil {
		resp.Faults = rerr.Error()
	}
	writeJSON(rw, http.StatusOK, resp)
}

type DebugRequest struct {
	On *bool `json:"on"`
}

type DebugResponse struct {
	Debug bool `json:"debug"`
}

// postDebug sets the flag from {"on": bool}; an empty body toggles it.
func (a *API) postDebug(rw http.ResponseWriter, r *http.Request) {
	var req DebugRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(rw, http.StatusBadRequest, fmt.Errorf("decode: %w", err))
			return
		}
	}
	on := !a.sess.Debug()
	if req.On != nil {
		on = *req.On
	}
	a.sess.SetDebug(on)
	writeJSON(rw, http.StatusOK, DebugResponse{Debug: on})
}

type MultiplierRequest struct {
	Value float64 `json:"value"`
}

func (a *API) postMultiplier(rw http.ResponseWriter, r *http.Request) {
	var req MultiplierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(rw, http.StatusBadRequest, fmt.Errorf("decode: %w", err))
		return
	}
	var got float64
	if a.onLoop(rw, r, func() {
		a.sess.SetMultiplier(req.Value)
		got = a.sess.Controller().Multiplier()
	}) {
		writeJSON(rw, http.StatusOK, MultiplierRequest{Value: got})
	}
}

type DumpRequest struct {
	Path string `json:"path,omitempty"`
}

type DumpResponse struct {
	Path     string `json:"path"`
	Tick     uint64 `json:"tick"`
	Entities int    `json:"entities"`
}

func (a *API) postDump(rw http.ResponseWriter, r *http.Request) {
	var req DumpRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(rw, http.StatusBadRequest, fmt.Errorf("decode: %w", err))
			return
		}
	}
	var (
		resp DumpResponse
		derr error
	)
	ok := a.onLoop(rw, r, func() {
		resp.Tick = a.sess.Controller().CurrentTick()
		resp.Entities = a.sess.Registry().Len()
		resp.Path = req.Path
		if resp.Path == "" {
			name := a.sess.ID + "-" + strconv.FormatUint(resp.Tick, 10) + "-" + time.Now().UTC().Format("20060102T150405") + ".dump.zst"
			resp.Path = filepath.Join(a.opts.DumpDir, name)
		}
		derr = a.sess.Dump(resp.Path)
	})
	if !ok {
		return
	}
	if derr != nil {
		writeErr(rw, http.StatusInternalServerError, derr)
		return
	}
	if a.opts.OnDump != nil {
		a.opts.OnDump(resp.Path)
	}
	writeJSON(rw, http.StatusOK, resp)
}
