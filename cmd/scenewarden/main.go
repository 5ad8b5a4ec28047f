package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"scenewarden/internal/debugapi"
	"scenewarden/internal/diag"
	"scenewarden/internal/logger"
	persistlog "scenewarden/internal/persistence/log"
	"scenewarden/internal/persistence/mirror"
	"scenewarden/internal/persistence/sessiondb"
	"scenewarden/internal/scene"
	"scenewarden/internal/scene/memscene"
	"scenewarden/internal/session"
	"scenewarden/internal/transport/observer"
	"scenewarden/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "debug http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		scenePath  = flag.String("scene", "", "scene fixture (default: <configs>/scene.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		sessionID  = flag.String("session", "", "session id (default: random uuid)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite session database")
		debug      = flag.Bool("debug", false, "start with debug visualization on")
		dumpOnExit = flag.Bool("dump_on_exit", true, "write a state dump when the session closes")

		rulesURL = flag.String("rules_url", "", "base url to fetch rule files from (empty disables retrieval)")
		rulesIDs = flag.String("rules_ids", "", "comma separated rule file ids to keep in sync")

		logLevel  = flag.String("log_level", "", "log level (default: LOG_LEVEL or info)")
		logFormat = flag.String("log_format", "", "log format json|text (default: LOG_FORMAT or text)")
	)
	flag.Parse()

	base := logger.New(logger.Options{Level: *logLevel, Format: *logFormat})
	log := base.WithField("component", "server")

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Fatal("load tuning")
		}
		log.WithField("path", tp).Warn("tuning not found; using defaults")
		tune = tuning.Defaults()
		if err := tuning.ApplyEnv(&tune); err != nil {
			log.WithError(err).Fatal("tuning env")
		}
	}
	tune.RulesDir = resolve(*configDir, tune.RulesDir)
	tune.Exceptions = resolve(*configDir, tune.Exceptions)
	tune.Occlusion.Table = resolve(*configDir, tune.Occlusion.Table)

	sp := strings.TrimSpace(*scenePath)
	if sp == "" {
		sp = filepath.Join(*configDir, "scene.yaml")
	}
	host, fixture, err := memscene.Load(sp)
	if err != nil {
		log.WithError(err).Fatal("load scene")
	}

	id := strings.TrimSpace(*sessionID)
	if id == "" {
		id = uuid.NewString()
	}
	sessDir := filepath.Join(*dataDir, "sessions", id)
	_ = os.MkdirAll(sessDir, 0o755)

	ctx, cancel := signalContext()
	defer cancel()

	var db *sessiondb.DB
	if !*disableDB {
		db, err = sessiondb.Open(filepath.Join(*dataDir, "scenewarden.sqlite"))
		if err != nil {
			log.WithError(err).Fatal("open session db")
		}
		defer db.Close()
		if err := db.StartSession(ctx, id); err != nil {
			log.WithError(err).Warn("record session start")
		}
	}

	mir := buildMirror(*dataDir, base.WithField("component", "mirror"))
	defer mir.Close()

	retr := newRetrieval(*rulesURL, splitIDs(*rulesIDs), tune, db, base.WithField("component", "rulesync"))
	var syncDiags []diag.Diagnostic
	if retr != nil {
		syncDiags = retr.sync(ctx)
	}

	sess, err := session.New(session.Options{
		ID:     id,
		Tuning: tune,
		Host:   host,
		World:  host,
		Log:    base.WithField("component", "session"),
	})
	if err != nil {
		log.WithError(err).Fatal("session")
	}

	transitions := persistlog.NewTransitionLogger(sessDir, id, base.WithField("component", "audit"))
	defer transitions.Close()
	diagLog := persistlog.NewDiagnosticLogger(sessDir, id)
	defer diagLog.Close()
	transitions.OnClose(mir.Enqueue)
	diagLog.OnClose(mir.Enqueue)
	sess.AddSink(transitions)
	sess.OnDiagnostic(func(d diag.Diagnostic) {
		if err := diagLog.WriteDiagnostic(d); err != nil {
			log.WithError(err).Debug("diagnostic log write")
		}
	})
	if db != nil {
		sess.AddSink(db.Sink(id))
		sess.OnDiagnostic(func(d diag.Diagnostic) { db.RecordDiagnostic(id, d) })
	}

	walker := memscene.NewPath(fixture.Observer)
	sess.SetViewpoint(scene.Viewpoint{Position: walker.Step(), Forward: scene.Vec3{Z: 1}})
	sess.OnTick(func(uint64) {
		prev := sess.Viewpoint()
		next := walker.Step()
		fwd := prev.Forward
		if d := next.Sub(prev.Position); d.LenSq() > 1e-9 {
			fwd = d.Normalized()
		}
		sess.SetViewpoint(scene.Viewpoint{Position: next, Forward: fwd})
	})

	stream := observer.NewServer(sess, tune.StreamEveryTicks, base.WithField("component", "stream"))

	sess.Start()
	sess.AddDiagnostics(syncDiags...)
	sess.SetDebug(*debug)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	router.HandleFunc("/metrics", metricsHandler(sess, stream, db, mir))

	apiOpts := debugapi.Options{DumpDir: filepath.Join(sessDir, "dumps"), OnDump: mir.Enqueue}
	if db != nil {
		apiOpts.History = db
	}
	if retr != nil {
		apiOpts.Sources = retr.reload
	}
	debugapi.New(sess, apiOpts, base.WithField("component", "debugapi")).Register(router)
	router.HandleFunc(debugapi.Prefix+"/stream/bootstrap", stream.BootstrapHandler())
	router.HandleFunc(debugapi.Prefix+"/stream/ws", stream.WSHandler())

	if envBool("SCENEWARDEN_ENABLE_PPROF_HTTP", false) {
		router.HandleFunc("/debug/pprof/", pprof.Index)
		router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.WithField("addr", *addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped")
			cancel()
		}
	}()

	log.WithFields(logrus.Fields{
		"session":  id,
		"tick_hz":  tune.TickRateHz,
		"entities": sess.Registry().Len(),
	}).Info("session running")
	if err := sess.Run(ctx); err != nil {
		log.WithError(err).Error("session loop stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)

	if *dumpOnExit {
		path := filepath.Join(sessDir, "dumps", "final.dump.zst")
		if err := sess.Dump(path); err != nil {
			log.WithError(err).Warn("final dump")
		} else {
			mir.Enqueue(path)
		}
	}
	if err := sess.Close(); err != nil {
		log.WithError(err).Warn("release on close")
	}
	if db != nil {
		_ = db.Sync(shutdownCtx)
		if err := db.EndSession(shutdownCtx, id); err != nil {
			log.WithError(err).Warn("record session end")
		}
	}
	log.Info("bye")
}

// buildMirror returns nil unless SCENEWARDEN_MIRROR is set; a nil mirror
// ignores every call.
func buildMirror(dataDir string, log *logrus.Entry) *mirror.Mirror {
	var cfg mirror.Config
	if err := env.Parse(&cfg); err != nil {
		log.WithError(err).Fatal("mirror env")
	}
	if !cfg.Enabled {
		return nil
	}
	up, err := mirror.NewMinio(cfg)
	if err != nil {
		log.WithError(err).Fatal("init mirror")
	}
	log.WithFields(logrus.Fields{"endpoint": cfg.Endpoint, "bucket": cfg.Bucket}).Info("mirroring session artifacts")
	return mirror.New(up, mirror.Options{DataDir: dataDir, Prefix: cfg.Prefix, Workers: cfg.Workers}, log)
}

// resolve makes a config-relative path absolute against dir; empty stays empty.
func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func splitIDs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
