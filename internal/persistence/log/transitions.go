package log

import (
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"scenewarden/internal/activation"
	"scenewarden/internal/diag"
)

// TransitionEntry is one line of the transition audit log.
type TransitionEntry struct {
	Session string `json:"session"`
	At      string `json:"at"`
	activation.Event
}

// TransitionLogger writes every controller event to <dir>/transitions. It is
// an activation.Sink; write errors are logged, never returned to the loop.
type TransitionLogger struct {
	w       *JSONLZstdWriter
	session string
	log     *logrus.Entry
}

func NewTransitionLogger(dir, session string, log *logrus.Entry) *TransitionLogger {
	return &TransitionLogger{
		w:       NewJSONLZstdWriter(filepath.Join(dir, "transitions"), "transitions"),
		session: session,
		log:     log,
	}
}

func (l *TransitionLogger) Transition(e activation.Event) {
	entry := TransitionEntry{Session: l.session, At: l.w.now().UTC().Format(time.RFC3339Nano), Event: e}
	if err := l.w.Write(entry); err != nil {
		l.log.WithError(err).Warn("transition log write failed")
	}
}

func (l *TransitionLogger) OnClose(fn func(path string)) { l.w.OnClose(fn) }
func (l *TransitionLogger) Close() error                 { return l.w.Close() }

// DiagnosticEntry is one line of the diagnostics log.
type DiagnosticEntry struct {
	Session string `json:"session"`
	At      string `json:"at"`
	diag.Diagnostic
}

// DiagnosticLogger writes diagnostics to <dir>/diagnostics.
type DiagnosticLogger struct {
	w       *JSONLZstdWriter
	session string
}

func NewDiagnosticLogger(dir, session string) *DiagnosticLogger {
	return &DiagnosticLogger{
		w:       NewJSONLZstdWriter(filepath.Join(dir, "diagnostics"), "diagnostics"),
		session: session,
	}
}

func (l *DiagnosticLogger) WriteDiagnostic(d diag.Diagnostic) error {
	return l.w.Write(DiagnosticEntry{Session: l.session, At: l.w.now().UTC().Format(time.RFC3339Nano), Diagnostic: d})
}

func (l *DiagnosticLogger) OnClose(fn func(path string)) { l.w.OnClose(fn) }
func (l *DiagnosticLogger) Close() error                 { return l.w.Close() }
