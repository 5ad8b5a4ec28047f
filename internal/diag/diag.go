// Package diag holds the error taxonomy shared by the activation core:
// parse diagnostics, per-entity toggle faults, missing resources and rule
// retrieval failures. None of them is fatal to a scene session.
package diag

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindParse is a malformed rule line or hierarchy document entry.
	KindParse Kind = "parse"
	// KindUnresolved is a hierarchy path or rule target absent from the live scene.
	KindUnresolved Kind = "unresolved"
	// KindMissing is a child or anchor object absent at lookup time.
	KindMissing Kind = "missing"
	// KindRetrieval is a failed remote or file fetch of a rule source.
	KindRetrieval Kind = "retrieval"
)

// Diagnostic is a recorded, surfaced, never-fatal problem.
type Diagnostic struct {
	Kind    Kind   `json:"kind"`
	Source  string `json:"source,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	switch {
	case d.Source != "" && d.Line > 0:
		return fmt.Sprintf("%s:%d: %s", d.Source, d.Line, d.Message)
	case d.Source != "":
		return fmt.Sprintf("%s: %s", d.Source, d.Message)
	default:
		return d.Message
	}
}

// ErrResourceMissing marks a lookup that should skip the current operation.
var ErrResourceMissing = errors.New("resource missing")

// Missing wraps ErrResourceMissing with the object that was looked up.
func Missing(what string) error {
	return fmt.Errorf("%s: %w", what, ErrResourceMissing)
}

// ToggleFault is a failure while applying one entity's activation transition.
type ToggleFault struct {
	Entity string
	Want   bool
	Cause  error
}

func (f *ToggleFault) Error() string {
	return fmt.Sprintf("toggle %s -> active=%t: %v", f.Entity, f.Want, f.Cause)
}

func (f *ToggleFault) Unwrap() error { return f.Cause }

// Recovered turns a recovered panic value into an error.
func Recovered(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}

// RetrievalFailure is a network or file error fetching a rule source.
type RetrievalFailure struct {
	Source string
	Cause  error
}

func (f *RetrievalFailure) Error() string {
	return fmt.Sprintf("retrieve %s: %v", f.Source, f.Cause)
}

func (f *RetrievalFailure) Unwrap() error { return f.Cause }
