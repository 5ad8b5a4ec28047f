package diag

import (
	"errors"
	"io"
	"testing"
)

func TestDiagnosticString(t *testing.T) {
	cases := []struct {
		d    Diagnostic
		want string
	}{
		{Diagnostic{Source: "a.rules", Line: 3, Message: "bad"}, "a.rules:3: bad"},
		{Diagnostic{Source: "occlusion", Message: "missing"}, "occlusion: missing"},
		{Diagnostic{Message: "plain"}, "plain"},
	}
	for _, c := range cases {
		if got := c.d.String(); got != c.want {
			t.Fatalf("String()=%q want %q", got, c.want)
		}
	}
}

func TestErrorsUnwrap(t *testing.T) {
	if !errors.Is(Missing("YARD/Doors"), ErrResourceMissing) {
		t.Fatalf("Missing must wrap ErrResourceMissing")
	}
	var f error = &ToggleFault{Entity: "crate", Want: false, Cause: io.EOF}
	if !errors.Is(f, io.EOF) {
		t.Fatalf("ToggleFault must unwrap its cause")
	}
	var tf *ToggleFault
	if !errors.As(f, &tf) || tf.Entity != "crate" {
		t.Fatalf("errors.As failed: %v", f)
	}
	r := &RetrievalFailure{Source: "x", Cause: io.ErrUnexpectedEOF}
	if !errors.Is(r, io.ErrUnexpectedEOF) {
		t.Fatalf("RetrievalFailure must unwrap")
	}
	if got := Recovered("boom").Error(); got != "panic: boom" {
		t.Fatalf("Recovered=%q", got)
	}
}
