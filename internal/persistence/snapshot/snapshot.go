// Package snapshot writes and reads scene-session state dumps: a JSON header
// line followed by a gob body, zstd-compressed.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Tick      uint64 `json:"tick"`
	CreatedAt string `json:"created_at"`
}

type DumpV1 struct {
	Header Header `json:"header"`

	TickRateHz         int        `json:"tick_rate_hz"`
	DistanceMultiplier float64    `json:"distance_multiplier"`
	Observer           [3]float64 `json:"observer"`
	Debug              bool       `json:"debug,omitempty"`

	Entities    []EntityV1     `json:"entities"`
	Rules       []RuleV1       `json:"rules"`
	Sources     []string       `json:"sources"`
	Diagnostics []DiagnosticV1 `json:"diagnostics,omitempty"`
	Hidden      []string       `json:"hidden,omitempty"`
	Pending     []string       `json:"pending,omitempty"`

	Stats StatsV1 `json:"stats"`
}

type EntityV1 struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	Strategy    string     `json:"strategy"`
	Active      bool       `json:"active"`
	Inert       bool       `json:"inert,omitempty"`
	Reasons     string     `json:"reasons"`
	Distance    float64    `json:"distance"`
	Position    [3]float64 `json:"position"`
	Transitions int        `json:"transitions"`
	Faults      int        `json:"faults,omitempty"`
	LastFault   string     `json:"last_fault,omitempty"`
	LastAction  string     `json:"last_action,omitempty"`
	Children    int        `json:"children,omitempty"`
	Held        int        `json:"held,omitempty"`
}

type RuleV1 struct {
	Flag   string `json:"flag"`
	Target string `json:"target"`
	Place  string `json:"place,omitempty"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

type DiagnosticV1 struct {
	Kind    string `json:"kind"`
	Source  string `json:"source,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

type StatsV1 struct {
	Ticks       uint64 `json:"ticks"`
	Transitions uint64 `json:"transitions"`
	Skips       uint64 `json:"skips"`
	Faults      uint64 `json:"faults"`
	Coalesced   uint64 `json:"coalesced"`
	Missing     uint64 `json:"missing"`
}

func WriteDump(path string, d DumpV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	if d.Header.Version == 0 {
		d.Header.Version = Version
	}
	hb, err := json.Marshal(d.Header)
	if err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&d); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	err := withReader(path, func(br *bufio.Reader) error {
		line, err := br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return err
		}
		return json.Unmarshal(line, &h)
	})
	return h, err
}

func ReadDump(path string) (DumpV1, error) {
	var d DumpV1
	err := withReader(path, func(br *bufio.Reader) error {
		if _, err := br.ReadBytes('\n'); err != nil {
			return fmt.Errorf("header: %w", err)
		}
		if err := gob.NewDecoder(br).Decode(&d); err != nil {
			return fmt.Errorf("gob decode: %w", err)
		}
		return nil
	})
	if err != nil {
		return d, err
	}
	if d.Header.Version != Version {
		return d, fmt.Errorf("dump version %d not supported", d.Header.Version)
	}
	return d, nil
}

func withReader(path string, fn func(*bufio.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	return fn(bufio.NewReaderSize(dec, 64*1024))
}
