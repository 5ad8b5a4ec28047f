package rules

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"scenewarden/internal/diag"
)

// Source is one named rule file's content. Fetching it is the caller's job.
type Source struct {
	Name  string
	Lines []string
}

// Store accumulates rules from every loaded source. It belongs to one scene
// session and is not safe for concurrent mutation.
type Store struct {
	rules   []Rule
	diags   []diag.Diagnostic
	sources []string
}

func NewStore(srcs ...Source) *Store {
	s := &Store{}
	s.Load(srcs...)
	return s
}

// Load appends rules from srcs. Duplicates are kept; lookups scan everything.
func (s *Store) Load(srcs ...Source) {
	for _, src := range srcs {
		rs, ds := Parse(src.Name, src.Lines)
		s.rules = append(s.rules, rs...)
		s.diags = append(s.diags, ds...)
		s.sources = append(s.sources, src.Name)
	}
}

// Reload drops everything accumulated so far and loads srcs from scratch.
func (s *Store) Reload(srcs ...Source) {
	s.rules = nil
	s.diags = nil
	s.sources = nil
	s.Load(srcs...)
}

// IgnoreFor returns the ignore rule matching name exactly. An ignore_full
// entry anywhere wins over a soft ignore.
func (s *Store) IgnoreFor(name string) (Rule, bool) {
	var soft Rule
	found := false
	for _, r := range s.rules {
		if r.Target != name {
			continue
		}
		switch r.Kind {
		case IgnoreFull:
			return r, true
		case Ignore:
			if !found {
				soft, found = r, true
			}
		}
	}
	return soft, found
}

// ToggleFor returns the first toggle* rule naming name.
func (s *Store) ToggleFor(name string) (Rule, bool) {
	for _, r := range s.rules {
		if r.Target == name && r.Mode != ModeNone {
			return r, true
		}
	}
	return Rule{}, false
}

// ToggleRules lists every toggle* rule in load order.
func (s *Store) ToggleRules() []Rule {
	var out []Rule
	for _, r := range s.rules {
		if r.Mode != ModeNone {
			out = append(out, r)
		}
	}
	return out
}

// AtPlace returns the object names excluded from toggling at place.
func (s *Store) AtPlace(place string) []string {
	var out []string
	for _, r := range s.rules {
		if r.Kind == IgnoreAtPlace && r.Place == place {
			out = append(out, r.Target)
		}
	}
	return out
}

func (s *Store) Rules() []Rule                  { return append([]Rule(nil), s.rules...) }
func (s *Store) Diagnostics() []diag.Diagnostic { return append([]diag.Diagnostic(nil), s.diags...) }
func (s *Store) Sources() []string              { return append([]string(nil), s.sources...) }

// Summary is the read-only view printed by the CLI.
type Summary struct {
	Sources       []string          `json:"sources"`
	Ignore        []string          `json:"ignore"`
	IgnoreFull    []string          `json:"ignore_full"`
	IgnoreAtPlace []string          `json:"ignore_at_place"`
	Toggle        []string          `json:"toggle"`
	Diagnostics   []diag.Diagnostic `json:"diagnostics"`
}

func (s *Store) Summary() Summary {
	sum := Summary{Sources: s.Sources(), Diagnostics: s.Diagnostics()}
	for _, r := range s.rules {
		switch r.Kind {
		case Ignore:
			sum.Ignore = append(sum.Ignore, r.Target)
		case IgnoreFull:
			sum.IgnoreFull = append(sum.IgnoreFull, r.Target)
		case IgnoreAtPlace:
			sum.IgnoreAtPlace = append(sum.IgnoreAtPlace, r.Place+" "+r.Target)
		default:
			sum.Toggle = append(sum.Toggle, fmt.Sprintf("%s (%s)", r.Target, r.Mode))
		}
	}
	return sum
}

// ReadFile loads one rule file as a Source named after its base name.
func ReadFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return Source{}, err
	}
	defer f.Close()

	src := Source{Name: filepath.Base(path)}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		src.Lines = append(src.Lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return Source{}, fmt.Errorf("read %s: %w", path, err)
	}
	return src, nil
}

// ReadDir loads every file in dir ending with ext, sorted by name. A missing
// directory yields no sources and no error.
func ReadDir(dir, ext string) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]Source, 0, len(names))
	for _, n := range names {
		src, err := ReadFile(filepath.Join(dir, n))
		if err != nil {
			return out, err
		}
		out = append(out, src)
	}
	return out, nil
}
