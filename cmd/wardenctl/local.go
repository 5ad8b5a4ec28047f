package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"scenewarden/internal/persistence/sessiondb"
	"scenewarden/internal/persistence/snapshot"
)

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	headerOnly := fs.Bool("header", false, "print only the dump header")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: wardenctl inspect [-header] <dump>")
		os.Exit(2)
	}
	path := fs.Arg(0)

	if *headerOnly {
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read header:", err)
			os.Exit(1)
		}
		fmt.Printf("session=%s tick=%d version=%d created=%s\n", h.SessionID, h.Tick, h.Version, h.CreatedAt)
		return
	}

	d, err := snapshot.ReadDump(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read dump:", err)
		os.Exit(1)
	}
	st, err := os.Stat(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "stat:", err)
		os.Exit(1)
	}
	fmt.Printf("session   %s\n", d.Header.SessionID)
	fmt.Printf("tick      %s @ %d Hz\n", humanize.Comma(int64(d.Header.Tick)), d.TickRateHz)
	if t, err := time.Parse(time.RFC3339Nano, d.Header.CreatedAt); err == nil {
		fmt.Printf("created   %s\n", humanize.Time(t))
	}
	fmt.Printf("size      %s\n", humanize.Bytes(uint64(st.Size())))
	fmt.Printf("observer  %.1f %.1f %.1f  multiplier %g  debug %v\n", d.Observer[0], d.Observer[1], d.Observer[2], d.DistanceMultiplier, d.Debug)
	fmt.Printf("sources   %s\n", strings.Join(d.Sources, ", "))
	fmt.Printf("rules     %d\n", len(d.Rules))

	kinds := map[string][2]int{}
	for _, e := range d.Entities {
		c := kinds[e.Kind]
		c[0]++
		if e.Active {
			c[1]++
		}
		kinds[e.Kind] = c
	}
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	fmt.Printf("entities  %d\n", len(d.Entities))
	for _, k := range names {
		fmt.Printf("  %-9s %d (%d active)\n", k, kinds[k][0], kinds[k][1])
	}
	if len(d.Hidden) > 0 {
		fmt.Printf("hidden    %d\n", len(d.Hidden))
	}
	if len(d.Pending) > 0 {
		fmt.Printf("pending   %s\n", strings.Join(d.Pending, ", "))
	}
	s := d.Stats
	fmt.Printf("stats     transitions=%s skips=%d faults=%d coalesced=%d missing=%d\n",
		humanize.Comma(int64(s.Transitions)), s.Skips, s.Faults, s.Coalesced, s.Missing)
	for _, dg := range d.Diagnostics {
		loc := dg.Source
		if dg.Line > 0 {
			loc = fmt.Sprintf("%s:%d", dg.Source, dg.Line)
		}
		fmt.Printf("  [%s] %s %s\n", dg.Kind, loc, dg.Message)
	}
}

const ruleTemplate = `## Rules for %s
## One "flag: value" per line. Lines starting with ## are comments.
##
## ignore: <name>                  never deactivate objects with this name
## ignore_full: <name>             never register objects with this name
## ignore_at_place: <place> <name> keep <name> active while at <place>
## toggle: <path>                  deactivate when far (object)
## toggle_renderer: <path>         hide the renderer only
## toggle_as_item: <path>          treat as a physics item
## toggle_as_vehicle: <path>       treat as a vehicle
## toggle_as_vehicle_physics_only: <path>
`

func newCmd(args []string) {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	dir := fs.String("dir", "./configs/rules", "rules directory")
	ext := fs.String("ext", ".rules", "rule file extension")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args)
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		fmt.Fprintln(os.Stderr, "usage: wardenctl new [-dir d] <id>")
		os.Exit(2)
	}
	id := strings.TrimSpace(fs.Arg(0))
	path := filepath.Join(*dir, id+*ext)
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintln(os.Stderr, "exists:", path)
		os.Exit(1)
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "mkdir:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf(ruleTemplate, id)), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
	fmt.Println(path)
}

func openDB(fs *flag.FlagSet, args []string) *sessiondb.DB {
	dbPath := fs.String("db", "./data/scenewarden.sqlite", "session db path")
	_ = fs.Parse(args)
	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	db, err := sessiondb.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return db
}

func sourcesCmd(args []string) {
	db := openDB(flag.NewFlagSet("sources", flag.ExitOnError), args)
	defer db.Close()
	ctx := context.Background()

	list, err := db.SourceList(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "source list:", err)
		os.Exit(1)
	}
	updated := "never"
	if !list.UpdatedAt.IsZero() {
		updated = humanize.Time(list.UpdatedAt)
	}
	fmt.Printf("applied ids: %s (full update %s)\n", strings.Join(list.IDs, ", "), updated)

	fetches, err := db.Fetches(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fetches:", err)
		os.Exit(1)
	}
	for _, f := range fetches {
		fmt.Printf("  %-24s %8s  fetched %-16s %s\n", f.ID, humanize.Bytes(uint64(f.Bytes)), humanize.Time(f.FetchedAt), f.LastModified)
	}
}

func historyCmd(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	entity := fs.String("entity", "", "entity id (default: all)")
	limit := fs.Int("limit", 50, "result limit")
	db := openDB(fs, args)
	defer db.Close()

	rows, err := db.Transitions(context.Background(), *entity, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, r := range rows {
		state := "off"
		if r.Active {
			state = "on"
		}
		note := r.Reason
		switch {
		case r.Fault != "":
			note = "fault: " + r.Fault
		case r.Skipped:
			note = "skipped by " + r.Exception
		}
		fmt.Printf("%-8d %-3s %-9s %-32s %s\n", r.Tick, state, r.Kind, r.ID, note)
	}
}
