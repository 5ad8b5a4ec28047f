// Command wardenctl talks to a running scenewarden session over its loopback
// debug API and inspects dumps and the session database offline.
package main

import (
	"fmt"
	"os"
)

const usage = `usage: wardenctl <command> [flags]

live session (-url, default http://127.0.0.1:8080):
  rules                 print the loaded rule summary
  entities [-kind k]    list registered entities
  entity <id>           show one entity with recent transitions
  diagnostics           list diagnostics
  stats                 tick, counters, pending rescans
  reload                re-read (and re-fetch) rule files
  debug [on|off]        toggle or set debug visualization
  multiplier <value>    set the distance multiplier
  dump [path]           write a state dump

offline:
  inspect <dump>        summarize a dump file
  new [-dir d] <id>     write a commented rule file template
  sources [-db path]    show retrieved rule sources
  history [-db path]    show stored transitions`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "rules":
		getCmd("rules", "/rules", args)
	case "entities":
		entitiesCmd(args)
	case "entity":
		entityCmd(args)
	case "diagnostics":
		getCmd("diagnostics", "/diagnostics", args)
	case "stats":
		getCmd("stats", "/stats", args)
	case "reload":
		reloadCmd(args)
	case "debug":
		debugCmd(args)
	case "multiplier":
		multiplierCmd(args)
	case "dump":
		dumpCmd(args)
	case "inspect":
		inspectCmd(args)
	case "new":
		newCmd(args)
	case "sources":
		sourcesCmd(args)
	case "history":
		historyCmd(args)
	case "-h", "--help", "help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
}
