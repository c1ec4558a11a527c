// nativetrap CLI - checks configuration, inspects frame tables, runs the
// trap scenarios and queries the trap journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/chazu/nativetrap/config"
	"github.com/chazu/nativetrap/journal"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("nativetrap")

func main() {
	verbose := flag.Bool("v", false, "Verbose output (debug logging)")
	configPath := flag.String("config", "", "Configuration file (default: nearest nativetrap.toml or nativetrap.yaml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: nativetrap [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  check                    Validate the configuration and print it\n")
		fmt.Fprintf(os.Stderr, "  run [-scenario s] [-db f] Run trap scenarios and journal the events\n")
		fmt.Fprintf(os.Stderr, "  frames build -o FILE     Write the frame table of the built-in program\n")
		fmt.Fprintf(os.Stderr, "  frames dump FILE         Print a frame table\n")
		fmt.Fprintf(os.Stderr, "  stats [-db f] [-n N]     Summarize a trap journal\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  nativetrap run                        # Run every scenario\n")
		fmt.Fprintf(os.Stderr, "  nativetrap run -scenario guard,signal # Run two scenarios\n")
		fmt.Fprintf(os.Stderr, "  nativetrap run -db traps.db && nativetrap stats -db traps.db\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg, *verbose)
	if cfg.Path != "" {
		log.Debugf("configuration loaded from %s", cfg.Path)
	}

	switch args[0] {
	case "check":
		err = handleCheckCommand(cfg)
	case "run":
		err = handleRunCommand(cfg, args[1:])
	case "frames":
		err = handleFramesCommand(args[1:])
	case "stats":
		err = handleStatsCommand(cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.FindAndLoad(".")
}

func setupLogging(cfg *config.Config, verbose bool) {
	verbosity := cfg.Log.Verbosity
	if verbose {
		verbosity = 2
	}
	var path *string
	if cfg.Log.Path != "" {
		path = &cfg.Log.Path
	}
	commonlog.Configure(verbosity, path)
}

// handleCheckCommand processes `nativetrap check`.
func handleCheckCommand(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	source := cfg.Path
	if source == "" {
		source = "(defaults)"
	}
	rec, _ := cfg.RecordSignals()
	ign, _ := cfg.IgnoreSignals()

	t := newTable(os.Stdout)
	t.row("config", source)
	t.row("stack_slack", cfg.Guard.StackSlack)
	t.row("guard_words", cfg.Guard.GuardWords)
	t.row("stack_overflow", cfg.Guard.StackOverflow)
	t.row("young_words", cfg.Heap.YoungWords)
	t.row("major_words", cfg.Heap.MajorWords)
	t.row("record", signalList(rec))
	t.row("ignore", signalList(ign))
	t.row("journal", cfg.Journal.Capacity)
	t.row("database", cfg.Journal.Database)
	return t.flush()
}

// handleRunCommand processes `nativetrap run`.
func handleRunCommand(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	list := fs.String("scenario", "all", "Comma-separated scenarios: alloc, guard, overflow, signal, unrelated")
	db := fs.String("db", cfg.Journal.Database, "SQLite database to flush the journal into")
	fs.Parse(args)

	selected, err := selectScenarios(*list)
	if err != nil {
		return err
	}
	m, err := newMachine(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	t := newTable(os.Stdout)
	var runErr, fault error
	for _, s := range selected {
		log.Debugf("running scenario %s", s.name)
		var detail string
		run := func() { detail, runErr = s.run(m) }
		if s.protected {
			fault = m.guard.Protect(m.st, run)
		} else {
			run()
		}
		if fault != nil {
			break
		}
		if runErr != nil {
			runErr = fmt.Errorf("scenario %s: %w", s.name, runErr)
			break
		}
		t.row(s.name, detail)
	}
	if err := t.flush(); err != nil {
		return err
	}
	if fault != nil {
		return fault
	}
	if runErr != nil {
		return runErr
	}

	if *db == "" {
		return printEvents(m.ring.Take())
	}
	store, err := journal.Open(*db)
	if err != nil {
		return err
	}
	defer store.Close()
	n, err := store.Flush(context.Background(), m.ring)
	if err != nil {
		return err
	}
	fmt.Printf("%d events journaled to %s\n", n, *db)
	return nil
}

func signalList(sigs []syscall.Signal) string {
	if len(sigs) == 0 {
		return "-"
	}
	names := make([]string, len(sigs))
	for i, sig := range sigs {
		names[i] = config.SignalName(sig)
	}
	return strings.Join(names, ",")
}
