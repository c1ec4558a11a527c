package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/chazu/nativetrap/config"
	"github.com/chazu/nativetrap/journal"
)

// handleStatsCommand processes `nativetrap stats`.
func handleStatsCommand(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	db := fs.String("db", cfg.Journal.Database, "SQLite journal database")
	n := fs.Int("n", 10, "Number of recent events to list")
	fs.Parse(args)

	if *db == "" {
		return errors.New("stats requires -db or journal.database")
	}
	if _, err := os.Stat(*db); err != nil {
		return fmt.Errorf("cannot open journal: %w", err)
	}
	store, err := journal.Open(*db)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	counts, err := store.Summary(ctx)
	if err != nil {
		return err
	}
	t := newTable(os.Stdout)
	t.row("KIND", "COUNT")
	for _, c := range counts {
		t.row(c.Kind, c.Count)
	}
	if err := t.flush(); err != nil {
		return err
	}

	recent, err := store.Recent(ctx, *n)
	if err != nil {
		return err
	}
	fmt.Println()
	return printEvents(recent)
}

// printEvents lists journal events.
func printEvents(events []journal.Event) error {
	t := newTable(os.Stdout)
	t.row("SEQ", "KIND", "CONTEXT", "PC", "ADDR", "WORDS", "SIGNAL")
	for _, ev := range events {
		sig := "-"
		if ev.Signal != 0 {
			sig = config.SignalName(syscall.Signal(ev.Signal))
		}
		t.row(ev.Seq, ev.Kind, ev.Context.String()[:8], fmt.Sprintf("%#x", ev.PC), fmt.Sprintf("%#x", ev.Addr), ev.Words, sig)
	}
	return t.flush()
}
