package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
)

// table writes aligned columns on a terminal and tab-separated values
// otherwise.
type table struct {
	w  io.Writer
	tw *tabwriter.Writer
}

func newTable(f *os.File) *table {
	t := &table{w: f}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		t.tw = tabwriter.NewWriter(f, 0, 4, 2, ' ', 0)
		t.w = t.tw
	}
	return t
}

func (t *table) row(cols ...any) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprint(c)
	}
	fmt.Fprintln(t.w, strings.Join(parts, "\t"))
}

func (t *table) flush() error {
	if t.tw != nil {
		return t.tw.Flush()
	}
	return nil
}
