// Package cli holds the wiring every command shares: flag parsing with
// captured usage, the common flags, logger and metrics setup, and catalog
// loading.
//
// Commands follow one contract:
//
//	func run(ctx context.Context, args []string, env cli.Env) int
//
// returning ExitOK, ExitFailure or ExitUsage. Commands that fetch take a
// small deps struct embedding Env instead, so tests can also replace the
// clock and the snapshot mirror.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1 // the run failed or every item failed
	ExitUsage   = 2 // bad flags, invalid catalog, initialization error
)

// Env holds the process seams a command touches.
//
// When to use:
//   - main passes OSEnv().
//   - Tests capture Stdout/Stderr, fake Getenv and replace OpenMetrics.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer

	// Getenv reads the environment. nil means an empty environment.
	Getenv func(string) string

	// OpenMetrics opens a metrics backend by name. nil means OpenMetrics.
	OpenMetrics MetricsFactory
}

// OSEnv returns the real process environment.
func OSEnv() Env {
	return Env{Stdout: os.Stdout, Stderr: os.Stderr, Getenv: os.Getenv}
}

// WithDefaults replaces nil seams with safe defaults.
func (e Env) WithDefaults() Env {
	if e.Stdout == nil {
		e.Stdout = io.Discard
	}
	if e.Stderr == nil {
		e.Stderr = io.Discard
	}
	if e.Getenv == nil {
		e.Getenv = func(string) string { return "" }
	}
	if e.OpenMetrics == nil {
		e.OpenMetrics = OpenMetrics
	}
	return e
}

// FlagSet is a ContinueOnError flag set whose usage text is captured instead
// of printed.
type FlagSet struct {
	*flag.FlagSet
	usage *strings.Builder
}

// NewFlagSet returns a FlagSet for command name.
func NewFlagSet(name string) *FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var usage strings.Builder
	fs.SetOutput(&usage)
	fs.Usage = func() {
		fmt.Fprintf(&usage, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}
	return &FlagSet{FlagSet: fs, usage: &usage}
}

// Parse parses args. On -h the error text is the usage; on other parse
// errors it is the error followed by the usage. Positional arguments are
// rejected.
func (f *FlagSet) Parse(args []string) error {
	if err := f.FlagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errors.New(f.usage.String())
		}
		return fmt.Errorf("%v\n\n%s", err, f.usage.String())
	}
	if f.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(f.Args(), " "))
	}
	return nil
}

// SplitList splits a comma-separated flag value, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
