package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"opendata/internal/cli"
	"opendata/internal/snapshot"
	"opendata/internal/table"
)

const catalogBody = `
defaults:
  geography: scott
geographies:
  scott: {label: Scott County, for: "county:163", in: "state:19"}
datasets:
  income:
    kind: census
    variables:
      - {code: B19013_001E, label: median_household_income}
      - {code: B19301_001E, label: per_capita_income}
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalogBody), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_SummarizesNumericColumns(t *testing.T) {
	dir := t.TempDir()
	tb := table.New("NAME", "year", "median_household_income", "per_capita_income")
	for _, r := range [][]any{
		{"Scott County, Iowa", 2019.0, 60000.0, nil},
		{"Scott County, Iowa", 2020.0, 63000.0, nil},
		{"Scott County, Iowa", 2021.0, 66150.0, 35000.0},
	} {
		if err := tb.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := snapshot.Write(dir, "income_scott_historical", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), tb); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-catalog", writeCatalog(t), "-dir", dir}, cli.Env{Stdout: &stdout, Stderr: &stderr})
	if code != cli.ExitOK {
		t.Fatalf("code=%d stderr=%s", code, stderr.String())
	}

	var got [][]string
	for _, l := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		got = append(got, strings.Fields(l))
	}
	want := [][]string{
		{"INCOME:", "Scott", "County"},
		{"===================="},
		{"metric", "from", "to", "change", "change", "%", "median", "years"},
		{"median_household_income", "2019:", "60,000", "2021:", "66,150", "+6,150", "+10.25%", "63,000", "3"},
		{"per_capita_income", "2021:", "35,000", "2021:", "35,000", "0", "0%", "35,000", "1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("output (-want +got):\n%s", diff)
	}
}

func TestRun_NoHistory(t *testing.T) {
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"-catalog", writeCatalog(t), "-dir", t.TempDir()}, cli.Env{Stderr: &stderr})
	if code != cli.ExitFailure {
		t.Fatalf("code=%d, want %d", code, cli.ExitFailure)
	}
	if !strings.Contains(stderr.String(), "run history first") {
		t.Fatalf("stderr=%s", stderr.String())
	}
}
