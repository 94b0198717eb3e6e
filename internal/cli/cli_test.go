package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"opendata/internal/metrics"
)

type fakeBackend struct {
	closed int
}

func (*fakeBackend) IncCounter(string, float64, metrics.Labels)       {}
func (*fakeBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (*fakeBackend) Flush() error                                     { return nil }
func (b *fakeBackend) Close() error                                   { b.closed++; return nil }

func TestFlagSet_Parse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "ok", args: []string{"-dataset", "income"}},
		{name: "help", args: []string{"-h"}, wantErr: "Usage of fetch:"},
		{name: "unknown flag", args: []string{"-nope"}, wantErr: "flag provided but not defined: -nope"},
		{name: "positional", args: []string{"income"}, wantErr: "unexpected arguments: income"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fs := NewFlagSet("fetch")
			fs.String("dataset", "", "dataset name")
			err := fs.Parse(tt.args)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	if diff := cmp.Diff([]string{"a", "b"}, SplitList(" a, ,b ")); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if SplitList("") != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestOpenMetrics(t *testing.T) {
	t.Parallel()

	if b, err := OpenMetrics(context.Background(), "none", MetricsOptions{}); b != nil || err != nil {
		t.Fatalf("none: b=%v err=%v", b, err)
	}
	if _, err := OpenMetrics(context.Background(), "statsd", MetricsOptions{}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	b, err := OpenMetrics(context.Background(), "pushgateway", MetricsOptions{Job: "test"})
	if err != nil || b == nil {
		t.Fatalf("pushgateway: b=%v err=%v", b, err)
	}
}

// Start installs the process-wide metrics backend, so these tests do not run
// in parallel.
func TestCommonStart_MetricsFromEnv(t *testing.T) {
	var (
		stderr  bytes.Buffer
		gotName string
		gotOpt  MetricsOptions
		fb      = &fakeBackend{}
	)
	env := Env{
		Stderr: &stderr,
		Getenv: func(k string) string {
			return map[string]string{
				EnvMetricsBackend: "datadog",
				EnvMetricsTags:    "env:test, team:data",
			}[k]
		},
		OpenMetrics: func(ctx context.Context, name string, opt MetricsOptions) (MetricsBackend, error) {
			gotName, gotOpt = name, opt
			return fb, nil
		},
	}

	c := Common{Job: "opendata_fetch"}
	_, s, err := c.Start(context.Background(), env)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gotName != "datadog" || gotOpt.Job != "opendata_fetch" {
		t.Fatalf("name=%q opt=%+v", gotName, gotOpt)
	}
	if diff := cmp.Diff([]string{"env:test", "team:data"}, gotOpt.Tags); diff != "" {
		t.Fatalf("tags (-want +got):\n%s", diff)
	}
	s.Close()
	s.Close()
	if fb.closed != 1 {
		t.Fatalf("closed=%d, want 1", fb.closed)
	}
}

func TestCommonStart_MetricsInitFailureIsNotFatal(t *testing.T) {
	var stderr bytes.Buffer
	env := Env{
		Stderr: &stderr,
		OpenMetrics: func(context.Context, string, MetricsOptions) (MetricsBackend, error) {
			return nil, errors.New("no api key")
		},
	}
	c := Common{MetricsBackend: "datadog", LogJSON: true}
	_, s, err := c.Start(context.Background(), env)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()
	if !strings.Contains(stderr.String(), "no api key") {
		t.Fatalf("expected warning in log, got %q", stderr.String())
	}
}

func TestCommonStart_InvalidCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	body := "datasets:\n  bad:\n    kind: ftp\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	var stderr bytes.Buffer
	c := Common{CatalogPath: path}
	if _, _, err := c.Start(context.Background(), Env{Stderr: &stderr}); err == nil {
		t.Fatalf("expected invalid catalog error")
	}
	if !strings.Contains(stderr.String(), `error: datasets.bad.kind: unknown kind "ftp"`) {
		t.Fatalf("issues not printed: %q", stderr.String())
	}
}
