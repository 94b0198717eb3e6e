package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"opendata/internal/datasource/httpds"
	"opendata/internal/logger"
	"opendata/internal/snapshot"
	"opendata/internal/source"
	"opendata/internal/table"
	"opendata/internal/transformer"
)

// fakeFetcher answers per year. A year missing from both maps gets a
// not_found FetchError.
type fakeFetcher struct {
	mu      sync.Mutex
	batches map[int]table.RawBatch
	errs    map[int]error
	calls   []int
	onCall  func(year int)

	// sleep is the latency of every call; starts and ends record its span.
	sleep  time.Duration
	starts []time.Time
	ends   []time.Time
}

func (f *fakeFetcher) Fetch(ctx context.Context, d source.Descriptor, token string) (table.RawBatch, error) {
	f.mu.Lock()
	f.calls = append(f.calls, d.Year)
	f.starts = append(f.starts, time.Now())
	f.mu.Unlock()
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	f.mu.Lock()
	f.ends = append(f.ends, time.Now())
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(d.Year)
	}
	if err := ctx.Err(); err != nil {
		return table.RawBatch{}, &httpds.FetchError{Kind: httpds.KindTransport, Err: err}
	}
	if err, ok := f.errs[d.Year]; ok {
		return table.RawBatch{}, err
	}
	if b, ok := f.batches[d.Year]; ok {
		return b, nil
	}
	return table.RawBatch{}, &httpds.FetchError{Status: 404, Kind: httpds.KindNotFound}
}

func censusBatch(pop, below, total string) table.RawBatch {
	return table.RawBatch{
		Header: []string{"NAME", "B01003_001E", "B17001_002E", "B17001_001E", "state", "county"},
		Rows:   [][]any{{"Scott County, Iowa", pop, below, total, "19", "163"}},
	}
}

func request(id string) Request {
	return Request{
		ID: id,
		Descriptor: source.Descriptor{
			Kind:      source.KindCensus,
			Base:      "http://census.invalid",
			Year:      2021,
			Variables: []string{"B01003_001E", "B17001_002E", "B17001_001E"},
			For:       "county:163",
			In:        "state:19",
		},
		Normalize: transformer.Options{Rename: map[string]string{
			"B01003_001E": "total_population",
			"B17001_002E": "population_below_poverty",
			"B17001_001E": "population_poverty_determined",
		}},
		Rules: []transformer.Rule{{
			Output:      "poverty_rate_pct",
			Numerator:   []string{"population_below_poverty"},
			Denominator: []string{"population_poverty_determined"},
			Scale:       100,
			Precision:   2,
		}},
	}
}

func newRunner(t *testing.T, f Fetcher) *Runner {
	t.Helper()
	return &Runner{
		Fetcher:  f,
		OutDir:   filepath.Join(t.TempDir(), "raw"),
		Job:      "test",
		Now:      func() time.Time { return time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC) },
		NewRunID: func() string { return "run-1" },
	}
}

func TestRun_WritesDerivedSnapshot(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{batches: map[int]table.RawBatch{2021: censusBatch("174669", "20000", "160000")}}
	r := newRunner(t, f)

	res, err := r.Run(context.Background(), request("income_scott"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RunID != "run-1" {
		t.Fatalf("RunID=%q", res.RunID)
	}
	if filepath.Base(res.Snapshot.Path) != "income_scott_20230601_120000.csv" || res.Snapshot.Rows != 1 {
		t.Fatalf("snapshot=%+v", res.Snapshot)
	}
	if diff := cmp.Diff([]string{"poverty_rate_pct"}, res.Derive.Applied); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}

	got, err := snapshot.Read(res.Snapshot.Path)
	if err != nil {
		t.Fatal(err)
	}
	want := &table.Table{
		Columns: []string{"NAME", "total_population", "population_below_poverty", "population_poverty_determined", "state", "county", "poverty_rate_pct"},
		Rows:    [][]any{{"Scott County, Iowa", 174669.0, 20000.0, 160000.0, "19", "163", 12.5}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot (-want +got):\n%s", diff)
	}
}

func TestRun_FailureWritesNothing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		batch table.RawBatch
		err   error
	}{
		{name: "fetch error", err: &httpds.FetchError{Status: 429, Kind: httpds.KindRateLimited}},
		{name: "ragged batch", batch: table.RawBatch{Header: []string{"NAME", "x"}, Rows: [][]any{{"a"}}}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := &fakeFetcher{batches: map[int]table.RawBatch{2021: tc.batch}}
			if tc.err != nil {
				f.errs = map[int]error{2021: tc.err}
			}
			r := newRunner(t, f)

			if _, err := r.Run(context.Background(), request("ds")); err == nil {
				t.Fatalf("Run succeeded, want error")
			}
			if _, err := os.Stat(r.OutDir); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("output dir exists after failed run: %v", err)
			}
		})
	}
}

func TestRun_ZeroRunnerIsError(t *testing.T) {
	t.Parallel()

	var r Runner
	if _, err := r.Run(context.Background(), request("ds")); err == nil {
		t.Fatalf("zero Runner ran")
	}
}

type fakeMirror struct{ err error }

func (m fakeMirror) Upload(ctx context.Context, p string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "gs://bucket/" + filepath.Base(p), nil
}

func TestRun_Mirror(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{batches: map[int]table.RawBatch{2021: censusBatch("1", "1", "2")}}

	r := newRunner(t, f)
	r.Mirror = fakeMirror{}
	res, err := r.Run(context.Background(), request("ds"))
	if err != nil || res.MirrorURI != "gs://bucket/ds_20230601_120000.csv" || res.MirrorErr != nil {
		t.Fatalf("res=%+v err=%v", res, err)
	}

	r = newRunner(t, f)
	r.Mirror = fakeMirror{err: errors.New("permission denied")}
	res, err = r.Run(context.Background(), request("ds"))
	if err != nil {
		t.Fatalf("mirror failure failed the run: %v", err)
	}
	if res.MirrorErr == nil || res.MirrorURI != "" {
		t.Fatalf("res=%+v, want MirrorErr", res)
	}
	if _, err := os.Stat(res.Snapshot.Path); err != nil {
		t.Fatalf("local snapshot missing: %v", err)
	}
}

func TestRunHistory_PartialFailure(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{
		batches: map[int]table.RawBatch{
			2017: censusBatch("100", "10", "100"),
			2019: censusBatch("300", "", "300"),
			2021: censusBatch("500", "50", "0"),
			2020: {Header: []string{"NAME", "x"}, Rows: [][]any{{"ragged"}}},
		},
		errs: map[int]error{
			2018: &httpds.FetchError{Status: 200, Kind: httpds.KindNonJSON, Excerpt: "Invalid Key"},
		},
	}
	r := newRunner(t, f)

	res, err := r.RunHistory(context.Background(), HistoryRequest{
		Request: request("income_scott_historical"),
		Start:   2017,
		End:     2021,
		Delay:   -1,
	})
	if err != nil {
		t.Fatalf("RunHistory: %v", err)
	}

	if diff := cmp.Diff([]int{2017, 2019, 2021}, res.Succeeded); diff != "" {
		t.Fatalf("succeeded (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2018, 2020}, res.FailedYears()); diff != "" {
		t.Fatalf("failed (-want +got):\n%s", diff)
	}
	if res.Failed[0].Kind != "non_json" || res.Failed[1].Kind != "shape" {
		t.Fatalf("kinds=%q,%q", res.Failed[0].Kind, res.Failed[1].Kind)
	}
	if diff := cmp.Diff([]int{2017, 2018, 2019, 2020, 2021}, f.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}

	if res.Snapshot == nil {
		t.Fatalf("no snapshot")
	}
	got, err := snapshot.Read(res.Snapshot.Path)
	if err != nil {
		t.Fatal(err)
	}
	var years, rates []any
	for i := range got.Rows {
		years = append(years, got.Rows[i][got.Index("year")])
		rates = append(rates, got.Rows[i][got.Index("poverty_rate_pct")])
	}
	if diff := cmp.Diff([]any{2017.0, 2019.0, 2021.0}, years); diff != "" {
		t.Fatalf("years (-want +got):\n%s", diff)
	}
	// 2019 lacks a numerator, 2021 has a zero denominator.
	if diff := cmp.Diff([]any{10.0, nil, nil}, rates); diff != "" {
		t.Fatalf("rates (-want +got):\n%s", diff)
	}
}

func TestRunHistory_AllYearsFail(t *testing.T) {
	t.Parallel()

	r := newRunner(t, &fakeFetcher{})
	res, err := r.RunHistory(context.Background(), HistoryRequest{
		Request: request("ds"),
		Start:   2009,
		End:     2011,
		Delay:   -1,
	})
	if !errors.Is(err, ErrNoYears) {
		t.Fatalf("err=%v, want ErrNoYears", err)
	}
	if res.Snapshot != nil || len(res.Failed) != 3 || res.Failed[0].Kind != "not_found" {
		t.Fatalf("res=%+v", res)
	}
	if _, err := snapshot.Latest(r.OutDir, "ds"); !errors.Is(err, snapshot.ErrNoData) {
		t.Fatalf("Latest err=%v, want ErrNoData", err)
	}
}

func TestRunHistory_CancelStopsLoop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeFetcher{batches: map[int]table.RawBatch{}}
	for y := 2009; y <= 2021; y++ {
		f.batches[y] = censusBatch("1", "1", "1")
	}
	f.onCall = func(year int) {
		if year == 2011 {
			cancel()
		}
	}
	r := newRunner(t, f)

	_, err := r.RunHistory(ctx, HistoryRequest{Request: request("ds"), Start: 2009, End: 2021, Delay: -1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if len(f.calls) != 3 {
		t.Fatalf("calls=%v, want loop to stop at 2011", f.calls)
	}
}

func TestRunHistory_InvalidRangeAndDescriptor(t *testing.T) {
	t.Parallel()

	r := newRunner(t, &fakeFetcher{})
	if _, err := r.RunHistory(context.Background(), HistoryRequest{Request: request("ds"), Start: 2021, End: 2009}); err == nil {
		t.Fatalf("inverted range accepted")
	}

	bad := fmt.Errorf("%w: no variables", source.ErrInvalidDescriptor)
	r = newRunner(t, &fakeFetcher{errs: map[int]error{2009: bad}})
	_, err := r.RunHistory(context.Background(), HistoryRequest{Request: request("ds"), Start: 2009, End: 2010, Delay: -1})
	if !errors.Is(err, source.ErrInvalidDescriptor) {
		t.Fatalf("err=%v, want ErrInvalidDescriptor", err)
	}
}

func TestRunHistory_Paced(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{batches: map[int]table.RawBatch{
		2019: censusBatch("1", "1", "1"),
		2020: censusBatch("1", "1", "1"),
		2021: censusBatch("1", "1", "1"),
	}}
	r := newRunner(t, f)

	start := time.Now()
	if _, err := r.RunHistory(context.Background(), HistoryRequest{Request: request("ds"), Start: 2019, End: 2021, Delay: 25 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if el := time.Since(start); el < 45*time.Millisecond {
		t.Fatalf("three paced fetches took %v, want >= ~50ms", el)
	}
}

func TestRunHistory_DelayFollowsSlowResponse(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{
		batches: map[int]table.RawBatch{
			2019: censusBatch("1", "1", "1"),
			2020: censusBatch("1", "1", "1"),
			2021: censusBatch("1", "1", "1"),
		},
		sleep: 60 * time.Millisecond,
	}
	r := newRunner(t, f)

	const delay = 40 * time.Millisecond
	if _, err := r.RunHistory(context.Background(), HistoryRequest{Request: request("ds"), Start: 2019, End: 2021, Delay: delay}); err != nil {
		t.Fatal(err)
	}
	if len(f.starts) != 3 {
		t.Fatalf("calls=%v", f.calls)
	}
	for i := 1; i < len(f.starts); i++ {
		// Timer slack only ever makes the gap longer.
		if gap := f.starts[i].Sub(f.ends[i-1]); gap < delay-5*time.Millisecond {
			t.Fatalf("gap before call %d = %v, want >= %v", i+1, gap, delay)
		}
	}
}

func TestRunHistory_DeriveReportCoversEveryYear(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{batches: map[int]table.RawBatch{
		2019: censusBatch("1", "1", "2"),
		// 2020 lacks the poverty columns, so the rate rule is skipped.
		2020: {
			Header: []string{"NAME", "B01003_001E", "state", "county"},
			Rows:   [][]any{{"Scott County, Iowa", "1", "19", "163"}},
		},
		2021: censusBatch("1", "1", "2"),
	}}
	r := newRunner(t, f)

	res, err := r.RunHistory(context.Background(), HistoryRequest{Request: request("ds"), Start: 2019, End: 2021, Delay: -1})
	if err != nil {
		t.Fatal(err)
	}
	want := transformer.DeriveReport{Applied: []string{"poverty_rate_pct"}, Skipped: []string{"poverty_rate_pct"}}
	if diff := cmp.Diff(want, res.Derive); diff != "" {
		t.Fatalf("derive (-want +got):\n%s", diff)
	}
}

func TestRun_EmptySnapshotWarns(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx := logger.WithContext(context.Background(), logger.New(&buf, logger.Options{JSON: true}))

	f := &fakeFetcher{batches: map[int]table.RawBatch{2021: {
		Header: []string{"NAME", "B01003_001E", "B17001_002E", "B17001_001E", "state", "county"},
		Rows:   [][]any{},
	}}}
	r := newRunner(t, f)

	res, err := r.Run(ctx, request("ds"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Snapshot.Empty {
		t.Fatalf("snapshot=%+v, want empty", res.Snapshot)
	}
	if !strings.Contains(buf.String(), "snapshot has no rows") {
		t.Fatalf("log=%s", buf.String())
	}
}
