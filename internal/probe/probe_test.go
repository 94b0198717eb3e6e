package probe

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"opendata/internal/config"
	"opendata/internal/datasource/httpds"
	"opendata/internal/source"
	"opendata/internal/table"
)

type fetchFunc func(ctx context.Context, d source.Descriptor, token string) (table.RawBatch, error)

func (f fetchFunc) Fetch(ctx context.Context, d source.Descriptor, token string) (table.RawBatch, error) {
	return f(ctx, d, token)
}

var socrataRows = table.RawBatch{Records: []map[string]any{
	{"state": "IA", "cases": "3", "note": nil},
	{"cases": "4", "state": "IL"},
	{"cases": "4", "state": "IA"},
}}

func TestSample(t *testing.T) {
	t.Parallel()

	var gotLimit int
	f := fetchFunc(func(_ context.Context, d source.Descriptor, _ string) (table.RawBatch, error) {
		gotLimit = d.Limit
		return socrataRows, nil
	})
	res, err := Sample(context.Background(), f, source.Descriptor{Kind: source.KindSocrata, Domain: "data.example.gov", ResourceID: "abcd-1234"}, "")
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if gotLimit != DefaultLimit || res.Rows != 3 {
		t.Fatalf("limit=%d rows=%d", gotLimit, res.Rows)
	}

	want := []Column{
		{Name: "cases", Type: TypeNumber, NonEmpty: 3, Distinct: 2, Sample: "3"},
		{Name: "note", Type: TypeEmpty},
		{Name: "state", Type: TypeText, NonEmpty: 3, Distinct: 2, Sample: "IA"},
	}
	if diff := cmp.Diff(want, res.Columns); diff != "" {
		t.Fatalf("columns (-want +got):\n%s", diff)
	}
}

func TestSample_FetchError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	f := fetchFunc(func(context.Context, source.Descriptor, string) (table.RawBatch, error) { return table.RawBatch{}, boom })
	if _, err := Sample(context.Background(), f, source.Descriptor{Kind: source.KindCensus}, ""); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}

func TestSuggestEntry_RoundTripsThroughCatalog(t *testing.T) {
	t.Parallel()

	res := Result{
		Descriptor: source.Descriptor{Kind: source.KindSocrata, Domain: "data.example.gov", ResourceID: "abcd-1234"},
		Columns: []Column{
			{Name: "cases", Type: TypeNumber},
			{Name: "note", Type: TypeEmpty},
			{Name: "state", Type: TypeText},
			{Name: "county", Type: TypeText},
		},
	}
	e, err := SuggestEntry(res, "Case counts")
	if err != nil {
		t.Fatalf("SuggestEntry: %v", err)
	}
	if diff := cmp.Diff([]string{"county", "state"}, e.Exclude); diff != "" {
		t.Fatalf("exclude (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	if err := WriteEntry(&buf, "cases", e); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	cat, err := config.ParseCatalog(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseCatalog:\n%s\n%v", buf.String(), err)
	}
	if config.HasErrors(config.Validate(cat)) {
		t.Fatalf("suggested entry is invalid: %v", config.Validate(cat))
	}
	ds := cat.Datasets["cases"]
	if ds.ResourceID != "abcd-1234" || ds.Coerce != "inferred" || ds.Description != "Case counts" {
		t.Fatalf("dataset=%+v", ds)
	}
	if diff := cmp.Diff([]string{"cases"}, ds.Headline); diff != "" {
		t.Fatalf("headline (-want +got):\n%s", diff)
	}
}

func TestSuggestEntry_RejectsCensus(t *testing.T) {
	t.Parallel()

	if _, err := SuggestEntry(Result{Descriptor: source.Descriptor{Kind: source.KindCensus}}, ""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCensusChecks(t *testing.T) {
	t.Parallel()

	d := source.Descriptor{Kind: source.KindCensus, Year: 2021}
	var names []string
	for _, c := range CensusChecks(d, "k") {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"with key", "without key", "year 2020 without key"}, names); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if got := len(CensusChecks(d, "")); got != 2 {
		t.Fatalf("checks without key=%d, want 2", got)
	}
}

func TestDiagnose(t *testing.T) {
	t.Parallel()

	// The keyed request gets the HTML page served for invalid keys; 2020 is
	// unpublished.
	f := fetchFunc(func(_ context.Context, d source.Descriptor, token string) (table.RawBatch, error) {
		switch {
		case token != "":
			return table.RawBatch{}, &httpds.FetchError{Kind: httpds.KindNonJSON, Status: 200}
		case d.Year == 2020:
			return table.RawBatch{}, &httpds.FetchError{Kind: httpds.KindNotFound, Status: 404}
		}
		return table.RawBatch{Header: []string{"NAME", "B01001_001E"}, Rows: [][]any{{"Iowa", "3190369"}}}, nil
	})

	out, err := Diagnose(context.Background(), f, CensusChecks(source.Descriptor{Kind: source.KindCensus, Year: 2021}, "bad"))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	type got struct {
		Kind   string
		Status int
		Rows   int
	}
	var gs []got
	for _, o := range out {
		gs = append(gs, got{o.Kind, o.Status, o.Rows})
	}
	want := []got{{"non_json", 200, 0}, {"ok", 0, 1}, {"not_found", 404, 0}}
	if diff := cmp.Diff(want, gs); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestDiagnose_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := fetchFunc(func(context.Context, source.Descriptor, string) (table.RawBatch, error) {
		t.Fatal("fetch after cancel")
		return table.RawBatch{}, nil
	})
	if _, err := Diagnose(ctx, f, CensusChecks(source.Descriptor{Year: 2021}, "")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}
