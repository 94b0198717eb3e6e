package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"opendata/internal/source"
	"opendata/internal/transformer"
)

func TestLoadCatalog_EmbeddedIsValid(t *testing.T) {
	t.Parallel()

	c, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if issues := Validate(c); len(issues) != 0 {
		t.Fatalf("embedded catalog has issues: %v", issues)
	}

	if c.Defaults.Delay != 500*time.Millisecond || c.Defaults.Timeout != 30*time.Second {
		t.Fatalf("defaults=%+v", c.Defaults)
	}
	if c.Defaults.HistoryStart != 2009 || c.Defaults.HistoryEnd != 2021 {
		t.Fatalf("history range=%d..%d", c.Defaults.HistoryStart, c.Defaults.HistoryEnd)
	}

	wantCensus := []string{"demographics", "education", "employment", "housing", "income"}
	if diff := cmp.Diff(wantCensus, c.DatasetNames(source.KindCensus)); diff != "" {
		t.Fatalf("census datasets (-want +got):\n%s", diff)
	}
	if n := len(c.DatasetNames("")); n != len(c.Datasets) {
		t.Fatalf("DatasetNames(\"\")=%d names, want %d", n, len(c.Datasets))
	}
}

func TestCatalog_UnknownNames(t *testing.T) {
	t.Parallel()

	c, err := LoadCatalog("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Dataset("nope"); !errors.Is(err, ErrUnknownDataset) {
		t.Fatalf("Dataset err=%v, want ErrUnknownDataset", err)
	}
	if _, err := c.Geography("atlantis"); !errors.Is(err, ErrUnknownDataset) {
		t.Fatalf("Geography err=%v, want ErrUnknownDataset", err)
	}
}

func TestLoadCatalog_FileAndUnknownField(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte(`
geographies:
  here: {for: "county:001", in: "state:01"}
datasets:
  pop:
    kind: census
    variables:
      - {code: B01003_001E, label: total_population}
`), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCatalog(good)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if _, err := c.Dataset("pop"); err != nil {
		t.Fatalf("Dataset(pop): %v", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("datasets:\n  pop:\n    kind: census\n    colour: red\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalog(bad); err == nil {
		t.Fatalf("LoadCatalog accepted unknown field")
	}

	if _, err := LoadCatalog(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("LoadCatalog accepted missing file")
	}
}

func TestDataset_Helpers(t *testing.T) {
	t.Parallel()

	zero := 0
	ds := Dataset{
		Kind: source.KindCensus,
		Variables: []Variable{
			{Code: "A_001E", Label: "total"},
			{Code: "A_002E", Label: "part"},
			{Code: "A_003E"},
		},
		Derive: []Rule{
			{Output: "part_pct", Numerator: []string{"part"}, Denominator: []string{"total"}, Scale: 100},
			{Output: "both", Kind: "sum", Numerator: []string{"part", "A_003E"}, Precision: &zero},
		},
	}

	if diff := cmp.Diff([]string{"A_001E", "A_002E", "A_003E"}, ds.Codes()); diff != "" {
		t.Fatalf("Codes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"A_001E": "total", "A_002E": "part"}, ds.RenameMap()); diff != "" {
		t.Fatalf("RenameMap (-want +got):\n%s", diff)
	}

	rules := ds.Rules()
	if rules[0].Precision != DefaultPrecision || rules[1].Precision != 0 {
		t.Fatalf("precisions=%d,%d", rules[0].Precision, rules[1].Precision)
	}
	if rules[1].Kind != transformer.KindSum {
		t.Fatalf("kind=%q", rules[1].Kind)
	}

	geo := Geography{For: "county:163", In: "state:19"}
	d := ds.Descriptor(2019, geo, 0)
	if d.Year != 2019 || d.For != "county:163" || d.In != "state:19" || len(d.Variables) != 3 {
		t.Fatalf("descriptor=%+v", d)
	}

	opt := ds.NormalizeOptions(transformer.Constant{Name: "year", Value: 2019})
	if opt.Rename["A_001E"] != "total" || len(opt.Extra) != 1 {
		t.Fatalf("options=%+v", opt)
	}
}

func TestDataset_SocrataDescriptorLimit(t *testing.T) {
	t.Parallel()

	ds := Dataset{Kind: source.KindSocrata, Domain: "data.cdc.gov", ResourceID: "abcd-1234", Limit: 50}
	if got := ds.Descriptor(2020, Geography{}, 0); got.Limit != 50 || got.Year != 0 {
		t.Fatalf("descriptor=%+v, want catalog limit and no year", got)
	}
	if got := ds.Descriptor(0, Geography{}, 7); got.Limit != 7 {
		t.Fatalf("limit=%d, want override 7", got.Limit)
	}
}

func TestValidate_Issues(t *testing.T) {
	t.Parallel()

	neg := -1
	c := &Catalog{
		Defaults: Defaults{Geography: "mars", HistoryStart: 2021, HistoryEnd: 2009, Delay: -time.Second},
		Geographies: map[string]Geography{
			"empty": {},
		},
		Datasets: map[string]Dataset{
			"Bad Name": {Kind: source.KindCensus, Variables: []Variable{{Code: "X"}}},
			"dup": {
				Kind: source.KindCensus,
				Variables: []Variable{
					{Code: "A", Label: "a"},
					{Code: "A", Label: "b"},
					{Code: "C", Label: "a"},
					{Code: "D", Label: "NAME"},
				},
				Derive: []Rule{
					{Output: "r", Numerator: []string{"a"}},
					{Output: "s", Kind: "sum", Numerator: []string{"ghost"}, Precision: &neg},
					{Output: "t", Kind: "median", Numerator: []string{"a"}},
				},
			},
			"soc":   {Kind: source.KindSocrata, Coerce: "sometimes"},
			"weird": {Kind: "ftp"},
		},
	}

	var got []string
	for _, i := range Validate(c) {
		got = append(got, i.String())
	}
	want := []string{
		`error: defaults.history_start: history_start 2021 is after history_end 2009`,
		`error: defaults.delay: must be >= 0`,
		`error: defaults.geography: unknown geography "mars"`,
		`error: geographies.empty.for: required`,
		`error: datasets.Bad Name: name must match ^[a-z0-9][a-z0-9_-]*$`,
		`error: datasets.dup.variables[1].code: duplicate code "A"`,
		`error: datasets.dup.variables[2].label: duplicate column "a"`,
		`error: datasets.dup.variables[3].label: "NAME" is already a response column`,
		`error: datasets.dup.derive[0].denominator: required for ratio rules`,
		`warning: datasets.dup.derive[1].precision: negative precision disables rounding`,
		`warning: datasets.dup.derive[1]: references unknown column "ghost"; rule will be skipped`,
		`error: datasets.dup.derive[2].kind: unknown kind "median" (want ratio or sum)`,
		`error: datasets.soc.domain: required for socrata`,
		`error: datasets.soc.resource_id: required for socrata`,
		`error: datasets.soc.coerce: unknown mode "sometimes"`,
		`error: datasets.weird.kind: unknown kind "ftp" (want census or socrata)`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("issues (-want +got):\n%s", diff)
	}
	if !HasErrors(Validate(c)) {
		t.Fatalf("HasErrors=false")
	}
}

func TestResolveCredentials(t *testing.T) {
	t.Parallel()

	validKey := strings.Repeat("a", 40)
	env := func(vals map[string]string) func(string) string {
		return func(k string) string { return vals[k] }
	}

	tests := []struct {
		name         string
		censusFlag   string
		socrataFlag  string
		env          map[string]string
		want         Credentials
		wantWarnings int
	}{
		{
			name:         "flags win",
			censusFlag:   validKey,
			socrataFlag:  "tok",
			env:          map[string]string{EnvCensusKey: "other", EnvSocrataToken: "other"},
			want:         Credentials{CensusKey: validKey, SocrataToken: "tok"},
			wantWarnings: 0,
		},
		{
			name:         "environment fallback",
			env:          map[string]string{EnvCensusKey: " " + validKey + " ", EnvSocrataToken: "envtok"},
			want:         Credentials{CensusKey: validKey, SocrataToken: "envtok"},
			wantWarnings: 0,
		},
		{
			name:         "short census key dropped",
			censusFlag:   "short",
			want:         Credentials{},
			wantWarnings: 2,
		},
		{
			name:         "nothing configured",
			want:         Credentials{},
			wantWarnings: 2,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, warnings := ResolveCredentials(tc.censusFlag, tc.socrataFlag, env(tc.env))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("credentials (-want +got):\n%s", diff)
			}
			if len(warnings) != tc.wantWarnings {
				t.Fatalf("warnings=%q, want %d", warnings, tc.wantWarnings)
			}
			for _, w := range warnings {
				if strings.Contains(w, validKey) {
					t.Fatalf("warning leaks key: %q", w)
				}
			}
		})
	}

	c := Credentials{CensusKey: "c", SocrataToken: "s"}
	if c.TokenFor(source.KindCensus) != "c" || c.TokenFor(source.KindSocrata) != "s" || c.TokenFor("x") != "" {
		t.Fatalf("TokenFor mismatch")
	}
}

func TestDataset_SnapshotIDs(t *testing.T) {
	t.Parallel()

	census := Dataset{Kind: source.KindCensus}
	if got := census.SnapshotID("income", "scott"); got != "income_scott" {
		t.Fatalf("SnapshotID=%q", got)
	}
	if got := census.HistoryID("education", "scott"); got != "education_scott_historical" {
		t.Fatalf("HistoryID=%q", got)
	}
	soc := Dataset{Kind: source.KindSocrata}
	if got := soc.SnapshotID("cdc-covid", "scott"); got != "cdc-covid" {
		t.Fatalf("socrata SnapshotID=%q", got)
	}
}
