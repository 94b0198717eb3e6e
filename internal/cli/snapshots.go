package cli

import (
	"errors"
	"fmt"

	"opendata/internal/analysis"
	"opendata/internal/config"
	"opendata/internal/snapshot"
	"opendata/internal/source"
	"opendata/internal/table"
)

// CensusDatasets expands a -dataset flag: "" or "all" is every Census
// dataset in the catalog, anything else is a comma-separated list of Census
// dataset names.
func CensusDatasets(c *config.Catalog, flag string) ([]string, error) {
	if flag == "" || flag == "all" {
		names := c.DatasetNames(source.KindCensus)
		if len(names) == 0 {
			return nil, errors.New("catalog has no census datasets")
		}
		return names, nil
	}
	names := SplitList(flag)
	for _, n := range names {
		ds, err := c.Dataset(n)
		if err != nil {
			return nil, err
		}
		if ds.Kind != source.KindCensus {
			return nil, fmt.Errorf("dataset %q is %s, not census", n, ds.Kind)
		}
	}
	return names, nil
}

// ReadLatest reads the newest snapshot of id in dir. The error wraps
// snapshot.ErrNoData when there is none.
func ReadLatest(dir, id string) (string, *table.Table, error) {
	path, err := snapshot.Latest(dir, id)
	if err != nil {
		return "", nil, err
	}
	t, err := snapshot.Read(path)
	if err != nil {
		return path, nil, err
	}
	return path, t, nil
}

// MetricColumns picks the columns to report: the -metrics flag, else the
// dataset's headline columns, else every numeric column shared by tables.
func MetricColumns(flag string, ds config.Dataset, tables ...*table.Table) []string {
	if cols := SplitList(flag); len(cols) > 0 {
		return cols
	}
	if len(ds.Headline) > 0 {
		return ds.Headline
	}
	return analysis.NumericColumns(tables...)
}

// GeoLabel is the catalog label of the geography name, or name itself for
// custom -state/-county geographies.
func GeoLabel(c *config.Catalog, name string) string {
	if g, ok := c.Geographies[name]; ok && g.Label != "" {
		return g.Label
	}
	return name
}
