package config

import "opendata/internal/source"

// HistorySuffix marks multi-year snapshots.
const HistorySuffix = "_historical"

// SnapshotID names the snapshot files of one fetch: "<dataset>_<geography>"
// for Census datasets and "<dataset>" for Socrata, which has no geography.
func (d Dataset) SnapshotID(dataset, geography string) string {
	if d.Kind == source.KindSocrata || geography == "" {
		return dataset
	}
	return dataset + "_" + geography
}

// HistoryID names the multi-year snapshot of a Census dataset.
func (d Dataset) HistoryID(dataset, geography string) string {
	return d.SnapshotID(dataset, geography) + HistorySuffix
}
