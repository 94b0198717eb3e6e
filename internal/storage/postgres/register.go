package postgres

import "opendata/internal/storage"

func init() {
	storage.Register("postgres", New)
}
