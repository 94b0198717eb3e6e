// Package all registers every warehouse backend with the storage registry.
package all

import (
	_ "opendata/internal/storage/mssql"
	_ "opendata/internal/storage/postgres"
	_ "opendata/internal/storage/sqlite"
)
