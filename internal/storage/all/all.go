// Package all links every storage backend into the binary.
package all

import (
	_ "patentetl/internal/storage/csv"
	_ "patentetl/internal/storage/jsonl"
	_ "patentetl/internal/storage/mssql"
	_ "patentetl/internal/storage/postgres"
	_ "patentetl/internal/storage/sqlite"
)
