// Package drivers registers every supported dialect.
package drivers

import (
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database/duckdb"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database/mysql"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database/postgres"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database/sqlite"
)

func Registry() *database.Registry {
	return database.NewRegistry(
		sqlite.Dialect(),
		postgres.Dialect(),
		mysql.Dialect(),
		duckdb.Dialect(),
	)
}
