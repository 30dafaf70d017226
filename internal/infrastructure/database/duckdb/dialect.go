package duckdb

import (
	"errors"
	"fmt"

	duckdb "github.com/duckdb/duckdb-go/v2"

	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/stringutil"
)

// Dialect describes DuckDB files opened in process.
func Dialect() *database.Dialect {
	return &database.Dialect{
		Name:               model.TypeDuckDB,
		DriverName:         "duckdb",
		BuildDSN:           buildDSN,
		CurrentSchemaQuery: "SELECT current_schema()",
		UseStatement: func(schema string) string {
			return "USE " + stringutil.QuoteIdentifier(schema, '"')
		},
		ErrorDetails: func(err error) (int, string, string, bool) {
			var de *duckdb.Error
			if !errors.As(err, &de) {
				return 0, "", "", false
			}
			return int(de.Type), "", de.Msg, true
		},
	}
}

func buildDSN(p database.DSNParams) (string, error) {
	if p.Resource == nil {
		return "", fmt.Errorf("duckdb resource is nil")
	}
	// an empty database opens an in-memory instance
	if p.Resource.Database == "" || p.Resource.Database == ":memory:" {
		return "", nil
	}
	return model.ResolvePath(p.Resource.Database, p.BaseDir), nil
}
