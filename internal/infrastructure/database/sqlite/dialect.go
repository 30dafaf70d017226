package sqlite

import (
	"errors"
	"fmt"
	"strings"

	sqlite "modernc.org/sqlite"

	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
)

// Dialect describes SQLite via modernc.org/sqlite. SQLite sessions are
// in-process, so there is no session id and nothing to kill.
func Dialect() *database.Dialect {
	return &database.Dialect{
		Name:       model.TypeSQLite,
		DriverName: "sqlite",
		BuildDSN:   buildDSN,
		ErrorDetails: func(err error) (int, string, string, bool) {
			var se *sqlite.Error
			if !errors.As(err, &se) {
				return 0, "", "", false
			}
			return se.Code(), "", se.Error(), true
		},
	}
}

func buildDSN(p database.DSNParams) (string, error) {
	if p.Resource == nil || p.Resource.Database == "" {
		return "", fmt.Errorf("sqlite resource missing database path")
	}
	path := model.ResolvePath(p.Resource.Database, p.BaseDir)
	if strings.Contains(path, "?") {
		return path, nil
	}
	// foreign keys are off by default in sqlite
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", nil
}
