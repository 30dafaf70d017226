package postgres

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/stringutil"
)

const statusQuery = `SELECT s.name, s.value::text AS value
FROM pg_stat_database d
CROSS JOIN LATERAL (VALUES
	('tup_returned', d.tup_returned),
	('tup_fetched', d.tup_fetched),
	('tup_inserted', d.tup_inserted),
	('tup_updated', d.tup_updated),
	('tup_deleted', d.tup_deleted),
	('blks_read', d.blks_read),
	('blks_hit', d.blks_hit),
	('temp_bytes', d.temp_bytes)
) AS s(name, value)
WHERE d.datname = current_database()`

// Dialect describes PostgreSQL through the pgx stdlib driver.
func Dialect() *database.Dialect {
	return &database.Dialect{
		Name:               model.TypePostgres,
		Aliases:            []string{model.TypePostgreSQL},
		DriverName:         "pgx",
		BuildDSN:           buildDSN,
		SessionIDQuery:     "SELECT pg_backend_pid()",
		CurrentSchemaQuery: "SELECT current_schema()",
		StatusQuery:        statusQuery,
		KillStatement: func(sessionID string) (string, error) {
			if !stringutil.IsDigits(sessionID) {
				return "", fmt.Errorf("invalid postgres backend pid %q", sessionID)
			}
			return "SELECT pg_cancel_backend(" + sessionID + ")", nil
		},
		UseStatement: func(schema string) string {
			return "SET search_path TO " + stringutil.QuoteIdentifier(schema, '"')
		},
		ErrorDetails: func(err error) (int, string, string, bool) {
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				return 0, "", "", false
			}
			return 0, pgErr.Code, pgErr.Message, true
		},
		ConnectionLost: connectionLost,
	}
}

func connectionLost(err error) bool {
	var ce *pgconn.ConnectError
	return errors.As(err, &ce) || pgconn.SafeToRetry(err)
}

func buildDSN(p database.DSNParams) (string, error) {
	res := p.Resource
	if res == nil {
		return "", fmt.Errorf("postgresql resource is nil")
	}
	if res.Host == nil || *res.Host == "" {
		return "", fmt.Errorf("postgresql resource '%s' missing host", res.Name)
	}
	if res.Port == nil || *res.Port == 0 {
		return "", fmt.Errorf("postgresql resource '%s' missing port", res.Name)
	}
	if res.Database == "" {
		return "", fmt.Errorf("postgresql resource '%s' missing database", res.Name)
	}
	if res.Username == nil || *res.Username == "" {
		return "", fmt.Errorf("postgresql resource '%s' missing username", res.Name)
	}
	tls := model.ResolveTLSPaths(res.TLS, p.BaseDir)
	return buildConnectionString(*res.Host, *res.Port, res.Database, *res.Username, p.Password, tls), nil
}

// buildConnectionString creates a PostgreSQL connection URL
func buildConnectionString(host string, port int, database, username, password string, tls *model.TLSConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   database,
	}

	if password != "" {
		u.User = url.UserPassword(username, password)
	} else {
		u.User = url.User(username)
	}

	q := u.Query()
	q.Set("application_name", "ori-runner")
	if tls != nil {
		if tls.Mode != nil && *tls.Mode != "" {
			q.Set("sslmode", *tls.Mode)
		}
		if tls.CACertPath != nil && *tls.CACertPath != "" {
			q.Set("sslrootcert", *tls.CACertPath)
		}
		if tls.CertPath != nil && *tls.CertPath != "" {
			q.Set("sslcert", *tls.CertPath)
		}
		if tls.KeyPath != nil && *tls.KeyPath != "" {
			q.Set("sslkey", *tls.KeyPath)
		}
	}
	u.RawQuery = q.Encode()

	return u.String()
}
