package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/renstrom/shortuuid"

	"github.com/merchstream/ingester/internal/ingester/configuration"
)

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
	result := ""
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		result += k + "='" + replacer.Replace(v) + "' "
	}
	return result
}

func OpenPgxPool(config configuration.PostgresConfig) (*pgxpool.Pool, error) {
	db, err := pgxpool.New(context.Background(), CreateConnectionString(config.Connection))
	if err != nil {
		return nil, err
	}
	err = db.Ping(context.Background())
	return db, err
}

// UniqueTableName returns a name suitable for a session-scoped temporary
// table. Table names must start with an alphabetic character, hence the
// constant prefix before the random suffix.
func UniqueTableName(table string) string {
	// Lowercased so the name survives both quoted and unquoted references.
	suffix := strings.ToLower(shortuuid.New())
	return fmt.Sprintf("%s_tmp_%s", table, suffix)
}
