package db

import (
	"errors"
	"net/url"
	"strings"
)

// parseDSN accepts postgres:// and postgresql:// URLs, and host/db forms
// without a scheme.
func parseDSN(dsn string) (*url.URL, error) {
	if dsn == "" {
		return nil, errors.New("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	return url.Parse(dsn)
}

// WithDBName returns dsn with its database path replaced by database.
func WithDBName(dsn, database string) (string, error) {
	u, err := parseDSN(dsn)
	if err != nil {
		return "", err
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}

// DatabaseName returns the database named in dsn, or "" when it has none.
// Credentials are never part of the result, so it is safe to log.
func DatabaseName(dsn string) string {
	u, err := parseDSN(dsn)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}
