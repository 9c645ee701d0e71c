package main

import (
	"net/url"
	"os"
	"strings"
)

// resolveDSN returns the connection string for database output kinds.
//
// Precedence, highest first:
//  1. -dsn flag
//  2. DSN environment variable (full DSN string)
//  3. component variables DSN_HOST / DSN_PORT / DSN_USER / DSN_PASSWORD /
//     DSN_DB, plus DSN_SSLMODE (postgres), DSN_ENCRYPT (mssql), DSN_SQLITE
//     (sqlite path or DSN) and DSN_PARAMS (extra query parameters)
//
// File outputs never take a DSN. An empty result means the backend default
// applies; for sqlite that is <output dir>/db.sqlite.
func resolveDSN(kind, flagDSN string) string {
	switch kind {
	case "postgres", "mssql", "sqlite":
	default:
		return ""
	}
	if flagDSN = strings.TrimSpace(flagDSN); flagDSN != "" {
		return flagDSN
	}
	if v := strings.TrimSpace(os.Getenv("DSN")); v != "" {
		return v
	}

	host := strings.TrimSpace(os.Getenv("DSN_HOST"))
	port := strings.TrimSpace(os.Getenv("DSN_PORT"))
	user := strings.TrimSpace(os.Getenv("DSN_USER"))
	pass := os.Getenv("DSN_PASSWORD") // allow spaces
	db := strings.TrimSpace(os.Getenv("DSN_DB"))
	params := strings.TrimSpace(os.Getenv("DSN_PARAMS"))

	switch kind {
	case "sqlite":
		path := strings.TrimSpace(os.Getenv("DSN_SQLITE"))
		if path == "" {
			return ""
		}
		return withRawParams(path, params)
	case "postgres":
		if host == "" && port == "" && user == "" && pass == "" && db == "" {
			return ""
		}
		return buildPostgresDSN(host, port, user, pass, db, strings.TrimSpace(os.Getenv("DSN_SSLMODE")), params)
	default:
		if host == "" && port == "" && user == "" && pass == "" && db == "" {
			return ""
		}
		return buildMSSQLDSN(host, port, user, pass, db, strings.TrimSpace(os.Getenv("DSN_ENCRYPT")), params)
	}
}

// buildPostgresDSN builds a postgresql:// URL. Port defaults to 5432 and
// sslmode to "disable".
func buildPostgresDSN(host, port, user, pass, db, sslmode, extraParams string) string {
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "5432"
	}
	if sslmode == "" {
		sslmode = "disable"
	}
	u := &url.URL{Scheme: "postgresql", Host: host + ":" + port, Path: "/" + db}
	if user != "" {
		u.User = url.UserPassword(user, pass)
	}
	q := u.Query()
	q.Set("sslmode", sslmode)
	appendRawParams(q, extraParams)
	u.RawQuery = q.Encode()
	return u.String()
}

// buildMSSQLDSN builds a go-mssqldb sqlserver:// URL. Port defaults to 1433
// and encrypt to "disable".
func buildMSSQLDSN(host, port, user, pass, db, encrypt, extraParams string) string {
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "1433"
	}
	if encrypt == "" {
		encrypt = "disable"
	}
	u := &url.URL{Scheme: "sqlserver", Host: host + ":" + port}
	if user != "" {
		u.User = url.UserPassword(user, pass)
	}
	q := u.Query()
	if db != "" {
		q.Set("database", db)
	}
	q.Set("encrypt", encrypt)
	appendRawParams(q, extraParams)
	u.RawQuery = q.Encode()
	return u.String()
}

func withRawParams(dsn, params string) string {
	if params == "" {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + params
}

// appendRawParams adds DSN_PARAMS, a URL query fragment without a leading
// '?'. Malformed fragments are ignored.
func appendRawParams(q url.Values, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	parsed, err := url.ParseQuery(raw)
	if err != nil {
		return
	}
	for k, vals := range parsed {
		if strings.TrimSpace(k) == "" {
			continue
		}
		for _, v := range vals {
			q.Add(k, v)
		}
	}
}
