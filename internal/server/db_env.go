package server

import (
	"net/url"
	"os"
)

// dbDSNFromEnv prefers a full DATABASE_URL and otherwise assembles a DSN from
// the individual DB_* variables.
func dbDSNFromEnv() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(envOr("DB_USER", "app"), envOr("DB_PASSWORD", "app")),
		Host:   envOr("DB_HOST", "127.0.0.1") + ":" + envOr("DB_PORT", "5439"),
		Path:   "/" + envOr("DB_NAME", "fortress"),
	}
	q := u.Query()
	q.Set("sslmode", envOr("DB_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
