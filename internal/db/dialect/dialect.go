// Package dialect renders the SQL fragments that differ between the SQLite
// and PostgreSQL backends. Helpers take the sqlx driver name so query
// builders stay free of driver switches.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether driver is the pgx PostgreSQL driver.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt maps a bool onto the 0/1 integer columns the schema uses for
// flags.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Like returns the case-insensitive pattern operator.
//
//	SQLite:   LIKE (ASCII case-insensitive by default)
//	Postgres: ILIKE
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}
