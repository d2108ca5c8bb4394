package dialect

import "fmt"

// DurationMs renders the difference between two timestamp columns in
// milliseconds.
//
//	SQLite:   (julianday(end) - julianday(start)) * 86400000
//	Postgres: EXTRACT(EPOCH FROM (end - start)) * 1000
func DurationMs(driver, end, start string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s)) * 1000", end, start)
	}
	return fmt.Sprintf("(julianday(%s) - julianday(%s)) * 86400000", end, start)
}

// DateOf truncates a timestamp to its date, the daily stats bucket key.
//
//	SQLite:   date(expr)
//	Postgres: (expr)::date
func DateOf(driver, expr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("(%s)::date", expr)
	}
	return fmt.Sprintf("date(%s)", expr)
}

// HourOf truncates a timestamp to its hour as a sortable text label, the
// hourly stats bucket key.
//
//	SQLite:   strftime('%Y-%m-%d %H:00', expr)
//	Postgres: to_char(date_trunc('hour', expr), 'YYYY-MM-DD HH24:00')
func HourOf(driver, expr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("to_char(date_trunc('hour', %s), 'YYYY-MM-DD HH24:00')", expr)
	}
	return fmt.Sprintf("strftime('%%Y-%%m-%%d %%H:00', %s)", expr)
}

// NowMinusHours renders "current time minus N hours". hoursExpr is a column
// or placeholder producing the hour count.
//
//	SQLite:   datetime('now', '-' || hoursExpr || ' hours')
//	Postgres: NOW() - (hoursExpr || ' hours')::interval
func NowMinusHours(driver, hoursExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' hours')::interval", hoursExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' hours')", hoursExpr)
}
