package dialect

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestBoolToInt(t *testing.T) {
	if BoolToInt(true) != 1 || BoolToInt(false) != 0 {
		t.Error("expected true->1, false->0")
	}
}

func TestFragmentsByDriver(t *testing.T) {
	cases := []struct {
		name   string
		sqlite string
		pgx    string
		render func(driver string) string
	}{
		{
			name:   "like",
			sqlite: "LIKE",
			pgx:    "ILIKE",
			render: Like,
		},
		{
			name:   "duration_ms",
			sqlite: "(julianday(completed_at) - julianday(started_at)) * 86400000",
			pgx:    "EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000",
			render: func(d string) string { return DurationMs(d, "completed_at", "started_at") },
		},
		{
			name:   "date_of",
			sqlite: "date(created_at)",
			pgx:    "(created_at)::date",
			render: func(d string) string { return DateOf(d, "created_at") },
		},
		{
			name:   "hour_of",
			sqlite: "strftime('%Y-%m-%d %H:00', created_at)",
			pgx:    "to_char(date_trunc('hour', created_at), 'YYYY-MM-DD HH24:00')",
			render: func(d string) string { return HourOf(d, "created_at") },
		},
		{
			name:   "now_minus_hours",
			sqlite: "datetime('now', '-' || ? || ' hours')",
			pgx:    "NOW() - (? || ' hours')::interval",
			render: func(d string) string { return NowMinusHours(d, "?") },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.render(SQLite3); got != tc.sqlite {
				t.Errorf("sqlite: got %q, want %q", got, tc.sqlite)
			}
			if got := tc.render(PGX); got != tc.pgx {
				t.Errorf("pgx: got %q, want %q", got, tc.pgx)
			}
		})
	}
}
