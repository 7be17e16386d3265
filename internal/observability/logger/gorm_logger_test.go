package logger

import "testing"

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		`INSERT INTO "cost_records" ("id") VALUES ($1) ON CONFLICT DO UPDATE`: "INSERT",
		`WITH latest AS (SELECT 1) SELECT * FROM latest`:                     "SELECT",
		`UPDATE pipeline_runs SET status = 'running'`:                         "UPDATE",
		`  `: "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}
