package postgres

import "testing"

func TestSanitizeQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"placeholders kept", "SELECT * FROM accounts WHERE id = $1", "SELECT * FROM accounts WHERE id = $1"},
		{"string literal", "SELECT status FROM connections WHERE status <> 'destroyed'", "SELECT status FROM connections WHERE status <> '?'"},
		{"escaped quote", "SELECT 'it''s'", "SELECT '?'"},
		{"numeric literal", "UPDATE accounts SET balance = 10.5 WHERE id = $2", "UPDATE accounts SET balance = ? WHERE id = $2"},
		{"identifier digits", "SELECT col1 FROM t", "SELECT col1 FROM t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeQuery(tt.query); got != tt.want {
				t.Errorf("sanitizeQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractSQLVerb(t *testing.T) {
	if got := extractSQLVerb("\n\t\tinsert into accounts"); got != "INSERT" {
		t.Errorf("extractSQLVerb() = %q, want INSERT", got)
	}
	if got := extractSQLVerb("COMMIT"); got != "COMMIT" {
		t.Errorf("extractSQLVerb() = %q, want COMMIT", got)
	}
}
