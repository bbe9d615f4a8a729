package postgres

import (
	"io/fs"
	"strings"
	"testing"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{"explicit", ClientConfig{DSN: "postgres://x@y/z", Host: "ignored"}, "postgres://x@y/z"},
		{"defaults", ClientConfig{Host: "db", Database: "foresight", User: "u", Password: "p"}, "postgres://u:p@db:5432/foresight?sslmode=disable"},
		{"tls", ClientConfig{Host: "db", Port: 6432, Database: "f", User: "u", Password: "p", SSLMode: "require"}, "postgres://u:p@db:6432/f?sslmode=require"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Fatalf("DSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMigrationsCreateEveryTable(t *testing.T) {
	var all strings.Builder
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := migrationsFS.ReadFile(path)
		all.Write(b)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"event_log", "checkpoints", "settlement_intents", "audit_log"} {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("no migration creates %s", table)
		}
	}
	for _, col := range strings.Split(intentColumns, ",") {
		col = strings.TrimSuffix(strings.TrimSpace(col), "::text")
		if !strings.Contains(all.String(), col+" ") {
			t.Errorf("intent column %s is not created by any migration", col)
		}
	}
}
