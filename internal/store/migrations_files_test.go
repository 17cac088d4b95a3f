package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(Migrations(), ".")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			t.Fatalf("unexpected migration file name %q", entry.Name())
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestMigrationFilesSortInApplyOrder(t *testing.T) {
	files, err := migrationFiles(Migrations(), ".up.sql")
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected several migrations, got %v", files)
	}
	if !strings.HasPrefix(files[0], "0001_") {
		t.Fatalf("expected 0001 first, got %v", files)
	}
}

func TestEveryTableHasADownDrop(t *testing.T) {
	createTable := regexp.MustCompile(`CREATE TABLE (\w+)`)
	ups, err := migrationFiles(Migrations(), ".up.sql")
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	for _, up := range ups {
		upSQL, err := fs.ReadFile(Migrations(), up)
		if err != nil {
			t.Fatalf("read %s: %v", up, err)
		}
		downSQL, err := fs.ReadFile(Migrations(), strings.Replace(up, ".up.sql", ".down.sql", 1))
		if err != nil {
			t.Fatalf("read down for %s: %v", up, err)
		}
		for _, match := range createTable.FindAllStringSubmatch(string(upSQL), -1) {
			if !strings.Contains(string(downSQL), "DROP TABLE IF EXISTS "+match[1]) {
				t.Errorf("%s creates %s but its down migration never drops it", up, match[1])
			}
		}
	}
}
