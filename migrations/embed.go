// Package migrations embeds the bus's schema migrations and applies them
// with golang-migrate, grounded on correlator-io-correlator's embedded
// migration runner (its validate-then-apply shape, trimmed to the checks
// this repo's single migration set actually needs: filename format and
// up/down pairing, not multi-schema checksum tracking).
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// FS returns the embedded filesystem containing the migration files, for
// handing to golang-migrate's iofs source driver.
func FS() fs.FS {
	return embeddedMigrations
}

// list returns every embedded filename that matches the strict
// NNN_name.(up|down).sql naming convention, sorted lexicographically.
func list() ([]string, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, fmt.Errorf("migrations: read embedded directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".sql" && filenameRegex.MatchString(e.Name()) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Validate checks that every embedded file follows the naming convention
// and that every up migration has a matching down migration. It does not
// check for a gap-free sequence, since this repo ships a single migration
// and a second one would be an intentional addition, not a bug to flag.
func Validate() error {
	files, err := list()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("migrations: no embedded migration files found")
	}

	paired := make(map[string]map[string]bool)
	for _, f := range files {
		matches := filenameRegex.FindStringSubmatch(f)
		seq, err := strconv.Atoi(matches[1])
		if err != nil {
			return fmt.Errorf("migrations: invalid sequence in %s: %w", f, err)
		}
		key := fmt.Sprintf("%03d_%s", seq, matches[2])
		if paired[key] == nil {
			paired[key] = make(map[string]bool)
		}
		paired[key][matches[3]] = true
	}

	for key, directions := range paired {
		if !directions["up"] {
			return fmt.Errorf("migrations: %s is missing its .up.sql file", key)
		}
		if !directions["down"] {
			return fmt.Errorf("migrations: %s is missing its .down.sql file", key)
		}
	}
	return nil
}
