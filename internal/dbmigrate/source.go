// Package dbmigrate discovers ordered SQL migration files and applies each
// one as a single transaction through the engine abstraction.
package dbmigrate

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/500Foods/Philement-sub001/internal/errs"
)

// Migration is one discovered migration file.
type Migration struct {
	// Name is the file name, e.g. "0001_create_tables.sql". Ordering is
	// lexicographic over names.
	Name string
	SQL  string
}

// Source lists and loads migration files. Implementations: DirSource for a
// local directory, ObjectSource for a MinIO bucket.
type Source interface {
	// Migrations returns all migration files in apply order.
	Migrations(ctx context.Context) ([]Migration, error)
}

// migrationName matches NNNN_description.sql.
var migrationName = regexp.MustCompile(`^\d{4}_[\w-]+\.sql$`)

// DirSource reads migrations from a filesystem directory. Files not
// matching the NNNN_name.sql pattern are ignored.
type DirSource struct {
	Dir string
}

// Migrations lists matching files sorted by name and loads their contents.
func (s DirSource) Migrations(_ context.Context) ([]Migration, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrKindNotFound, "read migrations directory")
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !migrationName.MatchString(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.Dir, name))
		if err != nil {
			return nil, errs.Wrap(err, errs.ErrKindUnknown, "read migration file")
		}
		sql := strings.TrimSpace(string(data))
		if sql == "" {
			continue
		}
		out = append(out, Migration{Name: name, SQL: sql})
	}
	return out, nil
}
