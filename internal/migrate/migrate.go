// Package migrate applies numbered SQL migrations to a store backend.
//
// Migration files are named NNNN_name.sql. Each backend supplies an Executor
// that knows how to run SQL and where it records applied versions.
package migrate

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Migration is a single migration file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration is a migration already recorded by the backend.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Executor is the backend side of a migration run.
type Executor interface {
	// EnsureVersionTable creates the bookkeeping table if it is missing.
	EnsureVersionTable(ctx context.Context) error

	// AppliedMigrations lists recorded migrations in ascending version order.
	AppliedMigrations(ctx context.Context) ([]AppliedMigration, error)

	// Apply executes the migration and records it.
	Apply(ctx context.Context, m Migration, appliedBy string) error
}

// ErrChecksumMismatch is returned when an applied migration file was edited.
var ErrChecksumMismatch = errors.New("migrate: checksum mismatch")

var filenamePattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// ParseFilename extracts version and name from a migration file name.
func ParseFilename(filename string) (int, string, bool) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if matches == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, "", false
	}
	return version, matches[2], true
}

// Load reads every migration in the root of fsys, sorted by version.
// Placeholders such as {{DATASET_ID}} are replaced after the checksum is
// taken, so the same file checksums equally across environments.
func Load(fsys fs.FS, replacements map[string]string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("Load: reading migrations: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		version, name, ok := ParseFilename(entry.Name())
		if !ok {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("Load: version %04d used by %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("Load: reading %s: %w", entry.Name(), err)
		}

		sql := string(content)
		for placeholder, value := range replacements {
			sql = strings.ReplaceAll(sql, placeholder, value)
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			Filename: entry.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// Run applies every migration whose version is not yet recorded and returns
// how many were applied. A recorded migration whose checksum differs from the
// file stops the run before anything new is applied.
func Run(ctx context.Context, exec Executor, migrations []Migration, appliedBy string, log zerolog.Logger) (int, error) {
	if err := exec.EnsureVersionTable(ctx); err != nil {
		return 0, fmt.Errorf("Run: ensuring version table: %w", err)
	}

	applied, err := exec.AppliedMigrations(ctx)
	if err != nil {
		return 0, fmt.Errorf("Run: listing applied migrations: %w", err)
	}

	appliedByVersion := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		appliedByVersion[am.Version] = am
	}

	for _, m := range migrations {
		am, ok := appliedByVersion[m.Version]
		if ok && am.Checksum != "" && am.Checksum != m.Checksum {
			return 0, fmt.Errorf("Run: %s: %w", m.Filename, ErrChecksumMismatch)
		}
	}

	count := 0
	for _, m := range migrations {
		if _, ok := appliedByVersion[m.Version]; ok {
			log.Debug().Int("version", m.Version).Str("name", m.Name).Msg("Migration already applied")
			continue
		}

		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applying migration")
		if err := exec.Apply(ctx, m, appliedBy); err != nil {
			return count, fmt.Errorf("Run: applying %s: %w", m.Filename, err)
		}
		count++
	}

	if count == 0 {
		log.Info().Msg("No new migrations to apply")
	} else {
		log.Info().Int("applied", count).Msg("Migrations applied")
	}

	return count, nil
}
