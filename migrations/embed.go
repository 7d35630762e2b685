// Package migrations embeds the browser_events schema migrations and runs them with golang-migrate.
//
// The SQL files are compiled into every binary that imports this package, so the server can
// provision its own schema at boot and the migrator CLI needs no files on disk.
package migrations

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

const (
	directionUp   = "up"
	directionDown = "down"
)

var (
	// ErrNoMigrations is returned when the filesystem holds no well-formed migration files.
	ErrNoMigrations = errors.New("no embedded migration files found")

	// ErrInvalidFilename is returned for names not matching 001_name.(up|down).sql.
	ErrInvalidFilename = errors.New("invalid migration filename")

	// ErrUnpairedMigration is returned when an up file has no down file or the reverse.
	ErrUnpairedMigration = errors.New("orphaned migration")

	// ErrSequenceGap is returned when versions do not start at 001 or skip a number.
	ErrSequenceGap = errors.New("gap in migration sequence")

	// ErrChecksumMismatch is returned when a file changed after it was first validated.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

//go:embed *.sql
var embedded embed.FS

// 001_create_browser_events.up.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// MigrationInfo is the parsed form of a migration filename.
type MigrationInfo struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// EmbeddedMigration validates a set of migration files before they are handed to golang-migrate.
// Checksums recorded by the first successful validation are compared on every later one, which
// catches a filesystem that changed underneath a long-running process.
type EmbeddedMigration struct {
	fs        fs.FS
	checksums map[string]string
}

// FS returns the migrations compiled into the binary.
func FS() fs.FS {
	return embedded
}

// NewEmbeddedMigration wraps filesystem. Pass nil to use the embedded migrations.
func NewEmbeddedMigration(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		filesystem = embedded
	}

	return &EmbeddedMigration{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FileSystem returns the filesystem the migrations are read from.
func (e *EmbeddedMigration) FileSystem() fs.FS {
	return e.fs
}

// List returns the well-formed migration filenames in lexical order, which is also apply order
// because sequences are zero-padded. Files with any other name are ignored.
func (e *EmbeddedMigration) List() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	files := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !migrationFilenameRegex.MatchString(entry.Name()) {
			continue
		}

		files = append(files, entry.Name())
	}

	sort.Strings(files)

	return files, nil
}

// Content returns the raw SQL of one migration file.
func (e *EmbeddedMigration) Content(filename string) ([]byte, error) {
	return fs.ReadFile(e.fs, filename)
}

// Validate checks pairing, sequence and checksums of every migration file.
func (e *EmbeddedMigration) Validate() error {
	files, err := e.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	infos := make([]*MigrationInfo, 0, len(files))

	for _, file := range files {
		info, err := ParseFilename(file)
		if err != nil {
			return err
		}

		infos = append(infos, info)
	}

	if err := validatePairing(infos); err != nil {
		return err
	}

	if err := validateSequence(infos); err != nil {
		return err
	}

	current := make(map[string]string, len(files))

	for _, file := range files {
		content, err := e.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		sum := checksum(content)
		if stored, ok := e.checksums[file]; ok && stored != sum {
			return fmt.Errorf("%w for %s: file has been modified", ErrChecksumMismatch, file)
		}

		current[file] = sum
	}

	for file, sum := range current {
		e.checksums[file] = sum
	}

	return nil
}

// LatestVersion returns the highest sequence number available, or 0 when none can be read.
func (e *EmbeddedMigration) LatestVersion() int {
	files, err := e.List()
	if err != nil {
		return 0
	}

	latest := 0

	for _, file := range files {
		if info, err := ParseFilename(file); err == nil && info.Sequence > latest {
			latest = info.Sequence
		}
	}

	return latest
}

// ParseFilename splits a migration filename into its sequence, name and direction.
func ParseFilename(filename string) (*MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 { //nolint:mnd // full match plus three groups
		return nil, fmt.Errorf("%w: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad sequence in %s: %w", ErrInvalidFilename, filename, err)
	}

	return &MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func validatePairing(infos []*MigrationInfo) error {
	directions := make(map[string]map[string]bool)
	keys := make([]string, 0, len(infos))

	for _, info := range infos {
		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
			keys = append(keys, key)
		}

		directions[key][info.Direction] = true
	}

	for _, key := range keys {
		switch {
		case !directions[key][directionUp]:
			return fmt.Errorf("%w: missing up migration for %s", ErrUnpairedMigration, key)
		case !directions[key][directionDown]:
			return fmt.Errorf("%w: missing down migration for %s", ErrUnpairedMigration, key)
		}
	}

	return nil
}

func validateSequence(infos []*MigrationInfo) error {
	seen := make(map[int]bool)
	sequences := make([]int, 0, len(infos))

	for _, info := range infos {
		if !seen[info.Sequence] {
			seen[info.Sequence] = true
			sequences = append(sequences, info.Sequence)
		}
	}

	sort.Ints(sequences)

	if len(sequences) > 0 && sequences[0] != 1 {
		return fmt.Errorf("%w: should start with 001, found %03d", ErrSequenceGap, sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if sequences[i] != sequences[i-1]+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, sequences[i-1]+1, sequences[i])
		}
	}

	return nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)

	return hex.EncodeToString(sum[:])
}
