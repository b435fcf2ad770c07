package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const versionLayout = "20060102150405"

var (
	fileNameRe    = regexp.MustCompile(`^(\d{14})_([a-z0-9_]+)\.sql$`)
	nameCleanupRe = regexp.MustCompile(`[^a-z0-9_]+`)
)

// File is one goose SQL migration on disk.
type File struct {
	Version int64
	Name    string
	Path    string
}

// ListDir returns the migrations in dir ordered by version. Badly named files,
// repeated versions and files missing a goose Up or Down section are errors.
func ListDir(dir string) ([]File, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir is required")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	files := make([]File, 0, len(entries))
	seen := map[int64]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m := fileNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", e.Name())
		}
		version, _ := strconv.ParseInt(m[1], 10, 64)
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %d in %q and %q", version, prev, e.Name())
		}
		seen[version] = e.Name()

		path := filepath.Join(dir, e.Name())
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read file %q: %w", path, err)
		}
		for _, marker := range []string{"-- +goose Up", "-- +goose Down"} {
			if !strings.Contains(string(body), marker) {
				return nil, fmt.Errorf("migration %q missing %q", e.Name(), marker)
			}
		}
		files = append(files, File{Version: version, Name: m[2], Path: path})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

// ValidateDir checks every migration file in dir.
func ValidateDir(dir string) error {
	_, err := ListDir(dir)
	return err
}

// Latest returns the highest version in dir, or 0 when there are none.
func Latest(dir string) (int64, error) {
	files, err := ListDir(dir)
	if err != nil || len(files) == 0 {
		return 0, err
	}
	return files[len(files)-1].Version, nil
}

// CreateSQLMigration writes an empty goose migration named
// <dir>/<YYYYMMDDHHMMSS>_<name>.sql. The version is bumped past the newest
// existing file so that migrations created in the same second still sort.
func CreateSQLMigration(dir, name string, now time.Time) (string, error) {
	safe := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
	safe = strings.Trim(nameCleanupRe.ReplaceAllString(safe, "_"), "_")
	if safe == "" {
		return "", fmt.Errorf("name %q results in empty sanitized filename", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	latest, err := Latest(dir)
	if err != nil {
		return "", err
	}
	version, _ := strconv.ParseInt(now.UTC().Format(versionLayout), 10, 64)
	if version <= latest {
		next, err := time.Parse(versionLayout, strconv.FormatInt(latest, 10))
		if err != nil {
			return "", fmt.Errorf("parse latest version %d: %w", latest, err)
		}
		version, _ = strconv.ParseInt(next.Add(time.Second).Format(versionLayout), 10, 64)
	}

	path := filepath.Join(dir, fmt.Sprintf("%d_%s.sql", version, safe))
	body := fmt.Sprintf(`-- +goose Up
-- +goose StatementBegin
-- %[1]s
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
-- rollback %[1]s
-- +goose StatementEnd
`, safe)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write migration %q: %w", path, err)
	}
	return path, nil
}
