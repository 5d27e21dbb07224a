// Package catalog loads acquisition tasks from the JSON catalogs produced by
// the scraping collaborators. The core treats catalog files as opaque input:
// it only needs identifier, source URL and destination per entry.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nctb-archive/pdfgrab/internal/domain"
)

// CatalogFileName is the file name Discover looks for under the base dir.
const CatalogFileName = "catalog.json"

// ErrNoCatalog is returned when discovery finds no catalog files.
var ErrNoCatalog = errors.New("catalog: no catalog files found")

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("safe_url", validateSafeURL)
}

// entry is the on-disk shape of one catalog row.
type entry struct {
	ID          string `json:"id" validate:"required"`
	URL         string `json:"url" validate:"required,safe_url"`
	Destination string `json:"destination" validate:"required"`
	MinSize     int64  `json:"min_size,omitempty" validate:"gte=0"`
}

// Load reads a single catalog file and returns its tasks. Destination paths
// are resolved relative to the catalog file's directory and their final
// element is normalized for filesystem safety.
func Load(path string) ([]domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal catalog %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	tasks := make([]domain.Task, 0, len(entries))
	for i, e := range entries {
		if err := validate.Struct(e); err != nil {
			return nil, fmt.Errorf("catalog %s entry %d (%q): %w", path, i, e.ID, err)
		}

		dest := e.Destination
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(baseDir, dest)
		}
		dir, name := filepath.Split(dest)
		dest = filepath.Join(dir, NormalizeFilename(name))

		tasks = append(tasks, domain.Task{
			ID:          e.ID,
			SourceURL:   e.URL,
			Destination: dest,
			MinSize:     e.MinSize,
		})
	}

	return tasks, nil
}

// Discover walks baseDir for catalog files and merges their tasks. When the
// same identifier appears more than once, the first occurrence wins and the
// duplicate is logged.
func Discover(baseDir string) ([]domain.Task, error) {
	var files []string
	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == CatalogFileName {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", baseDir, err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoCatalog, baseDir)
	}

	slog.Info("catalog files discovered", "base_dir", baseDir, "count", len(files))

	seen := make(map[string]string)
	var tasks []domain.Task
	for _, file := range files {
		loaded, err := Load(file)
		if err != nil {
			return nil, err
		}
		for _, task := range loaded {
			if prev, dup := seen[task.ID]; dup {
				slog.Warn("duplicate task identifier, keeping first",
					"task_id", task.ID, "kept_from", prev, "dropped_from", file)
				continue
			}
			seen[task.ID] = file
			tasks = append(tasks, task)
		}
	}

	return tasks, nil
}

// filenameReplacements maps characters that break on common filesystems.
var filenameReplacements = map[rune]string{
	'?': "", '"': "",
	'/': "_", '\\': "_", ':': "_", '*': "_",
	'<': "_", '>': "_", '|': "_",
	'\n': "_", '\r': "_", '\t': "_",
}

// NormalizeFilename makes a catalog-provided file name safe for the local
// filesystem and collapses runs of whitespace. Non-ASCII names (the catalogs
// are largely Bengali) pass through untouched.
func NormalizeFilename(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		if repl, ok := filenameReplacements[r]; ok {
			b.WriteString(repl)
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func validateSafeURL(fl validator.FieldLevel) bool {
	urlStr := fl.Field().String()

	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if u.Host == "" {
		return false
	}

	host := u.Hostname()

	forbiddenHosts := []string{
		"localhost",
		"127.0.0.1",
		"::1",
		"0.0.0.0",
		"169.254.169.254",
	}

	for _, forbidden := range forbiddenHosts {
		if strings.EqualFold(host, forbidden) {
			return false
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsPrivate() || ip.IsLoopback() {
			return false
		}
	}

	return true
}
