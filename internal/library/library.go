// Package library describes and lists finished recordings in the output
// directory.
package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// TimeFormat is ISO-8601 UTC with millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z"

const filePrefix = "record_"

var ErrNotFound = errors.New("recording not found")

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Recording is the metadata of one finished recording.
type Recording struct {
	ID         string    `json:"id"`
	FilePath   string    `json:"filePath"`
	FileName   string    `json:"fileName"`
	DurationMs int64     `json:"durationMs"`
	SizeBytes  int64     `json:"sizeBytes"`
	CreatedAt  time.Time `json:"-"`
}

func (r Recording) MarshalJSON() ([]byte, error) {
	type alias Recording
	return json.Marshal(struct {
		alias
		CreatedAt string `json:"createdAt"`
	}{alias(r), FormatTime(r.CreatedAt)})
}

// Size returns the file size in human readable form.
func (r Recording) Size() string {
	return formatBytes(r.SizeBytes)
}

// Duration returns the recording length.
func (r Recording) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// Store manages recordings with one extension in one directory.
type Store struct {
	fs  afero.Fs
	dir string
	ext string

	probe func(path string) (time.Duration, error)
}

func NewStore(fs afero.Fs, dir, ext string) *Store {
	return &Store{
		fs:    fs,
		dir:   dir,
		ext:   strings.TrimPrefix(strings.ToLower(ext), "."),
		probe: probeDuration,
	}
}

func (s *Store) Fs() afero.Fs {
	return s.fs
}

func (s *Store) Dir() string {
	return s.dir
}

// NewRecordingPath creates the output directory if needed and returns a
// fresh record_<8 chars>.<ext> path inside it.
func (s *Store) NewRecordingPath() (string, error) {
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	name := fmt.Sprintf("%s%s.%s", filePrefix, uuid.NewString()[:8], s.ext)
	return filepath.Join(s.dir, name), nil
}

// Describe stats path and builds its metadata. A missing file yields
// ErrNotFound.
func (s *Store) Describe(path string) (*Recording, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	return s.describe(path, info), nil
}

func (s *Store) describe(path string, info os.FileInfo) *Recording {
	name := filepath.Base(path)
	rec := &Recording{
		ID:        strings.TrimSuffix(name, filepath.Ext(name)),
		FilePath:  path,
		FileName:  name,
		SizeBytes: info.Size(),
		CreatedAt: info.ModTime(),
	}

	var (
		d   time.Duration
		err error
	)
	if strings.EqualFold(filepath.Ext(name), ".wav") {
		d, err = wavDuration(s.fs, path)
	} else {
		d, err = s.probe(path)
	}
	if err != nil {
		slog.Debug("Could not determine recording duration", "file", name, "error", err)
	} else {
		rec.DurationMs = d.Milliseconds()
	}
	return rec
}

// List returns all recordings, newest first. A missing directory is an
// empty library.
func (s *Store) List() ([]*Recording, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*Recording{}, nil
		}
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	recordings := make([]*Recording, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !s.owns(entry.Name()) {
			continue
		}
		recordings = append(recordings, s.describe(filepath.Join(s.dir, entry.Name()), entry))
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].CreatedAt.After(recordings[j].CreatedAt)
	})
	return recordings, nil
}

// Find looks a recording up by id.
func (s *Store) Find(id string) (*Recording, error) {
	if !validName(id) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	return s.Describe(filepath.Join(s.dir, id+"."+s.ext))
}

// Resolve returns the path of fileName inside the library, refusing names
// that would escape the directory.
func (s *Store) Resolve(fileName string) (string, error) {
	if !validName(fileName) || !s.owns(fileName) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, fileName)
	}
	path := filepath.Join(s.dir, fileName)
	if _, err := s.fs.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, fileName)
	}
	return path, nil
}

func (s *Store) owns(name string) bool {
	return strings.EqualFold(filepath.Ext(name), "."+s.ext)
}

func validName(name string) bool {
	return name != "" && !strings.Contains(name, "..") && !strings.ContainsAny(name, `/\`)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
