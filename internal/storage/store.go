package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cutout/internal/models"
)

// ErrNotFound is returned when no artifact matches a lookup.
var ErrNotFound = errors.New("artifact not found")

// IOError reports a failed disk operation on a scratch directory.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// StoredPath is the location of an artifact inside one of the scratch directories.
type StoredPath string

// Name returns the file name part of the path.
func (p StoredPath) Name() string { return filepath.Base(string(p)) }

// Store owns the incoming and processed scratch directories. Nothing else in
// the service touches them. It does no locking; single file operations are
// relied on to be atomic.
type Store struct {
	dirs   map[models.Role]string
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a store over the two scratch directories.
func New(inputDir, outputDir string, logger zerolog.Logger) *Store {
	return &Store{
		dirs: map[models.Role]string{
			models.RoleInput:  inputDir,
			models.RoleOutput: outputDir,
		},
		logger: logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}
}

// Dir returns the directory backing a role.
func (s *Store) Dir(role models.Role) string {
	return s.dirs[role]
}

// EnsureDirs creates both scratch directories if they are missing.
func (s *Store) EnsureDirs() error {
	for _, role := range []models.Role{models.RoleInput, models.RoleOutput} {
		dir, err := s.dir(role)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return nil
}

// Put writes r to <role-dir>/<name>. The data lands in a hidden temp file
// first and is renamed into place, so a failed write never leaves a file a
// lookup could match.
func (s *Store) Put(role models.Role, id models.ArtifactID, ext string, r io.Reader) (StoredPath, int64, error) {
	dir, err := s.dir(role)
	if err != nil {
		return "", 0, err
	}
	if !validID(id) {
		return "", 0, fmt.Errorf("invalid artifact id %q", id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	final := filepath.Join(dir, role.FileName(id, ext))

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", 0, &IOError{Op: "create", Path: dir, Err: err}
	}
	written, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		s.discard(tmp.Name())
		if copyErr != nil {
			// read side failures belong to the caller's source, not the disk
			if isWriteErr(copyErr, tmp.Name()) {
				return "", written, &IOError{Op: "write", Path: final, Err: copyErr}
			}
			return "", written, fmt.Errorf("copy into %s: %w", final, copyErr)
		}
		return "", written, &IOError{Op: "close", Path: final, Err: closeErr}
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		s.discard(tmp.Name())
		return "", written, &IOError{Op: "rename", Path: final, Err: err}
	}
	s.logger.Debug().Str("role", string(role)).Str("path", final).Int64("bytes", written).Msg("artifact stored")
	return StoredPath(final), written, nil
}

// FindByIDPrefix returns the first entry of the role directory, in listing
// order, whose name is the id followed by end of name, '.' or '_'.
func (s *Store) FindByIDPrefix(role models.Role, id models.ArtifactID) (StoredPath, error) {
	dir, err := s.dir(role)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrNotFound
	}
	entries, err := readDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", &IOError{Op: "list", Path: dir, Err: err}
	}
	for _, entry := range entries {
		if entry.IsDir() || !matchesID(entry.Name(), id) {
			continue
		}
		return StoredPath(filepath.Join(dir, entry.Name())), nil
	}
	return "", ErrNotFound
}

// Open opens an artifact for reading and reports its size.
func (s *Store) Open(path StoredPath) (io.ReadCloser, int64, error) {
	f, err := os.Open(string(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, &IOError{Op: "open", Path: string(path), Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, &IOError{Op: "stat", Path: string(path), Err: err}
	}
	return f, info.Size(), nil
}

// Delete removes an artifact. Deleting a missing file is not an error.
func (s *Store) Delete(path StoredPath) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(string(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "remove", Path: string(path), Err: err}
	}
	return nil
}

// SweepOlderThan deletes every entry of the role directory last modified at
// or before now-maxAge and returns how many were removed. Entries that vanish
// mid-sweep are skipped; other failures are logged and the sweep continues.
func (s *Store) SweepOlderThan(role models.Role, maxAge time.Duration) (int, error) {
	dir, err := s.dir(role)
	if err != nil {
		return 0, err
	}
	entries, err := readDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, &IOError{Op: "list", Path: dir, Err: err}
	}
	cutoff := s.cutoff(maxAge)
	deleted := 0
	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn().Err(err).Str("name", entry.Name()).Msg("stat during sweep failed")
			}
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			s.logger.Warn().Err(err).Str("path", path).Msg("sweep remove failed")
			if firstErr == nil {
				firstErr = &IOError{Op: "remove", Path: path, Err: err}
			}
			continue
		}
		deleted++
	}
	return deleted, firstErr
}

// List returns the entry names of a role directory.
func (s *Store) List(role models.Role) ([]string, error) {
	dir, err := s.dir(role)
	if err != nil {
		return nil, err
	}
	entries, err := readDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &IOError{Op: "list", Path: dir, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (s *Store) cutoff(maxAge time.Duration) time.Time {
	if maxAge < 0 {
		maxAge = 0
	}
	now := s.now()
	cutoff := now.Add(-maxAge)
	if cutoff.After(now) {
		// overflowed; nothing is that old
		return time.Time{}
	}
	return cutoff
}

func (s *Store) dir(role models.Role) (string, error) {
	dir, ok := s.dirs[role]
	if !ok || dir == "" {
		return "", fmt.Errorf("unknown artifact role %q", role)
	}
	return dir, nil
}

func (s *Store) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn().Err(err).Str("path", path).Msg("remove partial artifact failed")
	}
}

// readDir lists a directory without sorting, so lookups see the filesystem's
// own listing order.
func readDir(dir string) ([]fs.DirEntry, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.ReadDir(-1)
}

func matchesID(name string, id models.ArtifactID) bool {
	rest, ok := strings.CutPrefix(name, string(id))
	if !ok {
		return false
	}
	return rest == "" || rest[0] == '.' || rest[0] == '_'
}

func validID(id models.ArtifactID) bool {
	s := string(id)
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`) && !strings.HasPrefix(s, ".")
}

func isWriteErr(err error, path string) bool {
	var pathErr *fs.PathError
	return errors.As(err, &pathErr) && pathErr.Path == path
}
