package mirror

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	statusFile = "status"
	jsonDir    = "json"
	webDir     = "web"
)

// validatePath validates that a path is safe for use within the storage directory.
// It rejects empty paths, absolute paths and parent directory references.
func validatePath(path string) error {
	if path == "" {
		return errors.New("unsafe path (empty)")
	}
	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return errors.New("unsafe path (contains directory traversal): " + path)
	}
	if filepath.IsAbs(cleanPath) {
		return errors.New("unsafe path (absolute path not allowed): " + path)
	}
	return nil
}

// Storage manages the directory tree of a PyPI mirror.
//
// The tree holds json/<name> metadata documents, downloaded files under
// web/, and the status file with the serial the mirror is consistent with.
type Storage struct {
	dir string
}

// NewStorage constructs Storage.
//
// dir must be an absolute path to an existing directory.
func NewStorage(dir string) (*Storage, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("none absolute: " + dir)
	}

	dir = filepath.Clean(dir)
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsDir() {
		return nil, errors.New("not a directory: " + dir)
	}
	return &Storage{dir: dir}, nil
}

// Dir returns the directory of the Storage.
func (s *Storage) Dir() string {
	return s.dir
}

// Path returns the absolute path of rel inside the storage.
func (s *Storage) Path(rel string) (string, error) {
	if err := validatePath(rel); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.Clean(rel)), nil
}

// TempFile creates an empty temporary file next to rel, so that Commit
// can rename it into place on the same filesystem. The caller owns the
// returned path and must Commit or remove it.
func (s *Storage) TempFile(rel string) (string, error) {
	p, err := s.Path(rel)
	if err != nil {
		return "", err
	}
	d := filepath.Dir(p)
	if err := os.MkdirAll(d, 0750); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(d, "._tmp."+filepath.Base(p)+".")
	if err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Commit atomically moves the temporary file tmp to rel.
func (s *Storage) Commit(tmp, rel string) error {
	p, err := s.Path(rel)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		return errors.Wrapf(err, "commit %s", rel)
	}
	return DirSync(filepath.Dir(p))
}

// WriteFile atomically replaces rel with data.
func (s *Storage) WriteFile(rel string, data []byte) error {
	tmp, err := s.TempFile(rel)
	if err != nil {
		return errors.Wrapf(err, "WriteFile %s", rel)
	}

	err = func() error {
		f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_TRUNC, 0644) // #nosec G304 - tmp is created by TempFile
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}()
	if err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "WriteFile %s", rel)
	}
	return s.Commit(tmp, rel)
}

// ReadFile returns the contents of rel.
func (s *Storage) ReadFile(rel string) ([]byte, error) {
	p, err := s.Path(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p) // #nosec G304 - path validated
}

// Exists reports whether rel exists and, if so, its size.
func (s *Storage) Exists(rel string) (bool, int64, error) {
	p, err := s.Path(rel)
	if err != nil {
		return false, 0, err
	}
	st, err := os.Stat(p)
	switch {
	case os.IsNotExist(err):
		return false, 0, nil
	case err != nil:
		return false, 0, err
	}
	return true, st.Size(), nil
}

// Remove deletes rel. A missing file is not an error.
func (s *Storage) Remove(rel string) error {
	p, err := s.Path(rel)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadSerial returns the serial recorded by the last complete sync, or 0
// when the mirror has never been synchronized.
func (s *Storage) ReadSerial() (int64, error) {
	data, err := s.ReadFile(statusFile)
	switch {
	case os.IsNotExist(err):
		return 0, nil
	case err != nil:
		return 0, err
	}
	serial, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt %s file", statusFile)
	}
	return serial, nil
}

// WriteSerial records serial as the mirror's consistency point.
func (s *Storage) WriteSerial(serial int64) error {
	return s.WriteFile(statusFile, []byte(strconv.FormatInt(serial, 10)+"\n"))
}

// MetadataPath returns the storage path of the JSON document of a project.
func MetadataPath(name string) string {
	return filepath.Join(jsonDir, name)
}
