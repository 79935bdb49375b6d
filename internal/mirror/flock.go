package mirror

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Flock holds an exclusive advisory lock on an open file.
type Flock struct {
	File *os.File
}

// Lock acquires the lock without blocking. It fails if another process,
// or another open file description in this process, holds it.
func (f Flock) Lock() error {
	err := unix.Flock(int(f.File.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		return errors.Wrapf(err, "flock %s", f.File.Name())
	}
	return nil
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return unix.Flock(int(f.File.Fd()), unix.LOCK_UN)
}
