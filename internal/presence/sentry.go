package presence

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Fingerprint returns the SHA-1 digest of a machine-auth artifact. This
// is the value Steam expects back at logon, so the same artifact always
// yields the same sentry file contents.
func Fingerprint(artifact []byte) []byte {
	sum := sha1.Sum(artifact)
	return sum[:]
}

// ReadSentry loads the cached fingerprint. A missing file means this is
// the first logon from this machine and returns nil with no error.
func ReadSentry(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sentry %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// WriteSentry replaces the sentry file with fingerprint. The write goes
// to a temporary file that is synced and renamed into place, so a crash
// leaves either the old fingerprint or the new one.
func WriteSentry(path string, fingerprint []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create sentry directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temporary sentry file: %w", err)
	}

	if _, err := file.Write(fingerprint); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temporary sentry file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temporary sentry file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temporary sentry file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename sentry file into place: %w", err)
	}
	return nil
}
