package fsx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	lockWaitLimit  = 30 * time.Second
	lockRetryDelay = 10 * time.Millisecond
	lockStaleAge   = 2 * time.Minute
)

// AppendLineLocked appends one record to a line-oriented file under a
// sidecar lock so concurrent processes never interleave partial lines.
// The trailing newline is added here and the file is fsynced before the
// lock is released.
func AppendLineLocked(path string, line []byte, mode os.FileMode) error {
	cleanPath, err := usablePath(path)
	if err != nil {
		return err
	}
	parent := filepath.Dir(cleanPath)
	if parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return fmt.Errorf("create append directory: %w", err)
		}
	}

	record := make([]byte, 0, len(line)+1)
	record = append(record, line...)
	record = append(record, '\n')

	if err := underSidecarLock(cleanPath, func() error {
		// #nosec G304 -- append path is validated local relative or absolute.
		file, openErr := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
		if openErr != nil {
			return fmt.Errorf("open append file: %w", openErr)
		}
		defer func() {
			_ = file.Close()
		}()
		if _, writeErr := file.Write(record); writeErr != nil {
			return fmt.Errorf("append file line: %w", writeErr)
		}
		if syncErr := file.Sync(); syncErr != nil {
			return fmt.Errorf("sync append file: %w", syncErr)
		}
		return nil
	}); err != nil {
		return err
	}

	if parent != "." && parent != "" {
		// #nosec G304 -- parent is derived from the validated append path.
		if dirHandle, err := os.Open(parent); err == nil {
			_ = dirHandle.Sync()
			_ = dirHandle.Close()
		}
	}
	return nil
}

// underSidecarLock takes <path>.lock via O_EXCL creation, retrying until
// lockWaitLimit. A lock file older than lockStaleAge is treated as left
// behind by a dead process and removed.
func underSidecarLock(path string, fn func() error) error {
	lockPath := path + ".lock"
	started := time.Now()
	for {
		// #nosec G304 -- lock path is derived from a validated append path.
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = lockFile.Close()
			defer func() {
				_ = os.Remove(lockPath)
			}()
			return fn()
		}
		if !lockHeldByOther(err, lockPath) {
			return fmt.Errorf("acquire append lock: %w", err)
		}
		if lockIsStale(lockPath, time.Now().UTC()) {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Since(started) >= lockWaitLimit {
			return fmt.Errorf("append lock timeout")
		}
		time.Sleep(lockRetryDelay)
	}
}

func lockHeldByOther(acquireErr error, lockPath string) bool {
	if os.IsExist(acquireErr) {
		return true
	}
	// Some filesystems report EACCES instead of EEXIST for O_EXCL loss.
	if !os.IsPermission(acquireErr) {
		return false
	}
	_, statErr := os.Stat(lockPath)
	return statErr == nil
}

func lockIsStale(lockPath string, now time.Time) bool {
	// #nosec G304 -- lock path is derived from a validated append path.
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime().UTC()) > lockStaleAge
}

// usablePath accepts clean local-relative or absolute paths and rejects
// anything that escapes upward, since append targets come from config.
func usablePath(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if filepath.IsLocal(cleanPath) {
		return cleanPath, nil
	}
	if strings.HasPrefix(cleanPath, string(filepath.Separator)) {
		return cleanPath, nil
	}
	if volume := filepath.VolumeName(cleanPath); volume != "" && strings.HasPrefix(cleanPath, volume+string(filepath.Separator)) {
		return cleanPath, nil
	}
	return "", fmt.Errorf("path must be local relative or absolute")
}
