package fetch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/teranos/reel/am"
	"github.com/teranos/reel/errors"
)

// maxCollisionAttempts bounds the disambiguator search.
const maxCollisionAttempts = 10000

// ResolveCollision returns the first path among name.ext, name (1).ext,
// name (2).ext ... that does not exist. The answer can be stale by the time
// it is used; moveIntoPlace re-checks when it claims the name.
func ResolveCollision(path string) string {
	for n := 0; n < maxCollisionAttempts; n++ {
		candidate := candidatePath(path, n)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return candidatePath(path, maxCollisionAttempts)
}

func candidatePath(path string, n int) string {
	if n == 0 {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s (%d)%s", stem, n, ext)
}

// moveIntoPlace renames src to the first free variant of dest. Each
// candidate is claimed with O_EXCL before the rename, so two workers writing
// the same title into one directory never overwrite each other.
func moveIntoPlace(src, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), am.DefaultDirPermissions); err != nil {
		return "", errors.Wrapf(err, "failed to create destination directory for %s", dest)
	}

	for n := 0; n < maxCollisionAttempts; n++ {
		candidate := candidatePath(dest, n)

		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, am.DefaultFilePermissions)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", errors.Wrapf(err, "failed to claim %s", candidate)
		}
		f.Close()

		if err := os.Rename(src, candidate); err != nil {
			os.Remove(candidate)
			return "", errors.Wrapf(err, "failed to move %s to %s", src, candidate)
		}
		return candidate, nil
	}

	return "", errors.Newf("no free name for %s after %d attempts", dest, maxCollisionAttempts)
}
