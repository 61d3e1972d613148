package snapshot

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrIntegrity marks an archive whose checksum file is missing, malformed
// or does not match.
var ErrIntegrity = errors.New("snapshot integrity check failed")

const checksumExt = ".md5"

func checksumPath(archive string) string {
	return archive + checksumExt
}

func digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeChecksum stores "<hex>  <basename>" next to the archive.
func writeChecksum(archive string) error {
	sum, err := digest(archive)
	if err != nil {
		return errors.Wrapf(err, "failed to hash %s", archive)
	}
	line := fmt.Sprintf("%s  %s", sum, filepath.Base(archive))
	return os.WriteFile(checksumPath(archive), []byte(line), 0o644)
}

// verifyChecksum returns ErrIntegrity unless the sibling checksum file
// names the archive and matches its content.
func verifyChecksum(archive string) error {
	data, err := os.ReadFile(checksumPath(archive))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrIntegrity, "%s: missing checksum", filepath.Base(archive))
		}
		return err
	}

	want, name, ok := strings.Cut(strings.TrimRight(string(data), "\r\n"), "  ")
	if !ok || len(want) != md5.Size*2 || name != filepath.Base(archive) {
		return errors.Wrapf(ErrIntegrity, "%s: malformed checksum", filepath.Base(archive))
	}

	got, err := digest(archive)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return errors.Wrapf(ErrIntegrity, "%s: checksum mismatch", filepath.Base(archive))
	}
	return nil
}
