package snapshot

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Unpack extracts the snapshot archive at src into dest. The leading
// "{config}_r{rev}/" directory of every member is stripped.
func Unpack(src, dest string) (int, error) {
	format, ok := FormatOf(src)
	if !ok {
		return 0, errors.Errorf("unknown snapshot format: %s", filepath.Base(src))
	}

	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	r := format.reader()
	if err := r.Open(f, info.Size()); err != nil {
		return 0, errors.Wrapf(err, "failed to open snapshot %s", filepath.Base(src))
	}
	defer r.Close()

	files := 0
	for {
		member, err := r.Read()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, errors.Wrapf(err, "failed to read snapshot %s", filepath.Base(src))
		}

		wrote, err := extract(member.IsDir(), member.Mode(), MemberName(member), member.ReadCloser, dest)
		if member.ReadCloser != nil {
			member.Close()
		}
		if err != nil {
			return files, err
		}
		if wrote {
			files++
		}
	}
}

func extract(dir bool, mode os.FileMode, name string, content io.Reader, dest string) (bool, error) {
	_, rel, found := strings.Cut(name, "/")
	if !found || rel == "" {
		return false, nil
	}
	rel = path.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return false, errors.Errorf("snapshot member escapes target: %s", name)
	}
	target := filepath.Join(dest, filepath.FromSlash(rel))

	if dir {
		return false, os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, err
	}

	perm := os.FileMode(0o644)
	if mode&0o111 != 0 {
		perm = 0o755
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(out, content); err != nil {
		out.Close()
		return false, err
	}
	return true, out.Close()
}
