package snapshot

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mholt/archiver/v3"
)

// Format is an archive format.
type Format string

const (
	GzipTar  Format = "gztar"
	Bzip2Tar Format = "bztar"
	Zip      Format = "zip"
)

// ParseFormat accepts the configured format names.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return GzipTar, nil
	case GzipTar, Bzip2Tar, Zip:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported snapshot format %q", s)
	}
}

// Ext returns the file extension including the leading dot.
func (f Format) Ext() string {
	switch f {
	case Bzip2Tar:
		return ".tar.bz2"
	case Zip:
		return ".zip"
	default:
		return ".tar.gz"
	}
}

// FormatOf guesses the format from a file name.
func FormatOf(name string) (Format, bool) {
	for _, f := range []Format{GzipTar, Bzip2Tar, Zip} {
		if strings.HasSuffix(name, f.Ext()) {
			return f, true
		}
	}
	return "", false
}

func (f Format) writer() archiver.Writer {
	switch f {
	case Bzip2Tar:
		return archiver.NewTarBz2()
	case Zip:
		return archiver.NewZip()
	default:
		return archiver.NewTarGz()
	}
}

func (f Format) reader() archiver.Reader {
	switch f {
	case Bzip2Tar:
		return archiver.NewTarBz2()
	case Zip:
		return archiver.NewZip()
	default:
		return archiver.NewTarGz()
	}
}

// MemberName returns the full path of an archive member without a
// trailing slash.
func MemberName(f archiver.File) string {
	name := f.Name()
	switch h := f.Header.(type) {
	case *tar.Header:
		name = h.Name
	case zip.FileHeader:
		name = h.Name
	}
	return strings.TrimSuffix(strings.ReplaceAll(name, "\\", "/"), "/")
}

// entryInfo describes a member written to an archive.
type entryInfo struct {
	name  string
	size  int64
	mode  os.FileMode
	mtime time.Time
}

func (e entryInfo) Name() string       { return e.name }
func (e entryInfo) Size() int64        { return e.size }
func (e entryInfo) Mode() os.FileMode  { return e.mode }
func (e entryInfo) ModTime() time.Time { return e.mtime }
func (e entryInfo) IsDir() bool        { return e.mode.IsDir() }
func (e entryInfo) Sys() any           { return nil }

func dirInfo(name string, mtime time.Time) entryInfo {
	return entryInfo{name: name, mode: os.ModeDir | 0o755, mtime: mtime}
}

func fileInfo(name string, size int64, executable bool, mtime time.Time) entryInfo {
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	return entryInfo{name: name, size: size, mode: mode, mtime: mtime}
}
