package snapshot

import (
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bitten-ci/bitten/internal/vcs"
	"github.com/bitten-ci/bitten/pkg/log"
	"github.com/mholt/archiver/v3"
	"github.com/pkg/errors"
)

// closest picks the indexed archive nearest to rev in history.
func (m *Manager) closest(rev string, bases []entry) *entry {
	var (
		best    *entry
		nearest = -1
	)
	for i := range bases {
		d := vcs.Distance(m.repo, rev, bases[i].rev)
		if d < 0 {
			continue
		}
		if nearest < 0 || d < nearest {
			best, nearest = &bases[i], d
		}
	}
	return best
}

func (m *Manager) build(rev string, base *entry) (string, error) {
	root, err := m.repo.Node(m.opts.Path, rev)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve %s@%s", m.opts.Path, rev)
	}
	if !root.Dir {
		return "", errors.Errorf("%s@%s is not a directory", m.opts.Path, rev)
	}

	var (
		dirs  []*vcs.Node
		files = map[string]*vcs.Node{}
		order []string
	)
	err = vcs.Walk(m.repo, root, func(n *vcs.Node) error {
		if n.Dir {
			dirs = append(dirs, n)
		} else {
			files[n.Path] = n
			order = append(order, n.Path)
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to walk repository")
	}

	mtime, err := m.repo.RevTime(rev)
	if err != nil || mtime.IsZero() {
		mtime = time.Now()
	}

	dest := m.archivePath(rev)
	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", errors.Wrap(err, "failed to create snapshot")
	}

	p := &packer{
		m:      m,
		root:   root,
		stem:   m.stem(rev),
		mtime:  mtime,
		files:  files,
		copied: map[string]bool{},
		w:      m.opts.Format.writer(),
	}
	err = p.pack(out, dirs, order, base)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", errors.Wrapf(err, "failed to pack %s", m.stem(rev))
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", errors.Wrap(err, "failed to store snapshot")
	}
	if err := writeChecksum(dest); err != nil {
		_ = os.Remove(dest)
		return "", err
	}
	return dest, nil
}

type packer struct {
	m      *Manager
	root   *vcs.Node
	stem   string
	mtime  time.Time
	files  map[string]*vcs.Node
	copied map[string]bool
	w      archiver.Writer
}

func (p *packer) member(repoPath string) string {
	rel := strings.Trim(strings.TrimPrefix(repoPath, p.root.Path), "/")
	if rel == "" {
		return p.stem
	}
	return path.Join(p.stem, rel)
}

func (p *packer) pack(out io.Writer, dirs []*vcs.Node, order []string, base *entry) error {
	if err := p.w.Create(out); err != nil {
		return err
	}

	for _, d := range dirs {
		if err := p.w.Write(archiver.File{FileInfo: dirInfo(p.member(d.Path), p.mtime)}); err != nil {
			return err
		}
	}

	if base != nil {
		if err := p.reuse(base); err != nil {
			return err
		}
	}

	for _, name := range order {
		if p.copied[name] {
			continue
		}
		if err := p.add(p.files[name]); err != nil {
			return err
		}
	}
	return p.w.Close()
}

func (p *packer) add(n *vcs.Node) error {
	rc, err := p.m.repo.Open(n.Path, n.Rev)
	if err != nil {
		return err
	}
	defer rc.Close()

	return p.w.Write(archiver.File{
		FileInfo:   fileInfo(p.member(n.Path), n.Size, n.Executable, p.mtime),
		ReadCloser: rc,
	})
}

// reuse copies members of the base archive whose repository node is
// unchanged between the base revision and the new one.
func (p *packer) reuse(base *entry) error {
	f, err := os.Open(base.path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	r := p.m.opts.Format.reader()
	if err := r.Open(f, info.Size()); err != nil {
		return errors.Wrapf(err, "failed to open base snapshot r%s", base.rev)
	}
	defer r.Close()

	lead := p.m.stem(base.rev) + "/"
	for {
		member, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read base snapshot r%s", base.rev)
		}

		if err := p.copyMember(member, lead, base.rev); err != nil {
			return err
		}
		if member.ReadCloser != nil {
			member.Close()
		}
	}

	log.Debug("reused snapshot members", "base", base.rev, "members", len(p.copied), "files", len(p.files))
	return nil
}

func (p *packer) copyMember(member archiver.File, lead, baseRev string) error {
	if member.IsDir() {
		return nil
	}
	rel, ok := strings.CutPrefix(MemberName(member), lead)
	if !ok {
		return nil
	}
	repoPath := path.Join(p.root.Path, rel)
	n, ok := p.files[repoPath]
	if !ok || p.copied[repoPath] {
		return nil
	}
	old, err := p.m.repo.Node(repoPath, baseRev)
	if err != nil || old.Dir || old.ID != n.ID {
		return nil
	}

	err = p.w.Write(archiver.File{
		FileInfo:   fileInfo(p.member(repoPath), member.Size(), n.Executable, p.mtime),
		ReadCloser: member.ReadCloser,
	})
	if err != nil {
		return err
	}
	p.copied[repoPath] = true
	return nil
}
