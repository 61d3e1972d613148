package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitten-ci/bitten/internal/models"
)

// PutAttachment stores content under (kind, parent, filename), replacing
// any attachment with the same key.
func (s *Store) PutAttachment(ctx context.Context, a *models.Attachment, content io.Reader) error {
	a.Filename = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(a.Filename, "\\", "/")))
	if a.Filename == "/" || a.Filename == "." {
		a.Filename = ""
	}
	if err := validate(a); err != nil {
		return err
	}

	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.conn(ctx).
			Where("parent_kind = ? AND parent_id = ? AND filename = ?", a.ParentKind, a.ParentID, a.Filename).
			Delete(&models.Attachment{}).Error; err != nil {
			return err
		}

		tmp, n, err := tx.stage(content)
		if err != nil {
			return err
		}
		tx.onRollback(func() error { return removeFile(tmp) })

		a.ID = 0
		a.Size = n
		if a.Created == 0 {
			a.Created = time.Now().Unix()
		}
		if err := tx.conn(ctx).Create(a).Error; err != nil {
			return err
		}

		dir := tx.attachmentDir(a.ParentKind, a.ParentID)
		dest := filepath.Join(dir, a.Filename)
		return tx.onCommit(func() error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			return os.Rename(tmp, dest)
		})
	})
}

// stage copies content into a temporary file below the attachments
// directory. It is moved into place when the transaction commits.
func (s *Store) stage(content io.Reader) (string, int64, error) {
	if err := os.MkdirAll(s.opts.AttachmentsDir, 0o755); err != nil {
		return "", 0, err
	}
	f, err := os.CreateTemp(s.opts.AttachmentsDir, ".upload-*")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), n, nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// OpenAttachment returns an attachment record and a reader of its content.
func (s *Store) OpenAttachment(ctx context.Context, kind, parentID, filename string) (*models.Attachment, io.ReadCloser, error) {
	a := new(models.Attachment)
	if err := s.conn(ctx).
		First(a, "parent_kind = ? AND parent_id = ? AND filename = ?", kind, parentID, filename).Error; err != nil {
		return nil, nil, notFound(err, fmt.Sprintf("attachment %s/%s/%s", kind, parentID, filename))
	}
	f, err := os.Open(filepath.Join(s.attachmentDir(kind, parentID), a.Filename))
	if err != nil {
		return nil, nil, err
	}
	return a, f, nil
}

// ListAttachments returns the attachments of a parent ordered by filename.
func (s *Store) ListAttachments(ctx context.Context, kind, parentID string) ([]models.Attachment, error) {
	var out []models.Attachment
	if err := s.conn(ctx).
		Where("parent_kind = ? AND parent_id = ?", kind, parentID).
		Order("filename").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAttachments removes every attachment of a parent.
func (s *Store) DeleteAttachments(ctx context.Context, kind, parentID string) error {
	if err := s.conn(ctx).
		Where("parent_kind = ? AND parent_id = ?", kind, parentID).
		Delete(&models.Attachment{}).Error; err != nil {
		return err
	}
	dir := s.attachmentDir(kind, parentID)
	return s.onCommit(func() error { return os.RemoveAll(dir) })
}
