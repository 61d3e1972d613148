// Package store persists build configurations, builds and their results.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/pkg/log"
	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when inserting a record whose key is taken.
	ErrExists = errors.New("record already exists")
	// ErrInvalid is returned when a record fails its mandatory-field checks.
	ErrInvalid = errors.New("invalid record")
)

// Options configure where file-backed data lives.
type Options struct {
	LogsDir        string
	AttachmentsDir string
}

// Store provides typed access to the build database. A Store obtained
// from Transaction operates inside that transaction.
type Store struct {
	db    *gorm.DB
	opts  Options
	hooks *hooks
}

// hooks hold file system work that must follow the outcome of a
// transaction.
type hooks struct {
	commit   []func() error
	rollback []func() error
}

func (h *hooks) runCommit() error {
	var merr *multierror.Error
	for _, fn := range h.commit {
		if err := fn(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

func (h *hooks) runRollback() {
	for i := len(h.rollback) - 1; i >= 0; i-- {
		if err := h.rollback[i](); err != nil {
			log.Warn("failed to undo file change", "error", err)
		}
	}
}

// New returns a Store over db.
func New(db *gorm.DB, opts Options) *Store {
	if db == nil {
		panic("store requires a database")
	}
	if opts.LogsDir == "" {
		opts.LogsDir = "logs"
	}
	if opts.AttachmentsDir == "" {
		opts.AttachmentsDir = "attachments"
	}
	return &Store{db: db, opts: opts}
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Options returns the store's file locations.
func (s *Store) Options() Options {
	return s.opts
}

// Transaction runs fn inside a database transaction. The transaction is
// committed when fn returns nil. File changes registered with onCommit
// run once the outermost transaction commits; those registered with
// onRollback run when the transaction that registered them fails.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	h := &hooks{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, opts: s.opts, hooks: h})
	})
	if err != nil {
		h.runRollback()
		return err
	}
	if s.hooks != nil {
		s.hooks.commit = append(s.hooks.commit, h.commit...)
		s.hooks.rollback = append(s.hooks.rollback, h.rollback...)
		return nil
	}
	if err := h.runCommit(); err != nil {
		return fmt.Errorf("transaction committed, file changes incomplete: %w", err)
	}
	return nil
}

// onCommit defers fn until the transaction commits. Outside a
// transaction fn runs at once.
func (s *Store) onCommit(fn func() error) error {
	if s.hooks == nil {
		return fn()
	}
	s.hooks.commit = append(s.hooks.commit, fn)
	return nil
}

// onRollback registers fn to undo a file change if the transaction fails.
func (s *Store) onRollback(fn func() error) {
	if s.hooks != nil {
		s.hooks.rollback = append(s.hooks.rollback, fn)
	}
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *Store) logPath(name string) string {
	return filepath.Join(s.opts.LogsDir, name)
}

func (s *Store) attachmentDir(kind, parentID string) string {
	return filepath.Join(s.opts.AttachmentsDir, kind, filepath.Base(parentID))
}

func validate(model interface{}) error {
	if err := models.Validate(model); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// IsConstraintErr reports whether err is a uniqueness or foreign-key
// violation raised by sqlite.
func IsConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// IsContentionErr reports whether err is a transient sqlite lock error.
func IsContentionErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
