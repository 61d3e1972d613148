package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/bitten-ci/bitten/internal/models"
)

// InsertLog records a build log. Messages are written as JSON lines to
// "<id>.log" under the logs directory.
func (s *Store) InsertLog(ctx context.Context, l *models.BuildLog) error {
	if err := validate(l); err != nil {
		return err
	}

	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.conn(ctx).Create(l).Error; err != nil {
			return err
		}

		l.Filename = fmt.Sprintf("%d.log", l.ID)
		tmp, err := tx.writeMessages(l.Messages)
		if err != nil {
			return err
		}
		tx.onRollback(func() error { return removeFile(tmp) })
		if err := tx.conn(ctx).Model(l).Update("filename", l.Filename).Error; err != nil {
			return err
		}
		dest := tx.logPath(l.Filename)
		return tx.onCommit(func() error { return os.Rename(tmp, dest) })
	})
}

// ListLogs returns the logs of a build, optionally restricted to a step,
// with their messages loaded.
func (s *Store) ListLogs(ctx context.Context, build int64, step string) ([]models.BuildLog, error) {
	q := s.conn(ctx).Where("build = ?", build)
	if step != "" {
		q = q.Where("step = ?", step)
	}

	var logs []models.BuildLog
	if err := q.Order("id").Find(&logs).Error; err != nil {
		return nil, err
	}
	for i := range logs {
		msgs, err := s.readMessages(logs[i].Filename)
		if err != nil {
			return nil, err
		}
		logs[i].Messages = msgs
	}
	return logs, nil
}

// DeleteLogs removes every log of a build and its message files.
func (s *Store) DeleteLogs(ctx context.Context, build int64) error {
	var logs []models.BuildLog
	if err := s.conn(ctx).Where("build = ?", build).Find(&logs).Error; err != nil {
		return err
	}
	if err := s.conn(ctx).Where("build = ?", build).Delete(&models.BuildLog{}).Error; err != nil {
		return err
	}
	return s.onCommit(func() error {
		for _, l := range logs {
			if l.Filename == "" {
				continue
			}
			if err := removeFile(s.logPath(l.Filename)); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeMessages writes msgs to a temporary file in the logs directory
// and returns its path.
func (s *Store) writeMessages(msgs []models.LogMessage) (string, error) {
	if err := os.MkdirAll(s.opts.LogsDir, 0o755); err != nil {
		return "", err
	}

	f, err := os.CreateTemp(s.opts.LogsDir, ".log-*")
	if err != nil {
		return "", err
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, m := range msgs {
		if err = enc.Encode(m); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *Store) readMessages(name string) ([]models.LogMessage, error) {
	if name == "" {
		return nil, nil
	}

	f, err := os.Open(s.logPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []models.LogMessage
	dec := json.NewDecoder(f)
	for dec.More() {
		var m models.LogMessage
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("log file %s: %w", name, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
